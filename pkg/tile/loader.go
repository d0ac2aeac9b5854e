package tile

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	// imaging registers gif, jpeg, png, bmp and tiff; webp is added here.
	_ "golang.org/x/image/webp"
)

type loadConfig struct {
	autoOrient bool
}

var defaultLoadConfig = loadConfig{
	autoOrient: true,
}

// LoadOption configures Load.
type LoadOption func(*loadConfig)

// AutoOrient applies the EXIF orientation tag after decoding. It is on by
// default, matching how browsers display photos.
func AutoOrient(enabled bool) LoadOption {
	return func(c *loadConfig) {
		c.autoOrient = enabled
	}
}

// Load decodes data into a Surface. The declared MIME type must be image/*,
// otherwise ErrInvalidFileType is returned without touching data. Decoding
// runs in its own goroutine so a cancelled ctx returns immediately.
func Load(ctx context.Context, data []byte, mimeType string, opts ...LoadOption) (*Surface, error) {
	if !IsImageType(mimeType) {
		return nil, &LoadError{MimeType: mimeType, Err: ErrInvalidFileType}
	}

	cfg := defaultLoadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	type result struct {
		surface *Surface
		err     error
	}
	done := make(chan result, 1)

	go func() {
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(cfg.autoOrient))
		if err != nil {
			done <- result{err: &LoadError{MimeType: mimeType, Err: fmt.Errorf("%w: %v", ErrDecode, err)}}
			return
		}
		s, err := NewSurface(img)
		if err != nil {
			done <- result{err: &LoadError{MimeType: mimeType, Err: err}}
			return
		}
		done <- result{surface: s}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		Logger().Info("image loaded", "width", r.surface.Width, "height", r.surface.Height, "type", mimeType)
		return r.surface, nil
	}
}

// IsImageType reports whether mimeType names an image/* type. Parameters are
// ignored and the comparison is case-insensitive.
func IsImageType(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt, _, _ = strings.Cut(mimeType, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
	}
	return strings.HasPrefix(mt, "image/") && len(mt) > len("image/")
}

// DetectMIME derives a declared type for data that arrived without one. The
// file extension wins; otherwise the leading bytes are sniffed.
func DetectMIME(filename string, data []byte) string {
	if ext := filepath.Ext(filename); ext != "" {
		if t := mime.TypeByExtension(strings.ToLower(ext)); t != "" {
			return t
		}
	}

	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4E, 0x47}):
		return "image/png"
	case len(data) >= 2 && bytes.Equal(data[:2], []byte{0xFF, 0xD8}):
		return "image/jpeg"
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte("II*\x00")) || bytes.Equal(data[:4], []byte("MM\x00*"))):
		return "image/tiff"
	}

	return http.DetectContentType(data)
}

// ParseGridValue turns user input into a grid dimension the way the input
// form does: the leading integer is used ("4", " 7px", "3.5" give 4, 7, 3)
// and anything non-numeric or below 1 becomes 1. Values above the maximum
// are kept so that the tiler can reject them.
func ParseGridValue(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < MinGridSize {
		return MinGridSize
	}
	return n
}

// ClampGrid applies the lower bound of ParseGridValue to an already numeric grid.
func ClampGrid(rows, cols int) Grid {
	return Grid{Rows: max(rows, MinGridSize), Cols: max(cols, MinGridSize)}
}
