// Package preview renders images for showing a source and its tiles to a
// user before downloading.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/nfnt/resize"
	"golang.org/x/image/font/basicfont"

	"github.com/kiesman99/puzzle/pkg/tile"
)

// Default thumbnail bounds.
const (
	ThumbnailWidth  = 400
	ThumbnailHeight = 300
)

// Thumbnail scales s to fit in maxWidth x maxHeight keeping its aspect
// ratio. Images that already fit are returned unscaled.
func Thumbnail(s *tile.Surface, maxWidth, maxHeight int) image.Image {
	return resize.Thumbnail(uint(maxWidth), uint(maxHeight), s.Image(), resize.Lanczos3)
}

// SheetOptions controls the look of a contact sheet.
type SheetOptions struct {
	Gap        int
	Background string // hex colour
	Labels     bool
}

// DefaultSheetOptions matches the tile grid shown in the browser version.
func DefaultSheetOptions() SheetOptions {
	return SheetOptions{
		Gap:        10,
		Background: "#f2f2f7",
		Labels:     true,
	}
}

// Sheet lays tiles out in their grid positions with a gap between them and
// draws each index in the top-left corner of its tile.
func Sheet(tiles []tile.Tile, opts SheetOptions) (image.Image, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("preview: no tiles")
	}

	rows, cols := 0, 0
	for _, t := range tiles {
		rows = max(rows, t.Row+1)
		cols = max(cols, t.Col+1)
	}
	pw, ph := tiles[0].Width(), tiles[0].Height()
	gap := max(opts.Gap, 0)

	w := cols*pw + (cols+1)*gap
	h := rows*ph + (rows+1)*gap

	dc := gg.NewContext(w, h)
	dc.SetHexColor(opts.Background)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	for _, t := range tiles {
		img, err := t.Decode()
		if err != nil {
			return nil, fmt.Errorf("preview: decode piece %d: %w", t.Index, err)
		}

		x := gap + t.Col*(pw+gap)
		y := gap + t.Row*(ph+gap)
		dc.DrawImage(img, x, y)

		if opts.Labels {
			label := strconv.Itoa(t.Index)
			lw, lh := dc.MeasureString(label)
			dc.SetRGBA(0, 0, 0, 0.6)
			dc.DrawRectangle(float64(x), float64(y), lw+6, lh+6)
			dc.Fill()
			dc.SetRGB(1, 1, 1)
			dc.DrawStringAnchored(label, float64(x)+3, float64(y)+3, 0, 1)
		}
	}

	return dc.Image(), nil
}

// EncodePNG is a convenience for handlers that serve previews.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
