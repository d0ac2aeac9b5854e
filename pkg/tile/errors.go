package tile

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFileType is returned when the declared type is not image/*.
	ErrInvalidFileType = errors.New("tile: not an image file")
	// ErrDecode is returned when the bytes cannot be decoded as an image.
	ErrDecode = errors.New("tile: cannot decode image")
	// ErrInvalidGrid is returned when rows or cols fall outside [1, 20].
	ErrInvalidGrid = errors.New("tile: invalid grid")
	// ErrSurfaceTooSmall is returned when a piece would be zero pixels wide or high.
	ErrSurfaceTooSmall = errors.New("tile: image too small for grid")
)

// GridError describes a rejected grid.
type GridError struct {
	Rows, Cols int
}

func (e *GridError) Error() string {
	return fmt.Sprintf("tile: invalid grid %dx%d: rows and cols must be between %d and %d",
		e.Rows, e.Cols, MinGridSize, MaxGridSize)
}

// Is makes errors.Is(err, ErrInvalidGrid) match.
func (e *GridError) Is(target error) bool {
	return target == ErrInvalidGrid
}

// LoadError wraps a rejected load together with the declared MIME type.
type LoadError struct {
	MimeType string
	Err      error
}

func (e *LoadError) Error() string {
	if e.MimeType == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (type %q)", e.Err, e.MimeType)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
