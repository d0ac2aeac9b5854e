package tile

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

// Grid size bounds, inclusive.
const (
	MinGridSize = 1
	MaxGridSize = 20
)

// Default grid used before the user picks one.
const (
	DefaultRows = 3
	DefaultCols = 3
)

// Surface holds a decoded image. The pixel buffer always starts at (0, 0)
// and is never modified after Load returns it.
type Surface struct {
	Width  int
	Height int
	pix    *image.NRGBA
}

// NewSurface wraps an already decoded image. The pixels are copied into a
// fresh NRGBA buffer so later changes to img do not leak into the surface.
func NewSurface(img image.Image) (*Surface, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrDecode, b.Dx(), b.Dy())
	}
	return &Surface{
		Width:  b.Dx(),
		Height: b.Dy(),
		pix:    imaging.Clone(img),
	}, nil
}

// Image returns the pixel buffer. Callers must treat it as read-only.
func (s *Surface) Image() image.Image {
	return s.pix
}

// Grid is the requested number of rows and columns.
type Grid struct {
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

// DefaultGrid returns the 3x3 grid.
func DefaultGrid() Grid {
	return Grid{Rows: DefaultRows, Cols: DefaultCols}
}

// Validate reports whether both dimensions are within bounds.
func (g Grid) Validate() error {
	if g.Rows < MinGridSize || g.Rows > MaxGridSize || g.Cols < MinGridSize || g.Cols > MaxGridSize {
		return &GridError{Rows: g.Rows, Cols: g.Cols}
	}
	return nil
}

// Count is the number of tiles the grid produces.
func (g Grid) Count() int {
	return g.Rows * g.Cols
}

func (g Grid) String() string {
	return fmt.Sprintf("%d×%d", g.Rows, g.Cols)
}

// Tile is one encoded piece of the source image.
type Tile struct {
	Row   int
	Col   int
	Index int // 1-based, row-major
	Rect  image.Rectangle
	Data  []byte
}

// Width of the tile in pixels.
func (t Tile) Width() int { return t.Rect.Dx() }

// Height of the tile in pixels.
func (t Tile) Height() int { return t.Rect.Dy() }

// Filename is the name used when a single tile is downloaded.
func (t Tile) Filename() string {
	return PieceFilename(t.Index)
}

// BulkFilename is the name used when all tiles are downloaded at once.
func (t Tile) BulkFilename() string {
	return BulkFilename(t.Index)
}

// Decode decodes the tile's PNG bytes.
func (t Tile) Decode() (image.Image, error) {
	return png.Decode(bytes.NewReader(t.Data))
}

// PieceFilename returns piece_<index>.png.
func PieceFilename(index int) string {
	return fmt.Sprintf("piece_%d.png", index)
}

// BulkFilename returns puzzle_piece_<index>.png.
func BulkFilename(index int) string {
	return fmt.Sprintf("puzzle_piece_%d.png", index)
}

// IndexOf returns the 1-based row-major index of (row, col).
func IndexOf(row, col, cols int) int {
	return row*cols + col + 1
}
