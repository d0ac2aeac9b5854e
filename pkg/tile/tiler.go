package tile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/sourcegraph/conc/pool"
)

type splitConfig struct {
	workers int
	level   png.CompressionLevel
}

// SplitOption configures SplitContext.
type SplitOption func(*splitConfig)

// Workers extracts and encodes up to n tiles at once. Values below 2 keep
// the split on the calling goroutine.
func Workers(n int) SplitOption {
	return func(c *splitConfig) {
		c.workers = n
	}
}

// Compression sets the PNG compression level. Every level is lossless.
func Compression(level png.CompressionLevel) SplitOption {
	return func(c *splitConfig) {
		c.level = level
	}
}

// Layout is the geometry of a split: every piece is PieceWidth x PieceHeight
// and piece (row, col) starts at (col*PieceWidth, row*PieceHeight).
type Layout struct {
	Grid        Grid
	PieceWidth  int
	PieceHeight int
}

// Plan computes the layout for an image of the given size. Piece sizes use
// floor division so the right and bottom remainder strips are left out.
func Plan(width, height int, g Grid) (Layout, error) {
	if err := g.Validate(); err != nil {
		return Layout{}, err
	}

	l := Layout{
		Grid:        g,
		PieceWidth:  width / g.Cols,
		PieceHeight: height / g.Rows,
	}
	if l.PieceWidth == 0 || l.PieceHeight == 0 {
		return Layout{}, fmt.Errorf("%w: %dx%d image split %s", ErrSurfaceTooSmall, width, height, g)
	}
	return l, nil
}

// Rect returns the source rectangle of piece (row, col).
func (l Layout) Rect(row, col int) image.Rectangle {
	x, y := col*l.PieceWidth, row*l.PieceHeight
	return image.Rect(x, y, x+l.PieceWidth, y+l.PieceHeight)
}

// Covered is the part of the source that ends up in some piece.
func (l Layout) Covered() image.Rectangle {
	return image.Rect(0, 0, l.PieceWidth*l.Grid.Cols, l.PieceHeight*l.Grid.Rows)
}

// Split cuts s into g.Rows*g.Cols PNG tiles in row-major order.
func Split(s *Surface, g Grid) ([]Tile, error) {
	return SplitContext(context.Background(), s, g)
}

// SplitContext is Split with options. The returned slice is complete or nil;
// tiles are never returned partially.
func SplitContext(ctx context.Context, s *Surface, g Grid, opts ...SplitOption) ([]Tile, error) {
	layout, err := Plan(s.Width, s.Height, g)
	if err != nil {
		return nil, err
	}

	cfg := splitConfig{workers: 1, level: png.DefaultCompression}
	for _, opt := range opts {
		opt(&cfg)
	}
	enc := &png.Encoder{CompressionLevel: cfg.level}

	tiles := make([]Tile, g.Count())

	if cfg.workers < 2 {
		for row := 0; row < g.Rows; row++ {
			for col := 0; col < g.Cols; col++ {
				t, err := cut(s, layout, row, col, enc)
				if err != nil {
					return nil, err
				}
				tiles[t.Index-1] = t
			}
		}
	} else {
		p := pool.New().
			WithContext(ctx).
			WithMaxGoroutines(cfg.workers).
			WithCancelOnError().
			WithFirstError()
		for row := 0; row < g.Rows; row++ {
			for col := 0; col < g.Cols; col++ {
				p.Go(func(ctx context.Context) error {
					if err := ctx.Err(); err != nil {
						return err
					}
					t, err := cut(s, layout, row, col, enc)
					if err != nil {
						return err
					}
					tiles[t.Index-1] = t
					return nil
				})
			}
		}
		if err := p.Wait(); err != nil {
			return nil, err
		}
	}

	Logger().Info("image split",
		"grid", g.String(),
		"piece_width", layout.PieceWidth,
		"piece_height", layout.PieceHeight,
		"tiles", len(tiles))
	return tiles, nil
}

// cut copies one piece into its own buffer and encodes it.
func cut(s *Surface, l Layout, row, col int, enc *png.Encoder) (Tile, error) {
	r := l.Rect(row, col)
	index := IndexOf(row, col, l.Grid.Cols)

	piece := imaging.Crop(s.pix, r)

	var buf bytes.Buffer
	if err := enc.Encode(&buf, piece); err != nil {
		return Tile{}, fmt.Errorf("encode piece %d: %w", index, err)
	}

	Logger().Debug("piece encoded", "index", index, "rect", r.String(), "bytes", buf.Len())

	return Tile{
		Row:   row,
		Col:   col,
		Index: index,
		Rect:  r,
		Data:  buf.Bytes(),
	}, nil
}
