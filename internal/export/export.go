// Package export writes tiles to a Sink, one at a time or all at once.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kiesman99/puzzle/pkg/tile"
)

// DefaultDelay separates consecutive writes of a bulk export.
const DefaultDelay = 100 * time.Millisecond

// ManifestName is the object written next to the tiles when a manifest is
// requested.
const ManifestName = "manifest.yaml"

// Exporter writes tiles to Sink.
type Exporter struct {
	Sink Sink

	// Delay is waited between two bulk writes. Zero writes back to back.
	Delay time.Duration

	// Manifest adds manifest.yaml after a bulk export.
	Manifest bool

	// Source is recorded in the manifest.
	Source string

	Logger *slog.Logger
}

// New returns an exporter with the default delay.
func New(sink Sink) *Exporter {
	return &Exporter{Sink: sink, Delay: DefaultDelay}
}

func (e *Exporter) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

// Single writes t as piece_<index>.png and returns the name used.
func (e *Exporter) Single(ctx context.Context, t tile.Tile) (string, error) {
	name := t.Filename()
	if err := e.Sink.Put(ctx, name, t.Data); err != nil {
		return "", fmt.Errorf("export %s: %w", name, err)
	}
	e.logger().Info("piece exported", "name", name, "bytes", len(t.Data))
	return name, nil
}

// Bulk writes every tile as puzzle_piece_<index>.png in index order, waiting
// Delay between writes. progress, if non-nil, is called after each tile.
func (e *Exporter) Bulk(ctx context.Context, tiles []tile.Tile, progress func(done, total int)) error {
	ordered := slices.Clone(tiles)
	slices.SortFunc(ordered, func(a, b tile.Tile) int {
		return a.Index - b.Index
	})

	for i, t := range ordered {
		if i > 0 && e.Delay > 0 {
			timer := time.NewTimer(e.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		name := t.BulkFilename()
		if err := e.Sink.Put(ctx, name, t.Data); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
		e.logger().Debug("piece exported", "name", name, "bytes", len(t.Data))

		if progress != nil {
			progress(i+1, len(ordered))
		}
	}

	if e.Manifest && len(ordered) > 0 {
		data, err := yaml.Marshal(BuildManifest(e.Source, ordered))
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := e.Sink.Put(ctx, ManifestName, data); err != nil {
			return fmt.Errorf("export %s: %w", ManifestName, err)
		}
	}

	e.logger().Info("pieces exported", "count", len(ordered))
	return nil
}

// Manifest describes a bulk export.
type Manifest struct {
	Source      string          `yaml:"source,omitempty"`
	Grid        tile.Grid       `yaml:"grid"`
	PieceWidth  int             `yaml:"piece_width"`
	PieceHeight int             `yaml:"piece_height"`
	Pieces      []ManifestPiece `yaml:"pieces"`
}

// ManifestPiece is one entry of a Manifest.
type ManifestPiece struct {
	Index int    `yaml:"index"`
	Row   int    `yaml:"row"`
	Col   int    `yaml:"col"`
	X     int    `yaml:"x"`
	Y     int    `yaml:"y"`
	File  string `yaml:"file"`
}

// BuildManifest describes tiles as written by Bulk. tiles must come from a
// single split.
func BuildManifest(source string, tiles []tile.Tile) Manifest {
	m := Manifest{Source: source}
	for _, t := range tiles {
		m.Grid.Rows = max(m.Grid.Rows, t.Row+1)
		m.Grid.Cols = max(m.Grid.Cols, t.Col+1)
		m.Pieces = append(m.Pieces, ManifestPiece{
			Index: t.Index,
			Row:   t.Row,
			Col:   t.Col,
			X:     t.Rect.Min.X,
			Y:     t.Rect.Min.Y,
			File:  t.BulkFilename(),
		})
	}
	if len(tiles) > 0 {
		m.PieceWidth = tiles[0].Width()
		m.PieceHeight = tiles[0].Height()
	}
	return m
}
