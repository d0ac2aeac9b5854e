// Package session holds the state of one tiling session: the current image,
// the requested grid, the last computed tiles and a user-facing status line.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kiesman99/puzzle/pkg/tile"
)

// Status messages shown to the user.
const (
	StatusInvalidFileType = "Please select a valid image file."
	StatusDecodeFailure   = "Could not decode image."
	StatusInvalidGrid     = "Please enter valid numbers between 1 and 20 for rows and columns."
	StatusDownloading     = "Downloading all pieces..."
	StatusDownloaded      = "All pieces downloaded!"
	StatusDownloadFailed  = "Download failed:"
)

var (
	// ErrNoImage is returned when tiles are requested before an image is loaded.
	ErrNoImage = errors.New("session: no image loaded")
	// ErrTileNotFound is returned for an index outside the current tiles.
	ErrTileNotFound = errors.New("session: tile not found")
)

// Snapshot is a copy of the session state safe to hand to other goroutines.
type Snapshot struct {
	HasImage  bool
	Width     int
	Height    int
	Grid      tile.Grid
	TileCount int
	Status    string
}

// State is the mutable session. The zero value is not usable; call New.
type State struct {
	mu       sync.RWMutex
	surface  *tile.Surface
	grid     tile.Grid
	tiles    []tile.Tile
	status   string
	loadOpts []tile.LoadOption
	split    []tile.SplitOption
}

// Option configures a State.
type Option func(*State)

// WithLoadOptions passes options to every tile.Load call.
func WithLoadOptions(opts ...tile.LoadOption) Option {
	return func(s *State) {
		s.loadOpts = append(s.loadOpts, opts...)
	}
}

// WithSplitOptions passes options to every tile.SplitContext call.
func WithSplitOptions(opts ...tile.SplitOption) Option {
	return func(s *State) {
		s.split = append(s.split, opts...)
	}
}

// New returns an empty session with the default 3x3 grid.
func New(opts ...Option) *State {
	s := &State{grid: tile.DefaultGrid()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load decodes data and, on success, makes it the current image. A failed
// load leaves the previous image and tiles in place and only updates the
// status line.
func (s *State) Load(ctx context.Context, data []byte, mimeType string) (*tile.Surface, error) {
	surface, err := tile.Load(ctx, data, mimeType, s.loadOpts...)
	if err != nil {
		s.OnLoadFailed(err)
		return nil, err
	}
	s.OnImageLoaded(surface)
	return surface, nil
}

// OnImageLoaded replaces the current image and drops every computed tile.
func (s *State) OnImageLoaded(surface *tile.Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.surface = surface
	s.tiles = nil
	s.status = fmt.Sprintf("Image loaded: %d×%dpx", surface.Width, surface.Height)
}

// OnLoadFailed records why a load was refused. Nothing else changes.
func (s *State) OnLoadFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, tile.ErrInvalidFileType):
		s.status = StatusInvalidFileType
	case errors.Is(err, tile.ErrDecode):
		s.status = StatusDecodeFailure
	}
}

// OnGridSpecChanged stores the requested grid. Values below 1 are raised to
// 1; values above the maximum are kept and rejected when tiles are requested.
func (s *State) OnGridSpecChanged(rows, cols int) tile.Grid {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grid = tile.ClampGrid(rows, cols)
	return s.grid
}

// OnTileRequested splits the current image with the current grid. On
// success the previous tiles are replaced; on failure they are kept.
func (s *State) OnTileRequested(ctx context.Context) ([]tile.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.surface == nil {
		return nil, ErrNoImage
	}

	if err := s.grid.Validate(); err != nil {
		s.status = StatusInvalidGrid
		return nil, err
	}

	tiles, err := tile.SplitContext(ctx, s.surface, s.grid, s.split...)
	if err != nil {
		s.status = fmt.Sprintf("Could not split image: %v", err)
		return nil, err
	}

	s.tiles = tiles
	s.status = fmt.Sprintf("Successfully split into %d×%d = %d pieces! Click any piece to download it.",
		s.grid.Rows, s.grid.Cols, len(tiles))
	return s.copyTiles(), nil
}

// OnBulkDownloadStarted marks the start of a bulk export.
func (s *State) OnBulkDownloadStarted() {
	s.setStatus(StatusDownloading)
}

// OnBulkDownloadFinished marks the end of a bulk export.
func (s *State) OnBulkDownloadFinished() {
	s.setStatus(StatusDownloaded)
}

// OnBulkDownloadFailed records why a bulk export stopped. Tiles are kept so
// the download can be retried.
func (s *State) OnBulkDownloadFailed(err error) {
	s.setStatus(fmt.Sprintf("%s %v", StatusDownloadFailed, err))
}

// Surface returns the current image or nil.
func (s *State) Surface() *tile.Surface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.surface
}

// Grid returns the requested grid.
func (s *State) Grid() tile.Grid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid
}

// Tiles returns the tiles of the last successful split.
func (s *State) Tiles() []tile.Tile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyTiles()
}

// Tile returns the tile with the given 1-based index.
func (s *State) Tile(index int) (tile.Tile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 1 || index > len(s.tiles) {
		return tile.Tile{}, fmt.Errorf("%w: %d", ErrTileNotFound, index)
	}
	return s.tiles[index-1], nil
}

// Status returns the current status line.
func (s *State) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a consistent copy of the session.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Grid:      s.grid,
		TileCount: len(s.tiles),
		Status:    s.status,
	}
	if s.surface != nil {
		snap.HasImage = true
		snap.Width = s.surface.Width
		snap.Height = s.surface.Height
	}
	return snap
}

func (s *State) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// copyTiles must be called with mu held. Tile data is immutable so only the
// slice header is copied.
func (s *State) copyTiles() []tile.Tile {
	if s.tiles == nil {
		return nil
	}
	out := make([]tile.Tile, len(s.tiles))
	copy(out, s.tiles)
	return out
}
