package export

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
)

// Sink stores named blobs. Every tile becomes one object.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// DirSink writes each object as a file in a directory.
type DirSink struct {
	dir string
}

// NewDirSink returns a sink writing into dir. A leading ~ is expanded and the
// directory is created if it does not exist.
func NewDirSink(dir string) (*DirSink, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0755); err != nil {
		return nil, err
	}
	return &DirSink{dir: expanded}, nil
}

// Dir is the resolved output directory.
func (s *DirSink) Dir() string {
	return s.dir
}

func (s *DirSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), data, 0644)
}

// ZipSink packs every object into a single zip archive. PNG data is already
// deflated, so entries are stored uncompressed.
type ZipSink struct {
	mu sync.Mutex
	zw *zip.Writer
}

// NewZipSink writes the archive to w. Close must be called to finish it.
func NewZipSink(w io.Writer) *ZipSink {
	return &ZipSink{zw: zip.NewWriter(w)}
}

func (s *ZipSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	method := zip.Store
	if filepath.Ext(name) != ".png" {
		method = zip.Deflate
	}
	f, err := s.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	_, err = f.Write(data)
	return err
}

// Close writes the archive's central directory.
func (s *ZipSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zw.Close()
}
