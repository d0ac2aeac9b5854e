package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kiesman99/puzzle/pkg/tile"
)

type memorySink struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
	times []time.Time
}

func (m *memorySink) Put(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.names = append(m.names, name)
	m.data[name] = data
	m.times = append(m.times, time.Now())
	return nil
}

// fakeTiles returns a 2x3 grid of tiles in the given order of indices.
func fakeTiles(order ...int) []tile.Tile {
	var tiles []tile.Tile
	for _, idx := range order {
		row, col := (idx-1)/3, (idx-1)%3
		tiles = append(tiles, tile.Tile{
			Row:   row,
			Col:   col,
			Index: idx,
			Rect:  image.Rect(col*10, row*8, col*10+10, row*8+8),
			Data:  []byte{byte(idx)},
		})
	}
	return tiles
}

func TestSingle(t *testing.T) {
	sink := &memorySink{}
	e := New(sink)

	name, err := e.Single(context.Background(), fakeTiles(4)[0])
	require.NoError(t, err)
	assert.Equal(t, "piece_4.png", name)
	assert.Equal(t, []byte{4}, sink.data["piece_4.png"])
}

func TestBulk_OrderAndNames(t *testing.T) {
	sink := &memorySink{}
	e := &Exporter{Sink: sink}

	var progress [][2]int
	err := e.Bulk(context.Background(), fakeTiles(3, 1, 6, 2, 5, 4), func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"puzzle_piece_1.png",
		"puzzle_piece_2.png",
		"puzzle_piece_3.png",
		"puzzle_piece_4.png",
		"puzzle_piece_5.png",
		"puzzle_piece_6.png",
	}, sink.names)
	assert.Len(t, progress, 6)
	assert.Equal(t, [2]int{6, 6}, progress[5])
}

func TestBulk_Staggered(t *testing.T) {
	sink := &memorySink{}
	e := &Exporter{Sink: sink, Delay: 20 * time.Millisecond}

	require.NoError(t, e.Bulk(context.Background(), fakeTiles(1, 2, 3), nil))
	require.Len(t, sink.times, 3)

	for i := 1; i < len(sink.times); i++ {
		assert.GreaterOrEqual(t, sink.times[i].Sub(sink.times[i-1]), 20*time.Millisecond)
	}
}

func TestBulk_Cancelled(t *testing.T) {
	sink := &memorySink{}
	e := &Exporter{Sink: sink, Delay: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Bulk(ctx, fakeTiles(1, 2, 3), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"puzzle_piece_1.png"}, sink.names)
}

func TestBulk_Manifest(t *testing.T) {
	sink := &memorySink{}
	e := &Exporter{Sink: sink, Manifest: true, Source: "cat.png"}

	require.NoError(t, e.Bulk(context.Background(), fakeTiles(1, 2, 3, 4, 5, 6), nil))
	require.Contains(t, sink.data, ManifestName)

	var m Manifest
	require.NoError(t, yaml.Unmarshal(sink.data[ManifestName], &m))
	assert.Equal(t, "cat.png", m.Source)
	assert.Equal(t, tile.Grid{Rows: 2, Cols: 3}, m.Grid)
	assert.Equal(t, 10, m.PieceWidth)
	assert.Equal(t, 8, m.PieceHeight)
	require.Len(t, m.Pieces, 6)
	assert.Equal(t, ManifestPiece{Index: 6, Row: 1, Col: 2, X: 20, Y: 8, File: "puzzle_piece_6.png"}, m.Pieces[5])
}

func TestZipSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZipSink(&buf)
	e := &Exporter{Sink: sink}

	require.NoError(t, e.Bulk(context.Background(), fakeTiles(2, 1), nil))
	require.NoError(t, sink.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "puzzle_piece_1.png", zr.File[0].Name)
	assert.Equal(t, "puzzle_piece_2.png", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, data)
}

func TestDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	sink, err := NewDirSink(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, sink.Dir())

	_, err = New(sink).Single(context.Background(), fakeTiles(3)[0])
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "piece_3.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, data)
}

type fakeS3 struct {
	headErr  error
	created  []string
	uploaded map[string]string
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, *in.Bucket)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.uploaded == nil {
		f.uploaded = make(map[string]string)
	}
	f.uploaded[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{headErr: errors.New("not found")}

	sink, err := newS3Sink(ctx, client, "pieces", "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pieces"}, client.created)

	e := &Exporter{Sink: sink, Manifest: true}
	require.NoError(t, e.Bulk(ctx, fakeTiles(1, 2), nil))

	assert.Equal(t, "image/png", client.uploaded["run-1/puzzle_piece_1.png"])
	assert.Contains(t, client.uploaded, "run-1/puzzle_piece_2.png")
	assert.Contains(t, client.uploaded, "run-1/manifest.yaml")
}

func TestS3Sink_ExistingBucket(t *testing.T) {
	client := &fakeS3{}

	_, err := newS3Sink(context.Background(), client, "pieces", "")
	require.NoError(t, err)
	assert.Empty(t, client.created)
}
