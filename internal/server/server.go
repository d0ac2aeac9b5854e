package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kiesman99/puzzle/internal/api"
	"github.com/kiesman99/puzzle/internal/export"
	"github.com/kiesman99/puzzle/internal/preview"
	"github.com/kiesman99/puzzle/internal/session"
	"github.com/kiesman99/puzzle/pkg/tile"
)

// DefaultMaxUpload caps the size of an uploaded image.
const DefaultMaxUpload = 32 << 20

// ArchiveName is the filename offered for the zip of all pieces.
const ArchiveName = "puzzle_pieces.zip"

var errNoTiles = errors.New("server: image has not been split")

// Server implements the ServerInterface from the generated API
type Server struct {
	startTime time.Time
	version   string

	state        *session.State
	maxUpload    int64
	archiveDelay time.Duration
	manifest     bool
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithState shares an existing session instead of starting an empty one.
func WithState(state *session.State) Option {
	return func(s *Server) {
		s.state = state
	}
}

// WithMaxUpload limits request bodies of POST /image to n bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithArchiveDelay sets the pause between two entries of the zip archive.
func WithArchiveDelay(d time.Duration) Option {
	return func(s *Server) {
		s.archiveDelay = d
	}
}

// WithManifest adds manifest.yaml to the zip archive.
func WithManifest(enabled bool) Option {
	return func(s *Server) {
		s.manifest = enabled
	}
}

// WithLogger sets the logger for server-side errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new server instance
func NewServer(version string, opts ...Option) *Server {
	s := &Server{
		startTime: time.Now(),
		version:   version,
		maxUpload: DefaultMaxUpload,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.state == nil {
		s.state = session.New()
	}
	return s
}

// State returns the session served by s.
func (s *Server) State() *session.State {
	return s.state
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}

	s.writeJSON(w, http.StatusOK, response)
}

// UploadImage replaces the session image with the request body. The body is
// either the raw image or a multipart form with a "file" part.
func (s *Server) UploadImage(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	data, mimeType, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeErrorResponse(w, http.StatusRequestEntityTooLarge, api.PAYLOADTOOLARGE,
				fmt.Sprintf("Image exceeds %d bytes", tooLarge.Limit), &requestID, nil)
			return
		}
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDPARAMETER,
			err.Error(), &requestID, nil)
		return
	}

	surface, err := s.state.Load(r.Context(), data, mimeType)
	if err != nil {
		s.handleError(w, err, &requestID)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	s.writeJSON(w, http.StatusOK, api.ImageResponse{
		Width:  surface.Width,
		Height: surface.Height,
		Status: s.state.Status(),
	})
}

// GetImageThumbnail serves a scaled down copy of the session image.
func (s *Server) GetImageThumbnail(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	surface := s.state.Surface()
	if surface == nil {
		s.handleError(w, session.ErrNoImage, &requestID)
		return
	}

	data, err := preview.EncodePNG(preview.Thumbnail(surface, preview.ThumbnailWidth, preview.ThumbnailHeight))
	if err != nil {
		s.handleError(w, err, &requestID)
		return
	}
	s.writePNG(w, requestID, data)
}

// GetState reports the session.
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, stateResponse(s.state.Snapshot()))
}

// SetGrid stores a new grid. Values are read like form input: non-numeric
// text becomes 1, too large values are kept and reported by the next split.
func (s *Server) SetGrid(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	var req api.SetGridJSONRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	g := s.state.Grid()
	if req.Rows != nil {
		g.Rows = tile.ParseGridValue(string(*req.Rows))
	}
	if req.Cols != nil {
		g.Cols = tile.ParseGridValue(string(*req.Cols))
	}
	s.state.OnGridSpecChanged(g.Rows, g.Cols)
	s.writeJSON(w, http.StatusOK, stateResponse(s.state.Snapshot()))
}

// SplitImage cuts the session image into tiles. rows and cols, when given,
// replace the stored grid first.
func (s *Server) SplitImage(w http.ResponseWriter, r *http.Request, params api.SplitImageParams) {
	requestID := requestIDFrom(r)

	if params.Rows != nil || params.Cols != nil {
		g := s.state.Grid()
		if params.Rows != nil {
			g.Rows = tile.ParseGridValue(*params.Rows)
		}
		if params.Cols != nil {
			g.Cols = tile.ParseGridValue(*params.Cols)
		}
		s.state.OnGridSpecChanged(g.Rows, g.Cols)
	}

	tiles, err := s.state.OnTileRequested(r.Context())
	if err != nil {
		s.handleError(w, err, &requestID)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	s.writeJSON(w, http.StatusOK, s.tileList(tiles))
}

// ListTiles describes the tiles of the last successful split.
func (s *Server) ListTiles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tileList(s.state.Tiles()))
}

// DownloadTile serves one tile as piece_<index>.png.
func (s *Server) DownloadTile(w http.ResponseWriter, r *http.Request, index int) {
	requestID := requestIDFrom(r)

	t, err := s.state.Tile(index)
	if err != nil {
		s.handleError(w, err, &requestID)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	e := &export.Exporter{Sink: &responseSink{w: w}, Logger: s.logger}
	if _, err := e.Single(r.Context(), t); err != nil {
		s.logger.Error("writing tile", "index", index, "err", err)
	}
}

// DownloadTileArchive serves every tile in a single zip.
func (s *Server) DownloadTileArchive(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	tiles := s.state.Tiles()
	if len(tiles) == 0 {
		s.handleError(w, errNoTiles, &requestID)
		return
	}

	s.state.OnBulkDownloadStarted()

	var buf bytes.Buffer
	sink := export.NewZipSink(&buf)
	e := &export.Exporter{
		Sink:     sink,
		Delay:    s.archiveDelay,
		Manifest: s.manifest,
		Logger:   s.logger,
	}
	err := e.Bulk(r.Context(), tiles, nil)
	if err == nil {
		err = sink.Close()
	}
	if err != nil {
		s.state.OnBulkDownloadFailed(err)
		s.handleError(w, err, &requestID)
		return
	}

	s.state.OnBulkDownloadFinished()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(ArchiveName))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Error("writing archive", "err", err)
	}
}

// GetTilePreview serves a contact sheet of the current tiles.
func (s *Server) GetTilePreview(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	tiles := s.state.Tiles()
	if len(tiles) == 0 {
		s.handleError(w, errNoTiles, &requestID)
		return
	}

	img, err := preview.Sheet(tiles, preview.DefaultSheetOptions())
	if err != nil {
		s.handleError(w, err, &requestID)
		return
	}
	data, err := preview.EncodePNG(img)
	if err != nil {
		s.handleError(w, err, &requestID)
		return
	}
	s.writePNG(w, requestID, data)
}

// HandleParamError reports parameters the router could not bind.
func (s *Server) HandleParamError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFrom(r)
	s.handleError(w, err, &requestID)
}

func (s *Server) tileList(tiles []tile.Tile) api.TileListResponse {
	m := export.BuildManifest("", tiles)
	response := api.TileListResponse{
		Rows:        m.Grid.Rows,
		Cols:        m.Grid.Cols,
		PieceWidth:  m.PieceWidth,
		PieceHeight: m.PieceHeight,
		Count:       len(tiles),
		Tiles:       make([]api.TileInfo, 0, len(tiles)),
		Status:      s.state.Status(),
	}
	for _, t := range tiles {
		response.Tiles = append(response.Tiles, api.TileInfo{
			Index:    t.Index,
			Row:      t.Row,
			Col:      t.Col,
			X:        t.Rect.Min.X,
			Y:        t.Rect.Min.Y,
			Width:    t.Width(),
			Height:   t.Height(),
			Filename: t.Filename(),
			Url:      fmt.Sprintf("/api/v1/tiles/%d", t.Index),
		})
	}
	return response
}

func stateResponse(snap session.Snapshot) api.StateResponse {
	response := api.StateResponse{
		HasImage:  snap.HasImage,
		Rows:      snap.Grid.Rows,
		Cols:      snap.Grid.Cols,
		TileCount: snap.TileCount,
		Status:    snap.Status,
	}
	if snap.HasImage {
		response.Width = &snap.Width
		response.Height = &snap.Height
	}
	return response
}

// handleError maps every error a handler can return to a status code and
// error code.
func (s *Server) handleError(w http.ResponseWriter, err error, requestID *string) {
	var paramErr *api.InvalidParamFormatError
	var gridErr *tile.GridError

	switch {
	case errors.As(err, &paramErr):
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDPARAMETER,
			paramErr.Error(), requestID, map[string]interface{}{
				"parameter": paramErr.ParamName,
			})
	case errors.Is(err, tile.ErrInvalidFileType):
		s.writeErrorResponse(w, http.StatusUnsupportedMediaType, api.INVALIDFILETYPE,
			session.StatusInvalidFileType, requestID, nil)
	case errors.Is(err, tile.ErrDecode):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, api.DECODEFAILURE,
			session.StatusDecodeFailure, requestID, nil)
	case errors.As(err, &gridErr):
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDGRIDSPEC,
			session.StatusInvalidGrid, requestID, map[string]interface{}{
				"rows": gridErr.Rows,
				"cols": gridErr.Cols,
				"min":  tile.MinGridSize,
				"max":  tile.MaxGridSize,
			})
	case errors.Is(err, tile.ErrInvalidGrid):
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDGRIDSPEC,
			session.StatusInvalidGrid, requestID, nil)
	case errors.Is(err, tile.ErrSurfaceTooSmall):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, api.IMAGETOOSMALL,
			err.Error(), requestID, nil)
	case errors.Is(err, session.ErrNoImage):
		s.writeErrorResponse(w, http.StatusConflict, api.NOIMAGE,
			"No image has been loaded", requestID, nil)
	case errors.Is(err, errNoTiles):
		s.writeErrorResponse(w, http.StatusConflict, api.NOTILES,
			"The image has not been split yet", requestID, nil)
	case errors.Is(err, session.ErrTileNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, api.TILENOTFOUND,
			err.Error(), requestID, nil)
	case errors.Is(err, context.Canceled):
		// The client is gone; nobody reads the response.
		s.logger.Debug("request cancelled", "request_id", deref(requestID))
	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, api.TIMEOUT,
			"Request timed out", requestID, nil)
	default:
		s.logger.Error("request failed", "request_id", deref(requestID), "err", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, api.INTERNALERROR,
			"Internal server error", requestID, nil)
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	if details != nil {
		response.Details = &details
	}

	s.writeJSON(w, statusCode, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "err", err)
	}
}

func (s *Server) writePNG(w http.ResponseWriter, requestID string, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("writing response", "err", err)
	}
}

// responseSink lets an Exporter write a single tile straight into a response.
type responseSink struct {
	w http.ResponseWriter
}

func (rs *responseSink) Put(ctx context.Context, name string, data []byte) error {
	rs.w.Header().Set("Content-Type", "image/png")
	rs.w.Header().Set("Content-Disposition", attachment(name))
	rs.w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	rs.w.WriteHeader(http.StatusOK)
	_, err := rs.w.Write(data)
	return err
}

func attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

// readUpload returns the uploaded bytes and their declared type. Missing or
// generic types are derived from the filename and content.
func readUpload(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return nil, "", fmt.Errorf("parse multipart form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("form field %q: %w", "file", err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		declared := header.Header.Get("Content-Type")
		if declared == "" || declared == "application/octet-stream" {
			declared = tile.DetectMIME(header.Filename, data)
		}
		return data, declared, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	declared := r.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		declared = tile.DetectMIME(r.URL.Query().Get("filename"), data)
	}
	return data, declared, nil
}

// requestIDFrom prefers the id set by middleware.RequestID.
func requestIDFrom(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return generateRequestID()
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
