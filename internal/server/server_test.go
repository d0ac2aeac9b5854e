package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/puzzle/internal/api"
	"github.com/kiesman99/puzzle/internal/session"
)

// Test server setup
func setupTestServer(t *testing.T, opts ...Option) (*httptest.Server, *Server) {
	t.Helper()
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	apiServer := NewServer("2.0.0-test", opts...)

	api.HandlerWithOptions(apiServer, api.ChiServerOptions{
		BaseURL:          "/api/v1",
		BaseRouter:       r,
		ErrorHandlerFunc: apiServer.HandleParamError,
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, apiServer
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, srv *httptest.Server, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/image", contentType, bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	var errResp api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	return errResp
}

func split(t *testing.T, srv *httptest.Server, query string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/split"+query, "application/json", nil)
	require.NoError(t, err)
	return resp
}

func putGrid(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/grid", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var healthResp api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&healthResp))

	assert.Equal(t, api.Healthy, healthResp.Status)
	require.NotNil(t, healthResp.Version)
	assert.Equal(t, "2.0.0-test", *healthResp.Version)
	require.NotNil(t, healthResp.Uptime)
	assert.GreaterOrEqual(t, *healthResp.Uptime, 0)
	assert.WithinDuration(t, time.Now(), healthResp.Timestamp, time.Minute)
}

func TestUploadImage_Raw(t *testing.T) {
	srv, s := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 90, 60))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var imgResp api.ImageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imgResp))
	assert.Equal(t, 90, imgResp.Width)
	assert.Equal(t, 60, imgResp.Height)
	assert.Equal(t, "Image loaded: 90×60px", imgResp.Status)
	assert.NotNil(t, s.State().Surface())
}

func TestUploadImage_SniffsUntypedBody(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := upload(t, srv, "application/octet-stream", pngBytes(t, 20, 10))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadImage_Multipart(t *testing.T) {
	srv, _ := setupTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "cat.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t, 40, 30))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := upload(t, srv, mw.FormDataContentType(), body.Bytes())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var imgResp api.ImageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imgResp))
	assert.Equal(t, 40, imgResp.Width)
	assert.Equal(t, 30, imgResp.Height)
}

func TestUploadImage_Errors(t *testing.T) {
	testCases := []struct {
		name           string
		contentType    string
		body           []byte
		expectedStatus int
		expectedError  string
		expectedState  string
	}{
		{
			name:           "Not an image",
			contentType:    "text/plain",
			body:           []byte("hello"),
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedError:  api.INVALIDFILETYPE,
			expectedState:  session.StatusInvalidFileType,
		},
		{
			name:           "Corrupt image",
			contentType:    "image/png",
			body:           []byte("definitely not a png"),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedError:  api.DECODEFAILURE,
			expectedState:  session.StatusDecodeFailure,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, s := setupTestServer(t)

			resp := upload(t, srv, tc.contentType, tc.body)
			defer resp.Body.Close()

			assert.Equal(t, tc.expectedStatus, resp.StatusCode)
			errResp := decodeError(t, resp)
			assert.Equal(t, tc.expectedError, errResp.Error)
			assert.NotNil(t, errResp.RequestId)
			assert.Equal(t, tc.expectedState, s.State().Status())
			assert.Nil(t, s.State().Surface())
		})
	}
}

func TestUploadImage_TooLarge(t *testing.T) {
	srv, _ := setupTestServer(t, WithMaxUpload(64))

	resp := upload(t, srv, "image/png", pngBytes(t, 50, 50))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, api.PAYLOADTOOLARGE, decodeError(t, resp).Error)
}

func TestSplit_NoImage(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := split(t, srv, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, api.NOIMAGE, decodeError(t, resp).Error)
}

func TestSplitAndDownload(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 100, 100))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = split(t, srv, "?rows=3&cols=3")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list api.TileListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 3, list.Rows)
	assert.Equal(t, 3, list.Cols)
	assert.Equal(t, 33, list.PieceWidth)
	assert.Equal(t, 33, list.PieceHeight)
	assert.Equal(t, 9, list.Count)
	assert.Equal(t, "Successfully split into 3×3 = 9 pieces! Click any piece to download it.", list.Status)
	require.Len(t, list.Tiles, 9)
	for i, ti := range list.Tiles {
		assert.Equal(t, i+1, ti.Index)
		assert.Equal(t, i/3, ti.Row)
		assert.Equal(t, i%3, ti.Col)
	}
	assert.Equal(t, api.TileInfo{
		Index: 9, Row: 2, Col: 2, X: 66, Y: 66, Width: 33, Height: 33,
		Filename: "piece_9.png", Url: "/api/v1/tiles/9",
	}, list.Tiles[8])

	tileResp, err := http.Get(srv.URL + list.Tiles[4].Url)
	require.NoError(t, err)
	defer tileResp.Body.Close()
	require.Equal(t, http.StatusOK, tileResp.StatusCode)
	assert.Equal(t, "image/png", tileResp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=piece_5.png", tileResp.Header.Get("Content-Disposition"))

	img, err := png.Decode(tileResp.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 33, 33), img.Bounds())
}

func TestDownloadTile_Errors(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 20, 20))
	resp.Body.Close()
	resp = split(t, srv, "?rows=2&cols=2")
	resp.Body.Close()

	testCases := []struct {
		path           string
		expectedStatus int
		expectedError  string
	}{
		{"/api/v1/tiles/0", http.StatusNotFound, api.TILENOTFOUND},
		{"/api/v1/tiles/5", http.StatusNotFound, api.TILENOTFOUND},
		{"/api/v1/tiles/abc", http.StatusBadRequest, api.INVALIDPARAMETER},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.expectedStatus, resp.StatusCode)
			assert.Equal(t, tc.expectedError, decodeError(t, resp).Error)
		})
	}
}

func TestSplit_InvalidGridKeepsTiles(t *testing.T) {
	srv, s := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 60, 60))
	resp.Body.Close()
	resp = split(t, srv, "?rows=2&cols=2")
	resp.Body.Close()
	require.Len(t, s.State().Tiles(), 4)

	for _, grid := range []string{`{"rows":21,"cols":3}`, `{"rows":3,"cols":25}`} {
		resp = putGrid(t, srv, grid)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = split(t, srv, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		errResp := decodeError(t, resp)
		resp.Body.Close()

		assert.Equal(t, api.INVALIDGRIDSPEC, errResp.Error)
		assert.Equal(t, session.StatusInvalidGrid, errResp.Message)
		assert.Len(t, s.State().Tiles(), 4)
		assert.Equal(t, session.StatusInvalidGrid, s.State().Status())
	}
}

func TestSplit_NonNumericQueryDefaultsToOne(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 30, 30))
	resp.Body.Close()

	resp = split(t, srv, "?rows=many&cols=2.7")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list api.TileListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Rows)
	assert.Equal(t, 2, list.Cols)
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, 15, list.PieceWidth)
	assert.Equal(t, 30, list.PieceHeight)
}

func TestSetGrid(t *testing.T) {
	srv, _ := setupTestServer(t)

	testCases := []struct {
		name         string
		body         string
		expectedRows int
		expectedCols int
	}{
		{"Numbers", `{"rows":4,"cols":6}`, 4, 6},
		{"Strings", `{"rows":"5","cols":"2"}`, 5, 2},
		{"Below one", `{"rows":0,"cols":-4}`, 1, 1},
		{"Non-numeric", `{"rows":"x","cols":"3px"}`, 1, 3},
		{"Above maximum kept", `{"rows":21,"cols":3}`, 21, 3},
		{"Missing field keeps value", `{"cols":7}`, 21, 7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := putGrid(t, srv, tc.body)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var state api.StateResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
			assert.Equal(t, tc.expectedRows, state.Rows)
			assert.Equal(t, tc.expectedCols, state.Cols)
			assert.False(t, state.HasImage)
			assert.Nil(t, state.Width)
		})
	}

	bad := putGrid(t, srv, `{"rows": three}`)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Equal(t, api.INVALIDJSON, decodeError(t, bad).Error)
}

func TestGetState(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 30, 20))
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var state api.StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.True(t, state.HasImage)
	require.NotNil(t, state.Width)
	assert.Equal(t, 30, *state.Width)
	assert.Equal(t, 20, *state.Height)
	assert.Equal(t, 3, state.Rows)
	assert.Equal(t, 3, state.Cols)
	assert.Equal(t, 0, state.TileCount)
}

func TestNewImageClearsTiles(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := upload(t, srv, "image/png", pngBytes(t, 30, 30))
	resp.Body.Close()
	resp = split(t, srv, "")
	resp.Body.Close()

	resp = upload(t, srv, "image/png", pngBytes(t, 10, 10))
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/tiles")
	require.NoError(t, err)
	defer resp.Body.Close()

	var list api.TileListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 0, list.Count)
	assert.Empty(t, list.Tiles)
}

func TestDownloadTileArchive(t *testing.T) {
	srv, s := setupTestServer(t, WithManifest(true))

	resp, err := http.Get(srv.URL + "/api/v1/tiles/archive")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, api.NOTILES, decodeError(t, resp).Error)
	resp.Body.Close()

	resp = upload(t, srv, "image/png", pngBytes(t, 40, 40))
	resp.Body.Close()
	resp = split(t, srv, "?rows=2&cols=2")
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/tiles/archive")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename="+ArchiveName, resp.Header.Get("Content-Disposition"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	expected := make([]string, 0, 5)
	for i := 1; i <= 4; i++ {
		expected = append(expected, fmt.Sprintf("puzzle_piece_%d.png", i))
	}
	expected = append(expected, "manifest.yaml")
	assert.Equal(t, expected, names)
	assert.Equal(t, session.StatusDownloaded, s.State().Status())
}

func TestDownloadTileArchive_ClientGone(t *testing.T) {
	srv, s := setupTestServer(t, WithArchiveDelay(time.Hour))

	resp := upload(t, srv, "image/png", pngBytes(t, 40, 40))
	resp.Body.Close()
	resp = split(t, srv, "?rows=2&cols=2")
	resp.Body.Close()

	client := &http.Client{Timeout: 200 * time.Millisecond}
	_, err := client.Get(srv.URL + "/api/v1/tiles/archive")
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return strings.HasPrefix(s.State().Status(), session.StatusDownloadFailed)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, s.State().Tiles(), 4)
}

func TestHandleError_Context(t *testing.T) {
	s := NewServer("test")

	rec := httptest.NewRecorder()
	s.handleError(rec, fmt.Errorf("export: %w", context.Canceled), nil)
	assert.Zero(t, rec.Body.Len())

	rec = httptest.NewRecorder()
	s.handleError(rec, fmt.Errorf("export: %w", context.DeadlineExceeded), nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), api.TIMEOUT)
}

func TestPreviewEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t)

	for _, path := range []string{"/api/v1/image/thumbnail", "/api/v1/tiles/preview"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp := upload(t, srv, "image/png", pngBytes(t, 800, 200))
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/image/thumbnail")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	thumb, err := png.Decode(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 400, 100), thumb.Bounds())

	resp = split(t, srv, "?rows=2&cols=4")
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/tiles/preview")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sheet, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 4*200+5*10, sheet.Bounds().Dx())
	assert.Equal(t, 2*100+3*10, sheet.Bounds().Dy())
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := setupTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/image", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type")
}
