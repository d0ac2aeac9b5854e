// Package api defines the HTTP surface of the tiling service: request and
// response bodies, the ServerInterface implemented by internal/server and
// the chi wiring that binds path and query parameters.
package api

import (
	"encoding/json"
	"time"
)

// Defines values for HealthResponseStatus.
const (
	Healthy   HealthResponseStatus = "healthy"
	Unhealthy HealthResponseStatus = "unhealthy"
)

// Error codes returned in ErrorResponse.Error.
const (
	INVALIDJSON      = "INVALID_JSON"
	INVALIDFILETYPE  = "INVALID_FILE_TYPE"
	DECODEFAILURE    = "DECODE_FAILURE"
	INVALIDGRIDSPEC  = "INVALID_GRID_SPEC"
	IMAGETOOSMALL    = "IMAGE_TOO_SMALL"
	INVALIDPARAMETER = "INVALID_PARAMETER"
	NOIMAGE          = "NO_IMAGE"
	NOTILES          = "NO_TILES"
	TILENOTFOUND     = "TILE_NOT_FOUND"
	PAYLOADTOOLARGE  = "PAYLOAD_TOO_LARGE"
	TIMEOUT          = "TIMEOUT"
	INTERNALERROR    = "INTERNAL_ERROR"
)

// HealthResponseStatus defines model for HealthResponse.Status.
type HealthResponseStatus string

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Uptime    *int                 `json:"uptime,omitempty"`
	Version   *string              `json:"version,omitempty"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// ImageResponse defines model for ImageResponse.
type ImageResponse struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Status string `json:"status"`
}

// GridRequest defines model for GridRequest. A missing field keeps the
// stored value.
type GridRequest struct {
	Rows *GridValue `json:"rows,omitempty"`
	Cols *GridValue `json:"cols,omitempty"`
}

// GridValue is a grid dimension as typed by a user. It accepts a JSON number
// or string and keeps the raw text; the server interprets it.
type GridValue string

// UnmarshalJSON implements json.Unmarshaler.
func (v *GridValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = GridValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = GridValue(n.String())
	return nil
}

// StateResponse defines model for StateResponse.
type StateResponse struct {
	HasImage  bool   `json:"has_image"`
	Width     *int   `json:"width,omitempty"`
	Height    *int   `json:"height,omitempty"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
	TileCount int    `json:"tile_count"`
	Status    string `json:"status"`
}

// TileInfo defines model for TileInfo.
type TileInfo struct {
	Index    int    `json:"index"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Filename string `json:"filename"`
	Url      string `json:"url"`
}

// TileListResponse defines model for TileListResponse.
type TileListResponse struct {
	Rows        int        `json:"rows"`
	Cols        int        `json:"cols"`
	PieceWidth  int        `json:"piece_width"`
	PieceHeight int        `json:"piece_height"`
	Count       int        `json:"count"`
	Tiles       []TileInfo `json:"tiles"`
	Status      string     `json:"status"`
}

// SplitImageParams defines parameters for SplitImage.
type SplitImageParams struct {
	// Rows overrides the stored grid's row count.
	Rows *string `form:"rows,omitempty" json:"rows,omitempty"`

	// Cols overrides the stored grid's column count.
	Cols *string `form:"cols,omitempty" json:"cols,omitempty"`
}

// SetGridJSONRequestBody defines body for SetGrid for application/json ContentType.
type SetGridJSONRequestBody = GridRequest
