package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// Health check
	// (GET /health)
	GetHealth(w http.ResponseWriter, r *http.Request)
	// Upload the source image
	// (POST /image)
	UploadImage(w http.ResponseWriter, r *http.Request)
	// Thumbnail of the source image
	// (GET /image/thumbnail)
	GetImageThumbnail(w http.ResponseWriter, r *http.Request)
	// Session state
	// (GET /state)
	GetState(w http.ResponseWriter, r *http.Request)
	// Change the grid
	// (PUT /grid)
	SetGrid(w http.ResponseWriter, r *http.Request)
	// Split the source image
	// (POST /split)
	SplitImage(w http.ResponseWriter, r *http.Request, params SplitImageParams)
	// List the current tiles
	// (GET /tiles)
	ListTiles(w http.ResponseWriter, r *http.Request)
	// Download every tile as a zip archive
	// (GET /tiles/archive)
	DownloadTileArchive(w http.ResponseWriter, r *http.Request)
	// Contact sheet of the current tiles
	// (GET /tiles/preview)
	GetTilePreview(w http.ResponseWriter, r *http.Request)
	// Download a single tile
	// (GET /tiles/{index})
	DownloadTile(w http.ResponseWriter, r *http.Request, index int)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

type MiddlewareFunc func(http.Handler) http.Handler

func (siw *ServerInterfaceWrapper) wrap(h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	return handler
}

// GetHealth operation middleware
func (siw *ServerInterfaceWrapper) GetHealth(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.GetHealth).ServeHTTP(w, r)
}

// UploadImage operation middleware
func (siw *ServerInterfaceWrapper) UploadImage(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.UploadImage).ServeHTTP(w, r)
}

// GetImageThumbnail operation middleware
func (siw *ServerInterfaceWrapper) GetImageThumbnail(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.GetImageThumbnail).ServeHTTP(w, r)
}

// GetState operation middleware
func (siw *ServerInterfaceWrapper) GetState(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.GetState).ServeHTTP(w, r)
}

// SetGrid operation middleware
func (siw *ServerInterfaceWrapper) SetGrid(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.SetGrid).ServeHTTP(w, r)
}

// SplitImage operation middleware
func (siw *ServerInterfaceWrapper) SplitImage(w http.ResponseWriter, r *http.Request) {
	var err error

	// Parameter object where we will unmarshal all parameters from the context
	var params SplitImageParams

	// ------------- Optional query parameter "rows" -------------

	err = runtime.BindQueryParameter("form", true, false, "rows", r.URL.Query(), &params.Rows)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "rows", Err: err})
		return
	}

	// ------------- Optional query parameter "cols" -------------

	err = runtime.BindQueryParameter("form", true, false, "cols", r.URL.Query(), &params.Cols)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "cols", Err: err})
		return
	}

	siw.wrap(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.SplitImage(w, r, params)
	}).ServeHTTP(w, r)
}

// ListTiles operation middleware
func (siw *ServerInterfaceWrapper) ListTiles(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.ListTiles).ServeHTTP(w, r)
}

// DownloadTileArchive operation middleware
func (siw *ServerInterfaceWrapper) DownloadTileArchive(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.DownloadTileArchive).ServeHTTP(w, r)
}

// GetTilePreview operation middleware
func (siw *ServerInterfaceWrapper) GetTilePreview(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.GetTilePreview).ServeHTTP(w, r)
}

// DownloadTile operation middleware
func (siw *ServerInterfaceWrapper) DownloadTile(w http.ResponseWriter, r *http.Request) {
	var err error

	// ------------- Path parameter "index" -------------
	var index int

	err = runtime.BindStyledParameterWithOptions("simple", "index", chi.URLParam(r, "index"), &index, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "index", Err: err})
		return
	}

	siw.wrap(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.DownloadTile(w, r, index)
	}).ServeHTTP(w, r)
}

// InvalidParamFormatError is reported when a parameter cannot be bound.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// Handler creates http.Handler with routing matching the API.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{})
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerWithOptions creates http.Handler with additional options.
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter

	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health", wrapper.GetHealth)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/image", wrapper.UploadImage)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/image/thumbnail", wrapper.GetImageThumbnail)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/state", wrapper.GetState)
	})
	r.Group(func(r chi.Router) {
		r.Put(options.BaseURL+"/grid", wrapper.SetGrid)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/split", wrapper.SplitImage)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/tiles", wrapper.ListTiles)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/tiles/archive", wrapper.DownloadTileArchive)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/tiles/preview", wrapper.GetTilePreview)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/tiles/{index}", wrapper.DownloadTile)
	})

	return r
}
