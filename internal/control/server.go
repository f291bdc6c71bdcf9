// Package control is the local HTTP/JSON API a user interface drives the node
// through.
package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/link"
	"github.com/ssd-technologies/umbra/internal/metrics"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/retrieve"
	"github.com/ssd-technologies/umbra/internal/storage"
)

// History is the persisted download history.
type History interface {
	ListDownloads(since int64) ([]storage.Download, error)
	DeleteDownload(id string) error
}

// Deps are the node components the API exposes.
type Deps struct {
	Catalog  *catalog.Catalog
	Retrieve *retrieve.Engine
	History  History // may be nil
	Address  string  // service address shared in links
	Logger   *slog.Logger
}

// Server is the control API.
type Server struct {
	cat      *catalog.Catalog
	retrieve *retrieve.Engine
	reg      *registry.Registry
	history  History
	address  string
	logger   *slog.Logger
	validate *validator.Validate
	router   chi.Router
}

// New creates a Server with all routes registered.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cat:      d.Catalog,
		retrieve: d.Retrieve,
		reg:      d.Retrieve.Registry(),
		history:  d.History,
		address:  d.Address,
		logger:   logger.With("component", "control"),
		validate: validator.New(),
		router:   chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/identity", s.handleIdentity)

	r.Route("/api/shares", func(r chi.Router) {
		r.Get("/", s.handleListShares)
		r.Post("/", s.handleAddShare)
		r.Get("/{id}", s.handleGetShare)
		r.Delete("/{id}", s.handleRemoveShare)
		r.Post("/{id}/activate", s.handleSetActive(true))
		r.Post("/{id}/deactivate", s.handleSetActive(false))
		r.Put("/{id}/advertise", s.handleSetAdvertise)
		r.Get("/{id}/link", s.handleShareLink)
	})
	r.Get("/api/advertising", s.handleGetAdvertising)
	r.Put("/api/advertising", s.handleSetAdvertising)

	r.Route("/api/downloads", func(r chi.Router) {
		r.Get("/", s.handleListDownloads)
		r.Post("/", s.handleSubmitDownload)
		r.Get("/{id}", s.handleGetDownload)
		r.Delete("/{id}", s.handleRemoveDownload)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.Route("/api/explore", func(r chi.Router) {
		r.Get("/", s.handleListExplores)
		r.Post("/", s.handleExplore)
		r.Get("/{id}", s.handleGetExplore)
		r.Delete("/{id}", s.handleRemoveExplore)
		r.Get("/{id}/search", s.handleSearch)
	})

	r.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "umbra",
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Identity{Address: s.address})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrNameConflict), errors.Is(err, registry.ErrNotTerminal), errors.Is(err, retrieve.ErrFinished):
		status = http.StatusConflict
	case errors.Is(err, catalog.ErrNotRegular), errors.Is(err, link.ErrBadLink), errors.Is(err, retrieve.ErrDownloadDir):
		status = http.StatusBadRequest
	case errors.Is(err, retrieve.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("control request failed", "err", err)
	}
	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
