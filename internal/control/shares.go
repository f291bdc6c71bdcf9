package control

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/umbra/internal/link"
)

// handleListShares handles GET /api/shares.
func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cat.List())
}

// handleAddShare handles POST /api/shares. New shares start inactive.
func (s *Server) handleAddShare(w http.ResponseWriter, r *http.Request) {
	var req AddShareRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.cat.Add(req.Path)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	f, err := s.cat.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleRemoveShare(w http.ResponseWriter, r *http.Request) {
	if err := s.cat.Remove(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetActive handles POST /api/shares/{id}/activate and /deactivate.
func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := s.cat.SetActive(chi.URLParam(r, "id"), active)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

// handleSetAdvertise handles PUT /api/shares/{id}/advertise.
func (s *Server) handleSetAdvertise(w http.ResponseWriter, r *http.Request) {
	var req AdvertiseRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.cat.SetAdvertise(chi.URLParam(r, "id"), *req.Advertise)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleShareLink handles GET /api/shares/{id}/link.
func (s *Server) handleShareLink(w http.ResponseWriter, r *http.Request) {
	f, err := s.cat.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	l := link.Link{Address: s.address, Name: f.Name}
	writeJSON(w, http.StatusOK, LinkResponse{Link: l.String()})
}

func (s *Server) handleGetAdvertising(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AdvertisingResponse{Advertising: s.cat.Advertising()})
}

func (s *Server) handleSetAdvertising(w http.ResponseWriter, r *http.Request) {
	var req AdvertisingRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.cat.SetAdvertising(*req.Advertising); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AdvertisingResponse{Advertising: s.cat.Advertising()})
}
