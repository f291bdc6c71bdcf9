package control

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/storage"
)

// sinceParam resolves ?since=all|today|session to a lower bound on creation
// time.
func (s *Server) sinceParam(r *http.Request) (time.Time, bool) {
	switch r.URL.Query().Get("since") {
	case "", "all":
		return time.Time{}, true
	case "today":
		now := time.Now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), true
	case "session":
		return s.reg.SessionStart(), true
	}
	return time.Time{}, false
}

// handleListDownloads handles GET /api/downloads. Requests of this session
// come first, followed by history records from earlier sessions.
func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	since, ok := s.sinceParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "since must be one of all, today, session")
		return
	}
	live := s.reg.Downloads(since)
	out := make([]Download, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, req := range live {
		out = append(out, downloadFromRequest(req))
		seen[req.ID] = true
	}
	if s.history != nil {
		var bound int64
		if !since.IsZero() {
			bound = since.Unix()
		}
		records, err := s.history.ListDownloads(bound)
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, rec := range records {
			if !seen[rec.ID] {
				out = append(out, downloadFromRecord(rec))
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSubmitDownload handles POST /api/downloads. Submitting a link that
// is already downloading returns the existing request.
func (s *Server) handleSubmitDownload(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.retrieve.Submit(r.Context(), req.Link)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, downloadFromRequest(d))
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	d, err := s.reg.Download(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadFromRequest(d))
}

// handleRemoveDownload handles DELETE /api/downloads/{id}: finished requests
// are forgotten along with their history record.
func (s *Server) handleRemoveDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.reg.RemoveDownload(id)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.fail(w, err)
		return
	}
	found := err == nil
	if s.history != nil {
		herr := s.history.DeleteDownload(id)
		if herr != nil && !errors.Is(herr, storage.ErrNotFound) {
			s.fail(w, herr)
			return
		}
		found = found || herr == nil
	}
	if !found {
		writeError(w, http.StatusNotFound, registry.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancel handles POST /api/downloads/{id}/cancel. It also accepts the
// id of an explore request.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.retrieve.Cancel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	if d, err := s.reg.Download(id); err == nil {
		writeJSON(w, http.StatusOK, downloadFromRequest(d))
		return
	}
	x, err := s.reg.Explore(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (s *Server) handleListExplores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Explores())
}

// handleExplore handles POST /api/explore.
func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	var req ExploreRequest
	if !s.decode(w, r, &req) {
		return
	}
	x, err := s.retrieve.Explore(r.Context(), req.Address)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, x)
}

func (s *Server) handleGetExplore(w http.ResponseWriter, r *http.Request) {
	x, err := s.reg.Explore(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (s *Server) handleRemoveExplore(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.RemoveExplore(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch handles GET /api/explore/{id}/search?q=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	hits, err := s.retrieve.Search(chi.URLParam(r, "id"), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}
