// Package registry is the table of download and explore requests issued by
// the retrieval engine. Callers always receive copies; the engine mutates
// entries through Update callbacks.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/umbra/internal/link"
	"github.com/ssd-technologies/umbra/internal/wire"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("request not found")

	// ErrNotTerminal is returned when removing a request that is still in
	// flight.
	ErrNotTerminal = errors.New("request still in progress")
)

// Budget counts reply tokens handed to the serving peer and an estimate of
// how many it has redeemed. Redeemed never exceeds Supplied.
type Budget struct {
	Supplied uint64 `json:"supplied"`
	Redeemed uint64 `json:"redeemed"`
}

// Outstanding is the number of tokens the serving peer still holds.
func (b Budget) Outstanding() uint64 {
	if b.Redeemed >= b.Supplied {
		return 0
	}
	return b.Supplied - b.Redeemed
}

// Request is a download of one file.
type Request struct {
	ID          string    `json:"id"`
	Link        link.Link `json:"link"`
	Correlation wire.ID   `json:"-"`
	State       State     `json:"state"`
	Reason      Reason    `json:"reason,omitempty"`
	TotalSize   uint64    `json:"total_size"`
	ChunkSize   uint64    `json:"chunk_size"`
	ChunkCount  uint64    `json:"chunk_count"`
	Received    uint64    `json:"received"`
	Path        string    `json:"path,omitempty"`
	Budget      Budget    `json:"budget"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Progress returns the fraction of chunks received.
func (r Request) Progress() float64 {
	if r.State == StateCompleted {
		return 1
	}
	if r.ChunkCount == 0 {
		return 0
	}
	return float64(r.Received) / float64(r.ChunkCount)
}

// ExploreRequest is a catalog query against one service.
type ExploreRequest struct {
	ID          string       `json:"id"`
	Address     string       `json:"address"`
	Correlation wire.ID      `json:"-"`
	State       State        `json:"state"`
	Reason      Reason       `json:"reason,omitempty"`
	Entries     []wire.Entry `json:"entries"`
	Pages       int          `json:"pages"`
	// Truncated reports that the peer cut its listing short to fit the
	// reply tokens it was given.
	Truncated  bool      `json:"truncated,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (e ExploreRequest) clone() ExploreRequest {
	e.Entries = append([]wire.Entry(nil), e.Entries...)
	return e
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	downloads map[string]*Request
	explores  map[string]*ExploreRequest
	byLink    map[string]string // link text -> id, in-flight downloads only
	byAddress map[string]string // address -> id, in-flight explores only
	started   time.Time
	now       func() time.Time
}

// New returns an empty registry. The current time marks the start of the
// session.
func New() *Registry {
	return &Registry{
		downloads: make(map[string]*Request),
		explores:  make(map[string]*ExploreRequest),
		byLink:    make(map[string]string),
		byAddress: make(map[string]string),
		started:   time.Now(),
		now:       time.Now,
	}
}

// SessionStart returns when the registry was created.
func (r *Registry) SessionStart() time.Time { return r.started }

// AddDownload creates a request for l unless one is already in flight, in
// which case the existing request is returned with created set to false.
func (r *Registry) AddDownload(l link.Link) (req Request, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := l.String()
	if id, ok := r.byLink[key]; ok {
		return *r.downloads[id], false
	}
	now := r.now()
	d := &Request{
		ID:          uuid.New().String(),
		Link:        l,
		Correlation: wire.NewID(),
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.downloads[d.ID] = d
	r.byLink[key] = d.ID
	return *d, true
}

// AddExplore creates an explore request for address unless one is already
// in flight.
func (r *Registry) AddExplore(address string) (req ExploreRequest, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byAddress[address]; ok {
		return r.explores[id].clone(), false
	}
	now := r.now()
	e := &ExploreRequest{
		ID:          uuid.New().String(),
		Address:     address,
		Correlation: wire.NewID(),
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.explores[e.ID] = e
	r.byAddress[address] = e.ID
	return e.clone(), true
}

// UpdateDownload applies fn to a copy of the request and stores the result
// if fn succeeds and the state change is allowed.
func (r *Registry) UpdateDownload(id string, fn func(*Request) error) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.downloads[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	next := *cur
	if err := fn(&next); err != nil {
		return *cur, err
	}
	if !canTransition(cur.State, next.State) {
		return *cur, &TransitionError{ID: id, From: cur.State, To: next.State}
	}
	next.UpdatedAt = r.now()
	if next.State.Terminal() && !cur.State.Terminal() {
		next.FinishedAt = next.UpdatedAt
		delete(r.byLink, cur.Link.String())
	}
	*cur = next
	return next, nil
}

// UpdateExplore is UpdateDownload for explore requests.
func (r *Registry) UpdateExplore(id string, fn func(*ExploreRequest) error) (ExploreRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.explores[id]
	if !ok {
		return ExploreRequest{}, ErrNotFound
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		return cur.clone(), err
	}
	if !canTransition(cur.State, next.State) {
		return cur.clone(), &TransitionError{ID: id, From: cur.State, To: next.State}
	}
	next.UpdatedAt = r.now()
	if next.State.Terminal() && !cur.State.Terminal() {
		next.FinishedAt = next.UpdatedAt
		delete(r.byAddress, cur.Address)
	}
	*cur = next
	return next.clone(), nil
}

// Download returns a copy of a download request.
func (r *Registry) Download(id string) (Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.downloads[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *d, nil
}

// Explore returns a copy of an explore request.
func (r *Registry) Explore(id string) (ExploreRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.explores[id]
	if !ok {
		return ExploreRequest{}, ErrNotFound
	}
	return e.clone(), nil
}

// Downloads returns the download requests created at or after since, newest
// first. A zero since returns everything.
func (r *Registry) Downloads(since time.Time) []Request {
	r.mu.RLock()
	out := make([]Request, 0, len(r.downloads))
	for _, d := range r.downloads {
		if !d.CreatedAt.Before(since) {
			out = append(out, *d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Explores returns every explore request, newest first.
func (r *Registry) Explores() []ExploreRequest {
	r.mu.RLock()
	out := make([]ExploreRequest, 0, len(r.explores))
	for _, e := range r.explores {
		out = append(out, e.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveDownload forgets a finished download.
func (r *Registry) RemoveDownload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[id]
	if !ok {
		return ErrNotFound
	}
	if !d.State.Terminal() {
		return ErrNotTerminal
	}
	delete(r.downloads, id)
	return nil
}

// RemoveExplore forgets a finished explore request.
func (r *Registry) RemoveExplore(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.explores[id]
	if !ok {
		return ErrNotFound
	}
	if !e.State.Terminal() {
		return ErrNotTerminal
	}
	delete(r.explores, id)
	return nil
}

// Search returns the entries of an explore request whose name contains
// query, ignoring case. An empty query matches everything.
func (r *Registry) Search(id, query string) ([]wire.Entry, error) {
	e, err := r.Explore(id)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	out := make([]wire.Entry, 0, len(e.Entries))
	for _, entry := range e.Entries {
		if strings.Contains(strings.ToLower(entry.Name), q) {
			out = append(out, entry)
		}
	}
	return out, nil
}
