package control

import (
	"time"

	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/storage"
)

// Identity describes the node's service address.
type Identity struct {
	Address string `json:"address"`
}

// AddShareRequest is the body of POST /api/shares.
type AddShareRequest struct {
	Path string `json:"path" validate:"required"`
}

// AdvertiseRequest is the body of PUT /api/shares/{id}/advertise.
type AdvertiseRequest struct {
	Advertise *bool `json:"advertise" validate:"required"`
}

// AdvertisingRequest is the body of PUT /api/advertising.
type AdvertisingRequest struct {
	Advertising *bool `json:"advertising" validate:"required"`
}

// AdvertisingResponse reports the catalog-wide advertise switch.
type AdvertisingResponse struct {
	Advertising bool `json:"advertising"`
}

// LinkResponse carries the shareable link of a file.
type LinkResponse struct {
	Link string `json:"link"`
}

// SubmitRequest is the body of POST /api/downloads.
type SubmitRequest struct {
	Link string `json:"link" validate:"required"`
}

// ExploreRequest is the body of POST /api/explore.
type ExploreRequest struct {
	Address string `json:"address" validate:"required"`
}

// Download is one row of the download list: a request of this session or a
// record from an earlier one.
type Download struct {
	ID         string           `json:"id"`
	Link       string           `json:"link"`
	State      string           `json:"state"`
	Reason     string           `json:"reason,omitempty"`
	Path       string           `json:"path,omitempty"`
	Size       uint64           `json:"size"`
	Received   uint64           `json:"received"`
	ChunkCount uint64           `json:"chunk_count"`
	Progress   float64          `json:"progress"`
	Budget     *registry.Budget `json:"budget,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
	Live       bool             `json:"live"`
}

func downloadFromRequest(r registry.Request) Download {
	b := r.Budget
	return Download{
		ID:         r.ID,
		Link:       r.Link.String(),
		State:      string(r.State),
		Reason:     string(r.Reason),
		Path:       r.Path,
		Size:       r.TotalSize,
		Received:   r.Received,
		ChunkCount: r.ChunkCount,
		Progress:   r.Progress(),
		Budget:     &b,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
		Live:       true,
	}
}

func downloadFromRecord(d storage.Download) Download {
	out := Download{
		ID:        d.ID,
		Link:      d.Link,
		State:     d.State,
		Reason:    d.Reason,
		Path:      d.Path,
		Size:      uint64(d.Size),
		CreatedAt: time.Unix(d.CreatedAt, 0),
	}
	if d.FinishedAt > 0 {
		out.FinishedAt = time.Unix(d.FinishedAt, 0)
	}
	if d.State == string(registry.StateCompleted) {
		out.Progress = 1
	}
	return out
}
