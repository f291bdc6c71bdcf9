// internal/storage/models.go
package storage

// Share is the persisted form of a catalog entry.
type Share struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Active     bool   `json:"active"`
	Advertise  bool   `json:"advertise"`
	Downloads  int64  `json:"downloads"`
	Advertised int64  `json:"advertised"`
	AddedAt    int64  `json:"added_at"`
}

// Download is an audit record of a finished download.
type Download struct {
	ID         string `json:"id"`
	Link       string `json:"link"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Path       string `json:"path,omitempty"`
	Size       int64  `json:"size"`
	CreatedAt  int64  `json:"created_at"`
	FinishedAt int64  `json:"finished_at"`
}
