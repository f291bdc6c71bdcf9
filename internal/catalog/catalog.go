// Package catalog keeps the set of local files a serving peer can offer.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/umbra/internal/link"
	"github.com/ssd-technologies/umbra/internal/storage"
)

var (
	// ErrNotFound is returned for unknown ids and for names with no active
	// file.
	ErrNotFound = errors.New("file not found")

	// ErrNameConflict is returned when activating a file whose name is
	// already served by another active file.
	ErrNameConflict = errors.New("another active file has this name")

	// ErrNotRegular is returned when adding something that is not a regular
	// file.
	ErrNotRegular = errors.New("not a regular file")
)

const advertisingKey = "advertising"

// File is a shareable local file.
type File struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Active     bool      `json:"active"`
	Advertise  bool      `json:"advertise"`
	Downloads  int64     `json:"downloads"`
	Advertised int64     `json:"advertised"`
	AddedAt    time.Time `json:"added_at"`
}

// Entry is one line of an advertise snapshot.
type Entry struct {
	ID   string
	Name string
	Size int64
}

// Store persists catalog rows. *storage.DB implements it.
type Store interface {
	SaveShare(*storage.Share) error
	DeleteShare(id string) error
	ListShares() ([]storage.Share, error)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Catalog is safe for concurrent use. Every method holds the lock for the
// duration of a single operation only.
type Catalog struct {
	mu          sync.RWMutex
	files       map[string]*File
	active      map[string]string // name -> id of the active file
	advertising bool

	store  Store
	logger *slog.Logger
}

// New returns an empty catalog. store may be nil for a purely in-memory
// catalog.
func New(store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		files:       make(map[string]*File),
		active:      make(map[string]string),
		advertising: true,
		store:       store,
		logger:      logger.With("component", "catalog"),
	}
}

// Load restores persisted rows. Paths are re-validated: a file that no
// longer exists is kept but deactivated.
func (c *Catalog) Load() error {
	if c.store == nil {
		return nil
	}
	shares, err := c.store.ListShares()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	v, err := c.store.GetSetting(advertisingKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		if b, perr := strconv.ParseBool(v); perr == nil {
			c.advertising = b
		}
	}
	for _, s := range shares {
		f := fromShare(s)
		c.files[f.ID] = f
		if f.Active {
			if _, taken := c.active[f.Name]; taken {
				f.Active = false
				c.persist(f)
				continue
			}
			c.active[f.Name] = f.ID
		}
	}
	c.revalidateLocked()
	return nil
}

// Add registers the file at path. New files start inactive and eligible for
// advertising.
func (c *Catalog) Add(path string) (File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return File{}, fmt.Errorf("add %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return File{}, fmt.Errorf("add %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("add %s: %w", path, ErrNotRegular)
	}
	name := filepath.Base(abs)
	if err := link.ValidName(name); err != nil {
		return File{}, fmt.Errorf("add %s: %w", path, err)
	}

	f := &File{
		ID:        uuid.New().String(),
		Name:      name,
		Path:      abs,
		Size:      info.Size(),
		Advertise: true,
		AddedAt:   time.Now().UTC().Truncate(time.Second),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.save(f); err != nil {
		return File{}, err
	}
	c.files[f.ID] = f
	c.logger.Info("file added", "id", f.ID, "name", f.Name, "size", f.Size)
	return *f, nil
}

// Remove forgets a file. An active file stops being served immediately.
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return ErrNotFound
	}
	if c.store != nil {
		if err := c.store.DeleteShare(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}
	if f.Active {
		delete(c.active, f.Name)
	}
	delete(c.files, id)
	c.logger.Info("file removed", "id", id, "name", f.Name)
	return nil
}

// SetActive turns serving of a file on or off. Activation checks that the
// file still exists and that no other active file has the same name.
func (c *Catalog) SetActive(id string, active bool) (File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	if f.Active == active {
		return *f, nil
	}

	next := *f
	next.Active = active
	if active {
		if other, taken := c.active[f.Name]; taken && other != id {
			return File{}, fmt.Errorf("activate %s: %w", f.Name, ErrNameConflict)
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return File{}, fmt.Errorf("activate %s: %w", f.Name, err)
		}
		next.Size = info.Size()
	}
	if err := c.save(&next); err != nil {
		return File{}, err
	}
	*f = next
	if active {
		c.active[f.Name] = id
	} else {
		delete(c.active, f.Name)
	}
	c.logger.Info("file activation changed", "id", id, "name", f.Name, "active", active)
	return *f, nil
}

// SetAdvertise controls whether an active file appears in advertise
// snapshots.
func (c *Catalog) SetAdvertise(id string, advertise bool) (File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	next := *f
	next.Advertise = advertise
	if err := c.save(&next); err != nil {
		return File{}, err
	}
	*f = next
	return *f, nil
}

// SetAdvertising turns discovery on or off for the whole catalog.
func (c *Catalog) SetAdvertising(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		if err := c.store.SetSetting(advertisingKey, strconv.FormatBool(on)); err != nil {
			return fmt.Errorf("set advertising: %w", err)
		}
	}
	c.advertising = on
	return nil
}

// Advertising reports whether discovery is enabled.
func (c *Catalog) Advertising() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.advertising
}

// LookupActive returns the active file called name.
func (c *Catalog) LookupActive(name string) (File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.active[name]
	if !ok {
		return File{}, ErrNotFound
	}
	return *c.files[id], nil
}

// Get returns a file by id.
func (c *Catalog) Get(id string) (File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return *f, nil
}

// List returns every file, oldest first.
func (c *Catalog) List() []File {
	c.mu.RLock()
	out := make([]File, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, *f)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AdvertiseSnapshot returns the active, advertise-eligible files ordered by
// name. It is computed on every call.
func (c *Catalog) AdvertiseSnapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.active))
	for _, id := range c.active {
		f := c.files[id]
		if f.Advertise {
			out = append(out, Entry{ID: f.ID, Name: f.Name, Size: f.Size})
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IncrementDownloads records one completed transfer of a file.
func (c *Catalog) IncrementDownloads(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return
	}
	f.Downloads++
	c.persist(f)
}

// MarkAdvertised bumps the advertised counter of every listed file.
func (c *Catalog) MarkAdvertised(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if f, ok := c.files[id]; ok {
			f.Advertised++
			c.persist(f)
		}
	}
}

// Revalidate deactivates active files that disappeared from disk and
// refreshes sizes. It returns the number of files deactivated.
func (c *Catalog) Revalidate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revalidateLocked()
}

func (c *Catalog) revalidateLocked() int {
	n := 0
	for _, f := range c.files {
		info, err := os.Stat(f.Path)
		switch {
		case err != nil || !info.Mode().IsRegular():
			if f.Active {
				f.Active = false
				delete(c.active, f.Name)
				n++
				c.logger.Warn("file missing, deactivated", "id", f.ID, "path", f.Path)
				c.persist(f)
			}
		case info.Size() != f.Size:
			f.Size = info.Size()
			c.persist(f)
		}
	}
	return n
}

// save writes f through to the store.
func (c *Catalog) save(f *File) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveShare(toShare(f)); err != nil {
		return fmt.Errorf("save %s: %w", f.ID, err)
	}
	return nil
}

// persist is save for updates that must not fail the caller.
func (c *Catalog) persist(f *File) {
	if err := c.save(f); err != nil {
		c.logger.Error("persist file", "id", f.ID, "err", err)
	}
}

func toShare(f *File) *storage.Share {
	return &storage.Share{
		ID:         f.ID,
		Name:       f.Name,
		Path:       f.Path,
		Size:       f.Size,
		Active:     f.Active,
		Advertise:  f.Advertise,
		Downloads:  f.Downloads,
		Advertised: f.Advertised,
		AddedAt:    f.AddedAt.Unix(),
	}
}

func fromShare(s storage.Share) *File {
	return &File{
		ID:         s.ID,
		Name:       s.Name,
		Path:       s.Path,
		Size:       s.Size,
		Active:     s.Active,
		Advertise:  s.Advertise,
		Downloads:  s.Downloads,
		Advertised: s.Advertised,
		AddedAt:    time.Unix(s.AddedAt, 0).UTC(),
	}
}
