// Package serve implements the serving side of the protocol: it answers
// DOWNLOAD and GETADVERTISE commands from the local catalog and streams
// admitted files chunk by chunk, one reply token per message.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/metrics"
	"github.com/ssd-technologies/umbra/internal/ratelimit"
	"github.com/ssd-technologies/umbra/internal/transport"
	"github.com/ssd-technologies/umbra/internal/wire"
)

// Catalog is the part of the catalog the engine reads and updates.
type Catalog interface {
	LookupActive(name string) (catalog.File, error)
	AdvertiseSnapshot() []catalog.Entry
	Advertising() bool
	IncrementDownloads(id string)
	MarkAdvertised(ids []string)
}

// Config tunes the engine. Zero fields get defaults.
type Config struct {
	// InactivityTimeout bounds how long a transmission may wait for
	// replenishment before it is discarded.
	InactivityTimeout time.Duration
	// MaxTransmissions caps concurrent transmissions, admissions still being
	// prepared included. When full, the paused transmission idle the longest
	// makes way for a new request; without one the request is rejected as
	// busy.
	MaxTransmissions int
	// MaxPreparing caps admissions whose file is being opened and hashed at
	// once.
	MaxPreparing int
	// MaxHeldTokens caps the reply tokens held for one transmission.
	MaxHeldTokens int
	// AdmitRate requests are admitted per AdmitWindow. Zero disables the
	// limit.
	AdmitRate   int
	AdmitWindow time.Duration
	// Burst is how many chunks one transmission sends before the engine
	// looks at other work.
	Burst int
	// SweepInterval is how often expired transmissions are collected.
	SweepInterval time.Duration
	// SeenCapacity is how many recent correlation ids are remembered to
	// suppress duplicate requests.
	SeenCapacity int
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 2 * time.Minute
	}
	if c.MaxTransmissions <= 0 {
		c.MaxTransmissions = 64
	}
	if c.MaxPreparing <= 0 {
		c.MaxPreparing = 4
	}
	if c.MaxHeldTokens <= 0 {
		c.MaxHeldTokens = 1024
	}
	if c.AdmitWindow <= 0 {
		c.AdmitWindow = time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 8
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.InactivityTimeout / 4
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 4096
	}
	return c
}

const digestCacheSize = 1024

// Engine is the serving engine. Run drives it from a single goroutine, so
// transmission state needs no locking.
type Engine struct {
	cfg       Config
	tr        transport.Transport
	cat       Catalog
	logger    *slog.Logger
	limiter   *ratelimit.Limiter
	seen      *lru.Cache[wire.ID, struct{}]
	digests   *lru.Cache[digestKey, []byte]
	hashing   singleflight.Group
	hashFile  func(ctx context.Context, f *os.File, size int64) ([]byte, error)
	chunkSize int
	now       func() time.Time

	// Admissions being prepared; they report back on prepared.
	pending   map[wire.ID]struct{}
	prepared  chan admission
	preparing sync.WaitGroup

	tx     map[wire.ID]*transmission
	ready  []wire.ID
	buf    []byte
	active atomic.Int64
}

// New creates a serving engine on tr.
func New(cfg Config, tr transport.Transport, cat Catalog, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	chunkSize := wire.ChunkSize(tr.MaxPayload())
	if chunkSize == 0 {
		return nil, fmt.Errorf("transport payload %d too small for data", tr.MaxPayload())
	}
	seen, err := lru.New[wire.ID, struct{}](cfg.SeenCapacity)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	digests, err := lru.New[digestKey, []byte](digestCacheSize)
	if err != nil {
		return nil, fmt.Errorf("digest cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		tr:        tr,
		cat:       cat,
		logger:    logger.With("component", "serve"),
		limiter:   ratelimit.New(cfg.AdmitRate, cfg.AdmitWindow),
		seen:      seen,
		digests:   digests,
		hashFile:  hashFile,
		chunkSize: chunkSize,
		now:       time.Now,
		pending:   make(map[wire.ID]struct{}),
		prepared:  make(chan admission, cfg.MaxPreparing),
		tx:        make(map[wire.ID]*transmission),
		buf:       make([]byte, chunkSize),
	}, nil
}

// Transmissions returns the number of transmissions in progress.
func (e *Engine) Transmissions() int { return int(e.active.Load()) }

// Run processes inbound commands until ctx is cancelled or the transport
// fails.
func (e *Engine) Run(ctx context.Context) error {
	inbound := make(chan transport.Inbound, 64)
	recvErr := make(chan error, 1)
	go func() {
		for {
			in, err := e.tr.Receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbound <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	defer e.discardAll()
	defer e.drainPrepared()

	e.logger.Info("serving engine started", "address", e.tr.Addr(), "chunk_size", e.chunkSize)
	for {
		if len(e.ready) > 0 {
			select {
			case <-ctx.Done():
				return nil
			case err := <-recvErr:
				return e.receiveFailed(ctx, err)
			case in := <-inbound:
				e.handle(ctx, in)
			case a := <-e.prepared:
				e.finishAdmit(ctx, a)
			case <-ticker.C:
				e.sweep()
			default:
				e.pump(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			return e.receiveFailed(ctx, err)
		case in := <-inbound:
			e.handle(ctx, in)
		case a := <-e.prepared:
			e.finishAdmit(ctx, a)
		case <-ticker.C:
			e.sweep()
		}
	}
}

// drainPrepared waits for admissions still being prepared and releases their
// files.
func (e *Engine) drainPrepared() {
	e.preparing.Wait()
	for {
		select {
		case a := <-e.prepared:
			if a.f != nil {
				a.f.Close()
			}
		default:
			return
		}
	}
}

func (e *Engine) receiveFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("receive: %w", err)
}

func (e *Engine) handle(ctx context.Context, in transport.Inbound) {
	cmd, err := wire.Decode(in.Payload)
	if err != nil {
		metrics.ServeDropped.WithLabelValues("malformed").Inc()
		e.logger.Debug("dropping malformed command", "err", err)
		return
	}
	switch c := cmd.(type) {
	case wire.Download:
		e.admit(ctx, c, in.ReplyTokens)
	case wire.Replenish:
		e.replenish(c, in.ReplyTokens)
	case wire.GetAdvertise:
		e.advertise(ctx, c, in.ReplyTokens)
	default:
		metrics.ServeDropped.WithLabelValues("unexpected").Inc()
		e.logger.Debug("dropping unexpected command", "kind", cmd.Kind(), "corr", cmd.Correlation())
	}
}

// firstSeen records id and reports whether it had not been seen recently.
func (e *Engine) firstSeen(id wire.ID) bool {
	if _, ok := e.tx[id]; ok {
		return false
	}
	found, _ := e.seen.ContainsOrAdd(id, struct{}{})
	return !found
}

func (e *Engine) reply(ctx context.Context, tok transport.ReplyToken, cmd wire.Command) error {
	payload, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	return e.tr.Reply(ctx, tok, payload)
}

// reject answers with REJECT using the first token. A request that came
// without tokens cannot be answered at all.
func (e *Engine) reject(ctx context.Context, kind string, id wire.ID, tokens []transport.ReplyToken, reason wire.Reason) {
	metrics.ServeRequests.WithLabelValues(kind, reason.String()).Inc()
	e.logger.Debug("rejecting request", "kind", kind, "corr", id, "reason", reason)
	if len(tokens) == 0 {
		return
	}
	if err := e.reply(ctx, tokens[0], wire.Reject{ID: id, Reason: reason}); err != nil {
		e.logger.Warn("send reject", "corr", id, "err", err)
	}
}

func (e *Engine) advertise(ctx context.Context, c wire.GetAdvertise, tokens []transport.ReplyToken) {
	const kind = "advertise"
	if !e.firstSeen(c.ID) {
		metrics.ServeDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if len(tokens) == 0 {
		metrics.ServeDropped.WithLabelValues("no_tokens").Inc()
		return
	}
	if !e.cat.Advertising() {
		e.reject(ctx, kind, c.ID, tokens, wire.ReasonNotAdvertising)
		return
	}
	if !e.limiter.Allow() {
		e.reject(ctx, kind, c.ID, tokens, wire.ReasonBusy)
		return
	}

	snap := e.cat.AdvertiseSnapshot()
	entries := make([]wire.Entry, len(snap))
	for i, s := range snap {
		entries[i] = wire.Entry{Name: s.Name, Size: uint64(s.Size)}
	}
	pages, err := wire.PackAdvertise(c.ID, entries, e.tr.MaxPayload())
	if err != nil {
		e.logger.Error("pack advertise", "err", err)
		e.reject(ctx, kind, c.ID, tokens, wire.ReasonInternal)
		return
	}
	// One token per page: with too few tokens the listing is cut short and
	// the last page sent is flagged as truncated.
	if len(pages) > len(tokens) {
		pages = pages[:len(tokens)]
		pages[len(pages)-1].More = false
		pages[len(pages)-1].Truncated = true
	}

	sent := 0
	for i, p := range pages {
		if err := e.reply(ctx, tokens[i], p); err != nil {
			e.logger.Warn("send advertise page", "corr", c.ID, "page", p.Page, "err", err)
			break
		}
		sent += len(p.Entries)
	}
	ids := make([]string, 0, sent)
	for _, s := range snap[:sent] {
		ids = append(ids, s.ID)
	}
	e.cat.MarkAdvertised(ids)
	metrics.ServeRequests.WithLabelValues(kind, "answered").Inc()
	e.logger.Info("advertised catalog", "corr", c.ID, "entries", sent, "total", len(snap), "pages", len(pages))
}

// sweep discards transmissions idle for longer than the inactivity timeout.
func (e *Engine) sweep() {
	now := e.now()
	for id, t := range e.tx {
		if now.Sub(t.lastActivity) > e.cfg.InactivityTimeout {
			metrics.ServeDropped.WithLabelValues("expired").Inc()
			e.logger.Info("transmission expired", "corr", id, "name", t.file.Name,
				"sent", t.next, "chunks", t.chunkCount, "state", t.state)
			e.discard(id)
		}
	}
}

func (e *Engine) discard(id wire.ID) {
	t, ok := e.tx[id]
	if !ok {
		return
	}
	t.close()
	delete(e.tx, id)
	e.active.Add(-1)
	metrics.ServeTransmissions.Dec()
}

func (e *Engine) discardAll() {
	for id := range e.tx {
		e.discard(id)
	}
	e.ready = nil
}

var errNoToken = errors.New("no reply token")
