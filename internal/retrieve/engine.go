// Package retrieve implements the requesting side of the protocol: it issues
// DOWNLOAD and GETADVERTISE commands, budgets the reply tokens handed to the
// serving peer and reassembles files from chunks arriving in any order.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ssd-technologies/umbra/internal/link"
	"github.com/ssd-technologies/umbra/internal/metrics"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/storage"
	"github.com/ssd-technologies/umbra/internal/transport"
	"github.com/ssd-technologies/umbra/internal/wire"
)

var (
	// ErrBadLink is returned by Submit for links that do not parse.
	ErrBadLink = link.ErrBadLink

	// ErrDownloadDir is returned by Submit when the download directory is
	// missing or not a directory.
	ErrDownloadDir = errors.New("download directory unavailable")

	// ErrFinished is returned when cancelling a request that already ended.
	ErrFinished = errors.New("request already finished")

	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("retrieval engine stopped")
)

// History receives an audit record for every download reaching a terminal
// state.
type History interface {
	RecordDownload(d *storage.Download) error
}

// defaultMaxChunks keeps the received-chunk bitmap of one download at 2 MiB.
const defaultMaxChunks = 1 << 24

// Config tunes the engine. Zero fields get defaults except DownloadDir.
type Config struct {
	DownloadDir string
	// Prefetch is the number of data tokens sent with a DOWNLOAD, on top of
	// the one spent on the admission reply.
	Prefetch int
	// LowWater triggers replenishment when the estimated tokens held by the
	// serving peer fall below it.
	LowWater int
	// ReplenishBatch caps the tokens minted per REPLENISH.
	ReplenishBatch int
	// ExploreTokens is the number of advertise pages requested per explore.
	ExploreTokens int
	// InactivityTimeout fails requests that receive nothing for this long.
	InactivityTimeout time.Duration
	// MaxFileSize fails downloads announcing a larger file. Zero disables
	// the check.
	MaxFileSize uint64
	// MaxChunks fails downloads announcing more chunks than this. It bounds
	// the memory spent tracking received chunks.
	MaxChunks uint64
	// SweepInterval is how often inactive requests are checked.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.LowWater <= 0 {
		c.LowWater = 4
	}
	if c.ReplenishBatch <= 0 {
		c.ReplenishBatch = 16
	}
	if c.ExploreTokens <= 0 {
		c.ExploreTokens = 8
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 2 * time.Minute
	}
	if c.MaxChunks == 0 {
		c.MaxChunks = defaultMaxChunks
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.InactivityTimeout / 4
	}
	return c
}

// Engine is the retrieval engine. Request state machines are owned by the
// Run goroutine; other goroutines reach them through the work queue and read
// progress from the registry.
type Engine struct {
	cfg     Config
	tr      transport.Transport
	reg     *registry.Registry
	history History
	logger  *slog.Logger
	now     func() time.Time

	work    chan func(context.Context)
	stopped chan struct{}

	downloads map[wire.ID]*download
	explores  map[wire.ID]*explore
}

// New creates a retrieval engine sending over tr and tracking requests in
// reg. history may be nil.
func New(cfg Config, tr transport.Transport, reg *registry.Registry, history History, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		tr:        tr,
		reg:       reg,
		history:   history,
		logger:    logger.With("component", "retrieve"),
		now:       time.Now,
		work:      make(chan func(context.Context), 64),
		stopped:   make(chan struct{}),
		downloads: make(map[wire.ID]*download),
		explores:  make(map[wire.ID]*explore),
	}
}

// Registry returns the request table the engine writes to.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Submit starts downloading the file named by raw, an "address::name" link.
// A download already in flight for the same link is returned as is.
func (e *Engine) Submit(ctx context.Context, raw string) (registry.Request, error) {
	l, err := link.Parse(raw)
	if err != nil {
		return registry.Request{}, err
	}
	info, err := os.Stat(e.cfg.DownloadDir)
	if err != nil || !info.IsDir() {
		return registry.Request{}, fmt.Errorf("%w: %s", ErrDownloadDir, e.cfg.DownloadDir)
	}

	req, created := e.reg.AddDownload(l)
	if !created {
		return req, nil
	}
	queued, err := e.do(ctx, func(ctx context.Context) { e.startDownload(ctx, req) })
	if !queued {
		e.reg.UpdateDownload(req.ID, func(r *registry.Request) error {
			r.State, r.Reason = registry.StateFailed, registry.ReasonCancelled
			return nil
		})
	}
	if err != nil {
		return req, err
	}
	return e.reg.Download(req.ID)
}

// Explore requests the catalog advertised by address.
func (e *Engine) Explore(ctx context.Context, address string) (registry.ExploreRequest, error) {
	if err := link.ValidAddress(address); err != nil {
		return registry.ExploreRequest{}, err
	}
	req, created := e.reg.AddExplore(address)
	if !created {
		return req, nil
	}
	queued, err := e.do(ctx, func(ctx context.Context) { e.startExplore(ctx, req) })
	if !queued {
		e.reg.UpdateExplore(req.ID, func(x *registry.ExploreRequest) error {
			x.State, x.Reason = registry.StateFailed, registry.ReasonCancelled
			return nil
		})
	}
	if err != nil {
		return req, err
	}
	return e.reg.Explore(req.ID)
}

// Cancel fails an in-flight download or explore with reason cancelled. Late
// messages for it are ignored.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	var result error
	_, err := e.do(ctx, func(context.Context) { result = e.cancel(id) })
	if err != nil {
		return err
	}
	return result
}

// Search filters the entries gathered by an explore request.
func (e *Engine) Search(id, query string) ([]wire.Entry, error) {
	return e.reg.Search(id, query)
}

// do runs fn on the engine goroutine and waits for it. queued reports
// whether fn was handed over; once queued it runs even if ctx ends first.
func (e *Engine) do(ctx context.Context, fn func(context.Context)) (queued bool, err error) {
	select {
	case <-e.stopped:
		return false, ErrStopped
	default:
	}
	done := make(chan struct{})
	job := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case e.work <- job:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.stopped:
		return false, ErrStopped
	}
	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	case <-e.stopped:
		return true, ErrStopped
	}
}

// Run processes replies and submissions until ctx is cancelled or the
// transport fails. Requests still in flight when it returns are failed.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

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

	e.logger.Info("retrieval engine started", "address", e.tr.Addr())
	for {
		select {
		case <-ctx.Done():
			e.failAll(registry.ReasonCancelled)
			return nil
		case err := <-recvErr:
			if ctx.Err() != nil {
				e.failAll(registry.ReasonCancelled)
				return nil
			}
			e.failAll(registry.ReasonTransport)
			return fmt.Errorf("receive: %w", err)
		case job := <-e.work:
			job(ctx)
		case in := <-inbound:
			e.handle(ctx, in)
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) handle(ctx context.Context, in transport.Inbound) {
	cmd, err := wire.Decode(in.Payload)
	if err != nil {
		e.logger.Debug("dropping malformed reply", "err", err)
		return
	}
	corr := cmd.Correlation()
	if d, ok := e.downloads[corr]; ok {
		switch c := cmd.(type) {
		case wire.Ack:
			e.onAck(ctx, d, c)
		case wire.Data:
			e.onData(ctx, d, c)
		case wire.Reject:
			e.onDownloadReject(d, c)
		default:
			e.logger.Debug("dropping unexpected reply", "kind", cmd.Kind(), "corr", corr)
		}
		return
	}
	if x, ok := e.explores[corr]; ok {
		switch c := cmd.(type) {
		case wire.Advertise:
			e.onAdvertise(x, c)
		case wire.Reject:
			e.onExploreReject(x, c)
		default:
			e.logger.Debug("dropping unexpected reply", "kind", cmd.Kind(), "corr", corr)
		}
		return
	}
	e.logger.Debug("dropping reply for unknown request", "kind", cmd.Kind(), "corr", corr)
}

// mint creates n reply tokens and counts them.
func (e *Engine) mint(ctx context.Context, n int) ([]transport.ReplyToken, error) {
	tokens, err := e.tr.MintReplyTokens(ctx, n)
	if err != nil {
		return nil, err
	}
	metrics.TokensMinted.Add(float64(len(tokens)))
	return tokens, nil
}

func (e *Engine) send(ctx context.Context, address string, cmd wire.Command, tokens []transport.ReplyToken) error {
	payload, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	return e.tr.Send(ctx, address, payload, tokens)
}

// sweep fails requests that have been silent for longer than the inactivity
// timeout.
func (e *Engine) sweep() {
	now := e.now()
	for _, d := range e.downloads {
		if now.Sub(d.lastActivity) > e.cfg.InactivityTimeout {
			e.logger.Info("download timed out", "request_id", d.id, "corr", d.corr,
				"received", d.received, "chunks", d.chunkCount)
			e.failDownload(d, registry.ReasonTimeout)
		}
	}
	for _, x := range e.explores {
		if now.Sub(x.lastActivity) > e.cfg.InactivityTimeout {
			e.logger.Info("explore timed out", "request_id", x.id, "corr", x.corr, "pages", len(x.pages))
			e.failExplore(x, registry.ReasonTimeout)
		}
	}
}

func (e *Engine) cancel(id string) error {
	for _, d := range e.downloads {
		if d.id == id {
			e.failDownload(d, registry.ReasonCancelled)
			return nil
		}
	}
	for _, x := range e.explores {
		if x.id == id {
			e.failExplore(x, registry.ReasonCancelled)
			return nil
		}
	}
	if _, err := e.reg.Download(id); err == nil {
		return ErrFinished
	}
	if _, err := e.reg.Explore(id); err == nil {
		return ErrFinished
	}
	return registry.ErrNotFound
}

func (e *Engine) failAll(reason registry.Reason) {
	for _, d := range e.downloads {
		e.failDownload(d, reason)
	}
	for _, x := range e.explores {
		e.failExplore(x, reason)
	}
}
