// Package node assembles an umbra node: persistent identity and catalog, the
// serving and retrieval engines, the control API and background workers.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/config"
	"github.com/ssd-technologies/umbra/internal/control"
	"github.com/ssd-technologies/umbra/internal/identity"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/retrieve"
	"github.com/ssd-technologies/umbra/internal/serve"
	"github.com/ssd-technologies/umbra/internal/storage"
	"github.com/ssd-technologies/umbra/internal/transport"
)

// Node owns every long-lived component of a running node.
type Node struct {
	cfg    *config.Node
	logger *slog.Logger

	db       *storage.DB
	catalog  *catalog.Catalog
	serve    *serve.Engine
	retrieve *retrieve.Engine
	control  *control.Server

	// service is reachable at the identity's address; client is anonymous
	// and carries this node's own requests.
	service transport.Transport
	client  transport.Transport
	address string
}

// Open loads the identity, connects both transports to the relay and builds
// the node.
func Open(ctx context.Context, cfg *config.Node, logger *slog.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	id, err := identity.LoadOrCreate(cfg.KeyPath(), cfg.IdentityPassphrase)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	service, err := transport.DialRelay(ctx, cfg.RelayURL, id, logger)
	if err != nil {
		return nil, fmt.Errorf("service transport: %w", err)
	}
	client, err := transport.DialRelay(ctx, cfg.RelayURL, nil, logger)
	if err != nil {
		service.Close()
		return nil, fmt.Errorf("client transport: %w", err)
	}
	n, err := New(cfg, service, client, logger)
	if err != nil {
		service.Close()
		client.Close()
		return nil, err
	}
	return n, nil
}

// New builds a node on already connected transports. The node takes
// ownership of them.
func New(cfg *config.Node, service, client transport.Transport, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	db, err := storage.NewDB(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	cat := catalog.New(db, logger)
	if err := cat.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	srv, err := serve.New(serve.Config{
		InactivityTimeout: cfg.InactivityTimeout,
		MaxTransmissions:  cfg.MaxTransmissions,
		MaxPreparing:      cfg.MaxPreparing,
		AdmitRate:         cfg.ServeRate,
		AdmitWindow:       cfg.ServeWindow,
	}, service, cat, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	ret := retrieve.New(retrieve.Config{
		DownloadDir:       cfg.DownloadDir,
		Prefetch:          cfg.Prefetch,
		LowWater:          cfg.LowWater,
		ReplenishBatch:    cfg.ReplenishBatch,
		ExploreTokens:     cfg.ExploreTokens,
		InactivityTimeout: cfg.InactivityTimeout,
		MaxFileSize:       cfg.MaxFileSize,
		MaxChunks:         cfg.MaxChunks,
	}, client, registry.New(), db, logger)

	n := &Node{
		cfg:      cfg,
		logger:   logger.With("component", "node"),
		db:       db,
		catalog:  cat,
		serve:    srv,
		retrieve: ret,
		service:  service,
		client:   client,
		address:  service.Addr(),
	}
	n.control = control.New(control.Deps{
		Catalog:  cat,
		Retrieve: ret,
		History:  db,
		Address:  n.address,
		Logger:   logger,
	})
	return n, nil
}

// Address is the service address other peers download from.
func (n *Node) Address() string { return n.address }

// Catalog returns the node's catalog.
func (n *Node) Catalog() *catalog.Catalog { return n.catalog }

// Retrieve returns the node's retrieval engine.
func (n *Node) Retrieve() *retrieve.Engine { return n.retrieve }

// Handler returns the control API.
func (n *Node) Handler() http.Handler { return n.control }

// Run serves until ctx is cancelled or a component fails. With listen set,
// the control API is served on cfg.ControlAddr.
func (n *Node) Run(ctx context.Context, listen bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.serve.Run(ctx) })
	g.Go(func() error { return n.retrieve.Run(ctx) })
	g.Go(func() error {
		n.runWorkers(ctx)
		return nil
	})
	if listen {
		hs := &http.Server{
			Addr:              n.cfg.ControlAddr,
			Handler:           n.control,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			n.logger.Info("control api listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	n.logger.Info("node running", "address", n.address, "downloads", n.cfg.DownloadDir)
	return g.Wait()
}

// Close releases the transports and the database.
func (n *Node) Close() error {
	return errors.Join(n.service.Close(), n.client.Close(), n.db.Close())
}
