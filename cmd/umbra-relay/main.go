package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ssd-technologies/umbra/internal/config"
	"github.com/ssd-technologies/umbra/internal/transport"
)

func main() {
	app := &cli.App{
		Name:  "umbra-relay",
		Usage: "relay that routes messages and reply tokens between umbra nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "optional dotenv file loaded beneath the environment"},
			&cli.StringFlag{Name: "listen", Usage: "listen address, overrides UMBRA_RELAY_ADDR"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := config.LoadRelay(cctx.String("env-file"))
	if err != nil {
		return err
	}
	if cctx.IsSet("listen") {
		cfg.Addr = cctx.String("listen")
	}
	logger := cfg.Logger(os.Stderr)

	relay := transport.NewRelay(transport.RelayConfig{
		MaxPayload:    cfg.MaxPayload,
		TokenCapacity: cfg.TokenCapacity,
		TokenTTL:      cfg.TokenTTL,
	}, logger)
	defer relay.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Addr, "max_payload", cfg.MaxPayload)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "connected", relay.Connected())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
