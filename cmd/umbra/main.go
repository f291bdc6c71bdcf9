package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ssd-technologies/umbra/internal/config"
	"github.com/ssd-technologies/umbra/internal/node"
)

func main() {
	app := &cli.App{
		Name:  "umbra",
		Usage: "anonymous file sharing over a relay network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "optional dotenv file loaded beneath the environment",
				Value:   ".env",
				EnvVars: []string{"UMBRA_ENV_FILE"},
			},
			&cli.StringFlag{
				Name:    "api",
				Usage:   "control API address of the local node",
				Value:   "127.0.0.1:7310",
				EnvVars: []string{"UMBRA_CONTROL_ADDR"},
			},
		},
		Commands: []*cli.Command{
			nodeCmd,
			idCmd,
			shareCmd,
			advertisingCmd,
			getCmd,
			downloadsCmd,
			cancelCmd,
			rmCmd,
			exploreCmd,
			searchCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var nodeCmd = &cli.Command{
	Name:  "node",
	Usage: "run the node daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "data-dir", Usage: "identity, database and default download location"},
		&cli.StringFlag{Name: "download-dir", Usage: "where completed downloads are placed"},
		&cli.StringFlag{Name: "relay", Usage: "relay websocket URL"},
		&cli.StringFlag{Name: "listen", Usage: "control API listen address"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.LoadNode(cctx.String("env-file"))
		if err != nil {
			return err
		}
		if cctx.IsSet("data-dir") {
			cfg.DataDir = cctx.String("data-dir")
			if os.Getenv(config.Prefix+"_DOWNLOAD_DIR") == "" {
				cfg.DownloadDir = filepath.Join(cfg.DataDir, "downloads")
			}
		}
		if cctx.IsSet("download-dir") {
			cfg.DownloadDir = cctx.String("download-dir")
		}
		if cctx.IsSet("relay") {
			cfg.RelayURL = cctx.String("relay")
		}
		if cctx.IsSet("listen") {
			cfg.ControlAddr = cctx.String("listen")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := cfg.Logger(os.Stderr)
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := node.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Printf("umbra node %s\n", n.Address())
		fmt.Printf("control api on http://%s\n", cfg.ControlAddr)
		return n.Run(ctx, true)
	},
}
