// Package config loads node and relay settings from the environment, with an
// optional .env file underneath.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "UMBRA"

// Logging selects the log level and format.
type Logging struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// Node is the configuration of an umbra node.
type Node struct {
	Logging

	DataDir     string `envconfig:"DATA_DIR"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR"`
	RelayURL    string `envconfig:"RELAY_URL" default:"ws://127.0.0.1:7300/ws" validate:"required,url"`
	ControlAddr string `envconfig:"CONTROL_ADDR" default:"127.0.0.1:7310" validate:"required,hostname_port"`

	Prefetch          int           `envconfig:"PREFETCH" default:"16" validate:"min=1,max=1024"`
	LowWater          int           `envconfig:"LOW_WATER" default:"4" validate:"min=1,ltefield=Prefetch"`
	ReplenishBatch    int           `envconfig:"REPLENISH_BATCH" default:"16" validate:"min=1,max=1024"`
	ExploreTokens     int           `envconfig:"EXPLORE_TOKENS" default:"8" validate:"min=1,max=1024"`
	MaxFileSize       uint64        `envconfig:"MAX_FILE_SIZE" default:"0"`
	MaxChunks         uint64        `envconfig:"MAX_CHUNKS" default:"16777216" validate:"min=1"`
	InactivityTimeout time.Duration `envconfig:"INACTIVITY_TIMEOUT" default:"2m" validate:"gt=0"`

	ServeRate        int           `envconfig:"SERVE_RATE" default:"120" validate:"min=0"`
	ServeWindow      time.Duration `envconfig:"SERVE_WINDOW" default:"1m" validate:"gt=0"`
	MaxTransmissions int           `envconfig:"MAX_TRANSMISSIONS" default:"64" validate:"min=1"`
	MaxPreparing     int           `envconfig:"MAX_PREPARING" default:"4" validate:"min=1"`

	HistoryRetention   time.Duration `envconfig:"HISTORY_RETENTION" default:"720h" validate:"gt=0"`
	RevalidateInterval time.Duration `envconfig:"REVALIDATE_INTERVAL" default:"5m" validate:"gt=0"`

	IdentityPassphrase string `envconfig:"IDENTITY_PASSPHRASE"`
}

// DBPath is the SQLite database inside the data directory.
func (c *Node) DBPath() string { return filepath.Join(c.DataDir, "umbra.db") }

// KeyPath is the identity key file inside the data directory.
func (c *Node) KeyPath() string { return filepath.Join(c.DataDir, "identity.key") }

// Relay is the configuration of the relay daemon.
type Relay struct {
	Logging

	Addr          string        `envconfig:"RELAY_ADDR" default:":7300" validate:"required"`
	MaxPayload    int           `envconfig:"MAX_PAYLOAD" default:"16384" validate:"min=256,max=1048576"`
	TokenCapacity int           `envconfig:"TOKEN_CAPACITY" default:"1048576" validate:"min=1"`
	TokenTTL      time.Duration `envconfig:"TOKEN_TTL" default:"30m" validate:"gt=0"`
}

var validate = validator.New()

// loadEnvFile reads path into the environment without overriding variables
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadNode reads the node configuration. envFile may be empty.
func LoadNode(envFile string) (*Node, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	var cfg Node
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: cannot determine home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".umbra")
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(cfg.DataDir, "downloads")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, for use after flags override values.
func (c *Node) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadRelay reads the relay configuration. envFile may be empty.
func LoadRelay(envFile string) (*Relay, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	var cfg Relay
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Relay) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Logger builds a slog logger writing to w.
func (l Logging) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(l.LogLevel)}
	var h slog.Handler
	if l.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
