package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/codec"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// EnvAPIKey names the environment variable holding the API key.
const EnvAPIKey = "CHUNKRELAY_API_KEY"

// Config holds runtime settings for the chunkrelay client.
//
// Fields:
//   - ServerURL: upload endpoint, e.g. http://127.0.0.1:3000/upload.
//   - APIKey: bearer key sent with every chunk.
//   - StorePath: SQLite file buffering chunks between runs.
//   - ChunkSize: bytes per chunk.
//   - InitialDelay / MaxDelay / Multiplier / MaxRetries: backoff policy;
//     a nil MaxRetries retries forever.
//   - ScanInterval: pause between background upload passes.
//   - RequestTimeout: bound on a single chunk request.
//   - Encrypt / PublicKeyPath / Codec: envelope encryption; without a
//     PublicKeyPath the key is fetched from the server.
type Config struct {
	ServerURL      string
	APIKey         string
	StorePath      string
	ChunkSize      int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	MaxRetries     *int
	ScanInterval   time.Duration
	RequestTimeout time.Duration
	LogLevel       string
	Encrypt        bool
	PublicKeyPath  string
	Codec          string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	maxRetries := 10

	c.ServerURL = "http://127.0.0.1:3000/upload"
	c.StorePath = "~/.chunkrelay/db/client.db"
	c.ChunkSize = 1 << 20
	c.InitialDelay = 1 * time.Second
	c.MaxDelay = 5 * time.Minute
	c.Multiplier = 2
	c.MaxRetries = &maxRetries
	c.ScanInterval = 30 * time.Second
	c.RequestTimeout = 30 * time.Second
	c.LogLevel = "info"
	c.Codec = codec.Raw
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive, got %d", common.ErrConfiguration, c.ChunkSize)
	case c.Multiplier < 1:
		return fmt.Errorf("%w: backoff multiplier must be >= 1, got %v", common.ErrConfiguration, c.Multiplier)
	case c.InitialDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("%w: retry delays must not be negative", common.ErrConfiguration)
	case c.ScanInterval <= 0:
		return fmt.Errorf("%w: scan interval must be positive", common.ErrConfiguration)
	case !codec.Valid(c.Codec):
		return fmt.Errorf("%w: unknown codec %q", common.ErrConfiguration, c.Codec)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present), the environment and command-line flags. Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	applyEnv(cfg)
	parseFlags(cfg)
	return cfg
}
