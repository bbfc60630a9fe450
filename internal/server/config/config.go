// Package config handles configuration for the server component,
// including defaults, JSON overlay, environment and command-line flags.
package config

import (
	"fmt"
	"os"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/server/auth"
	"github.com/dmitrijs2005/chunkrelay/internal/server/envelope"
	"github.com/dmitrijs2005/chunkrelay/internal/server/resolver"
)

// EnvAPIKeys names the environment variable with comma-separated API keys.
const EnvAPIKeys = "CHUNKRELAY_API_KEYS"

// Config holds runtime settings for the chunkrelay server.
//
// Fields:
//   - ListenAddr: bind address of the HTTP endpoint.
//   - UploadDir: root directory receiving reassembled files.
//   - APIKeys: accepted bearer keys; one is generated at startup when empty.
//   - PathMode: sanitize, ignore or allow-paths.
//   - MaxChunkBytes: upper bound on a chunk body.
//   - Encryption / KeyStoreDir / KeyPassphrase / KeyBits: envelope keys.
//   - MaxSessions: bound on cached envelope session keys.
//   - JWTSecret: when set, HS256 tokens are accepted besides API keys.
//   - S3*: archive target; archiving is off without a bucket.
type Config struct {
	ListenAddr     string
	UploadDir      string
	APIKeys        []string
	PathMode       string
	MaxChunkBytes  int64
	LogLevel       string
	Encryption     bool
	KeyStoreDir    string
	KeyPassphrase  string
	KeyBits        int
	MaxSessions    int
	JWTSecret      string
	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3User         string
	S3Password     string
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.ListenAddr = ":3000"
	c.UploadDir = "./uploads"
	c.PathMode = string(resolver.ModeIgnore)
	c.MaxChunkBytes = 64 << 20
	c.LogLevel = "info"
	c.KeyStoreDir = "./server-keys"
	c.KeyBits = 4096
	c.MaxSessions = envelope.DefaultMaxSessions
	c.S3Region = "us-east-1"
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if _, err := resolver.ParseMode(c.PathMode); err != nil {
		return err
	}
	if c.MaxChunkBytes <= 0 {
		return fmt.Errorf("%w: max chunk size must be positive, got %d", common.ErrConfiguration, c.MaxChunkBytes)
	}
	if c.Encryption && c.KeyBits < 2048 {
		return fmt.Errorf("%w: key size must be at least 2048 bits, got %d", common.ErrConfiguration, c.KeyBits)
	}
	if c.Encryption && c.MaxSessions <= 0 {
		return fmt.Errorf("%w: session cache size must be positive, got %d", common.ErrConfiguration, c.MaxSessions)
	}
	return nil
}

func applyEnv(c *Config) {
	if keys := auth.ParseKeys(os.Getenv(EnvAPIKeys)); len(keys) > 0 {
		c.APIKeys = keys
	}
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	applyEnv(cfg)
	parseFlags(cfg)
	return cfg
}
