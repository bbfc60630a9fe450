package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/flagx"
	"github.com/dmitrijs2005/chunkrelay/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "3s" or as integer nanoseconds. MaxRetries is kept raw to
// tell a missing field from an explicit null (retry forever).
type JsonConfig struct {
	ServerURL      string          `json:"server_url"`
	APIKey         string          `json:"api_key"`
	StorePath      string          `json:"store_path"`
	ChunkSize      int             `json:"chunk_size"`
	InitialDelay   timex.Duration  `json:"initial_delay"`
	MaxDelay       timex.Duration  `json:"max_delay"`
	Multiplier     float64         `json:"multiplier"`
	MaxRetries     json.RawMessage `json:"max_retries"`
	ScanInterval   timex.Duration  `json:"scan_interval"`
	RequestTimeout timex.Duration  `json:"request_timeout"`
	LogLevel       string          `json:"log_level"`
	Encrypt        bool            `json:"encrypt"`
	PublicKeyPath  string          `json:"public_key_path"`
	Codec          string          `json:"codec"`
}

// parseJson overlays Config with values loaded from a JSON file selected
// with -c or -config. Fields missing from the file keep their current
// value. Panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerURL, jc.ServerURL)
	setString(&cfg.APIKey, jc.APIKey)
	setString(&cfg.StorePath, jc.StorePath)
	if jc.ChunkSize != 0 {
		cfg.ChunkSize = jc.ChunkSize
	}
	setDuration(&cfg.InitialDelay, jc.InitialDelay)
	setDuration(&cfg.MaxDelay, jc.MaxDelay)
	if jc.Multiplier != 0 {
		cfg.Multiplier = jc.Multiplier
	}
	if len(jc.MaxRetries) > 0 {
		cfg.MaxRetries = parseMaxRetries(jc.MaxRetries)
	}
	setDuration(&cfg.ScanInterval, jc.ScanInterval)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	setString(&cfg.LogLevel, jc.LogLevel)
	cfg.Encrypt = cfg.Encrypt || jc.Encrypt
	setString(&cfg.PublicKeyPath, jc.PublicKeyPath)
	setString(&cfg.Codec, jc.Codec)
}

// parseMaxRetries maps null or a negative number to unbounded.
func parseMaxRetries(raw json.RawMessage) *int {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		panic(fmt.Errorf("max_retries: %w", err))
	}
	if n < 0 {
		return nil
	}
	return &n
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = time.Duration(v.Duration)
	}
}
