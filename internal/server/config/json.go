package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/chunkrelay/internal/flagx"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
//
// This struct is an intermediate DTO (Data Transfer Object) used only for
// reading JSON configuration files. After unmarshalling, its non-empty
// fields are copied into the runtime Config.
type JsonConfig struct {
	ListenAddr     string   `json:"listen_addr"`
	UploadDir      string   `json:"upload_dir"`
	APIKeys        []string `json:"api_keys"`
	PathMode       string   `json:"path_mode"`
	MaxChunkBytes  int64    `json:"max_chunk_bytes"`
	LogLevel       string   `json:"log_level"`
	Encryption     bool     `json:"encryption"`
	KeyStoreDir    string   `json:"key_store_dir"`
	KeyPassphrase  string   `json:"key_passphrase"`
	KeyBits        int      `json:"key_bits"`
	MaxSessions    int      `json:"max_sessions"`
	JWTSecret      string   `json:"jwt_secret"`
	S3Bucket       string   `json:"s3_bucket"`
	S3Region       string   `json:"s3_region"`
	S3BaseEndpoint string   `json:"s3_base_endpoint"`
	S3User         string   `json:"s3_user"`
	S3Password     string   `json:"s3_password"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; without
// them no JSON file is loaded. If the file cannot be read or contains
// invalid JSON, the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	overlay(&config.ListenAddr, c.ListenAddr)
	overlay(&config.UploadDir, c.UploadDir)
	if len(c.APIKeys) > 0 {
		config.APIKeys = c.APIKeys
	}
	overlay(&config.PathMode, c.PathMode)
	if c.MaxChunkBytes > 0 {
		config.MaxChunkBytes = c.MaxChunkBytes
	}
	overlay(&config.LogLevel, c.LogLevel)
	config.Encryption = config.Encryption || c.Encryption
	overlay(&config.KeyStoreDir, c.KeyStoreDir)
	overlay(&config.KeyPassphrase, c.KeyPassphrase)
	if c.KeyBits > 0 {
		config.KeyBits = c.KeyBits
	}
	if c.MaxSessions > 0 {
		config.MaxSessions = c.MaxSessions
	}
	overlay(&config.JWTSecret, c.JWTSecret)
	overlay(&config.S3Bucket, c.S3Bucket)
	overlay(&config.S3Region, c.S3Region)
	overlay(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	overlay(&config.S3User, c.S3User)
	overlay(&config.S3Password, c.S3Password)
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
