// Package config loads runtime configuration for the chunkrelay client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. CHUNKRELAY_API_KEY from the environment.
//  4. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "3s" or integer nanoseconds. A null max_retries retries
// forever:
//
//	{
//	  "server_url": "http://127.0.0.1:3000/upload",
//	  "api_key": "...",
//	  "store_path": "~/.chunkrelay/db/client.db",
//	  "chunk_size": 1048576,
//	  "initial_delay": "1s",
//	  "max_delay": "5m",
//	  "multiplier": 2,
//	  "max_retries": 10,
//	  "scan_interval": "30s",
//	  "request_timeout": "30s",
//	  "log_level": "info",
//	  "encrypt": false,
//	  "public_key_path": "",
//	  "codec": "raw"
//	}
package config
