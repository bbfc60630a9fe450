package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/flagx"
)

// ValueFlags lists the flags that take a value. The CLI uses it to tell
// flag values apart from the command and its operands.
var ValueFlags = []string{"-c", "-config", "-u", "-k", "-s", "-b", "-r0", "-rmax", "-rm", "-n", "-i", "-t", "-l", "-p", "-z"}

var boolFlags = []string{"-e"}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-u string       upload endpoint URL
//	-k string       API key
//	-s string       path of the local chunk buffer database
//	-b int          chunk size in bytes
//	-r0 duration    initial retry delay (e.g. "1s")
//	-rmax duration  maximum retry delay
//	-rm float       backoff multiplier
//	-n int          maximum retries per chunk; -1 retries forever
//	-i int          background scan interval (in seconds)
//	-t int          request timeout (in seconds)
//	-l string       log level
//	-e              encrypt chunks
//	-p string       server public key PEM file
//	-z string       packet codec: raw or zstd
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], ValueFlags[2:])
	args = append(args, flagx.FilterBoolArgs(os.Args[1:], boolFlags)...)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	maxRetries := -1
	if cfg.MaxRetries != nil {
		maxRetries = *cfg.MaxRetries
	}

	fs.StringVar(&cfg.ServerURL, "u", cfg.ServerURL, "upload endpoint URL")
	fs.StringVar(&cfg.APIKey, "k", cfg.APIKey, "API key")
	fs.StringVar(&cfg.StorePath, "s", cfg.StorePath, "chunk buffer database path")
	fs.IntVar(&cfg.ChunkSize, "b", cfg.ChunkSize, "chunk size (in bytes)")
	fs.DurationVar(&cfg.InitialDelay, "r0", cfg.InitialDelay, "initial retry delay")
	fs.DurationVar(&cfg.MaxDelay, "rmax", cfg.MaxDelay, "maximum retry delay")
	fs.Float64Var(&cfg.Multiplier, "rm", cfg.Multiplier, "backoff multiplier")
	fs.IntVar(&maxRetries, "n", maxRetries, "maximum retries per chunk (-1 for unlimited)")
	scanInterval := fs.Int("i", int(cfg.ScanInterval.Seconds()), "background scan interval (in seconds)")
	requestTimeout := fs.Int("t", int(cfg.RequestTimeout.Seconds()), "request timeout (in seconds)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Encrypt, "e", cfg.Encrypt, "encrypt chunks with the server public key")
	fs.StringVar(&cfg.PublicKeyPath, "p", cfg.PublicKeyPath, "server public key PEM file")
	fs.StringVar(&cfg.Codec, "z", cfg.Codec, "packet codec: raw or zstd")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.ScanInterval = time.Duration(*scanInterval) * time.Second
	cfg.RequestTimeout = time.Duration(*requestTimeout) * time.Second
	if maxRetries < 0 {
		cfg.MaxRetries = nil
	} else {
		cfg.MaxRetries = &maxRetries
	}
}
