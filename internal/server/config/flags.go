package config

import (
	"flag"
	"os"
	"strings"

	"github.com/dmitrijs2005/chunkrelay/internal/flagx"
	"github.com/dmitrijs2005/chunkrelay/internal/server/auth"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":3000")
//	-d string   upload directory
//	-k string   comma-separated API keys
//	-m string   path mode: sanitize, ignore, allow-paths
//	-x int      maximum chunk size in bytes
//	-l string   log level
//	-e          enable envelope encryption
//	-ks string  key store directory
//	-kp string  key store passphrase
//	-kb int     RSA key size in bits
//	-ms int     cached envelope sessions
//	-j string   JWT HMAC secret
//	-sb string  S3 bucket (enables archiving)
//	-sg string  S3 region
//	-se string  S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-su string  S3 user
//	-sp string  S3 password
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-k", "-m", "-x", "-l", "-ks", "-kp", "-kb", "-ms", "-j", "-sb", "-sg", "-se", "-su", "-sp"})
	args = append(args, flagx.FilterBoolArgs(os.Args[1:], []string{"-e"})...)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to run server")
	fs.StringVar(&config.UploadDir, "d", config.UploadDir, "upload directory")
	apiKeys := fs.String("k", strings.Join(config.APIKeys, ","), "comma-separated API keys")
	fs.StringVar(&config.PathMode, "m", config.PathMode, "path mode: sanitize, ignore, allow-paths")
	fs.Int64Var(&config.MaxChunkBytes, "x", config.MaxChunkBytes, "maximum chunk size (in bytes)")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level: debug, info, warn, error")

	fs.BoolVar(&config.Encryption, "e", config.Encryption, "enable envelope encryption")
	fs.StringVar(&config.KeyStoreDir, "ks", config.KeyStoreDir, "key store directory")
	fs.StringVar(&config.KeyPassphrase, "kp", config.KeyPassphrase, "key store passphrase")
	fs.IntVar(&config.KeyBits, "kb", config.KeyBits, "RSA key size (in bits)")
	fs.IntVar(&config.MaxSessions, "ms", config.MaxSessions, "maximum cached envelope sessions")
	fs.StringVar(&config.JWTSecret, "j", config.JWTSecret, "JWT secret")

	fs.StringVar(&config.S3Bucket, "sb", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "sg", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "se", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.S3User, "su", config.S3User, "S3 user")
	fs.StringVar(&config.S3Password, "sp", config.S3Password, "S3 password")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.APIKeys = auth.ParseKeys(*apiKeys)
}
