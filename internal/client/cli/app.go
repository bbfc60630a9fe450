package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/chunkrelay/internal/client/buffer"
	"github.com/dmitrijs2005/chunkrelay/internal/client/config"
	"github.com/dmitrijs2005/chunkrelay/internal/client/retry"
	"github.com/dmitrijs2005/chunkrelay/internal/client/secure"
	"github.com/dmitrijs2005/chunkrelay/internal/client/store"
	"github.com/dmitrijs2005/chunkrelay/internal/client/transport"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"golang.org/x/term"
)

// isTerminal is a test seam for term.IsTerminal on stdin.
var isTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

type App struct {
	config *config.Config
	store  store.Store
	buffer *buffer.Buffer
	client *transport.Client
	logger logging.Logger
	out    io.Writer

	engine *retry.Engine
}

// NewApp validates c and opens the chunk buffer database.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(c.LogLevel, os.Stdout)

	st, err := store.OpenSQLite(ctx, c.StorePath)
	if err != nil {
		return nil, fmt.Errorf("error initializing chunk buffer: %w", err)
	}

	return newApp(c, st, transport.New(c.RequestTimeout), logger, os.Stdout), nil
}

func newApp(c *config.Config, st store.Store, client *transport.Client, logger logging.Logger, out io.Writer) *App {
	return &App{
		config: c,
		store:  st,
		buffer: buffer.New(st, c.ChunkSize, logger),
		client: client,
		logger: logger,
		out:    out,
	}
}

// Close releases the chunk buffer.
func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) policy() retry.Policy {
	return retry.Policy{
		InitialDelay: a.config.InitialDelay,
		MaxDelay:     a.config.MaxDelay,
		Multiplier:   a.config.Multiplier,
		MaxRetries:   a.config.MaxRetries,
	}
}

// uploadEngine builds the retry engine on first use. With encryption on,
// the server public key is read from PublicKeyPath or fetched from the server.
func (a *App) uploadEngine(ctx context.Context) (*retry.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}

	var opts []retry.Option
	if a.config.Encrypt {
		sealer, err := a.sealer(ctx)
		if err != nil {
			return nil, err
		}
		a.logger.Info(ctx, "envelope encryption enabled", "kid", sealer.KID(), "codec", a.config.Codec)
		opts = append(opts, retry.WithEncryption(sealer))
	}

	a.engine = retry.New(a.store, a.client, a.policy(), a.logger, opts...)
	return a.engine, nil
}

func (a *App) sealer(ctx context.Context) (*secure.Sealer, error) {
	if a.config.PublicKeyPath != "" {
		pem, err := os.ReadFile(a.config.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read public key: %v", common.ErrConfiguration, err)
		}
		return secure.NewSealer(string(pem), "", a.config.Codec)
	}

	pk, err := a.client.FetchPublicKey(ctx, a.config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	return secure.NewSealer(pk.PublicKey, pk.KID, a.config.Codec)
}

// apiKey returns the configured key, prompting for one on a terminal.
func (a *App) apiKey() (string, error) {
	if a.config.APIKey != "" {
		return a.config.APIKey, nil
	}
	if isTerminal() {
		key, err := GetAPIKey(a.out)
		if err != nil {
			return "", err
		}
		a.config.APIKey = key
	}
	if a.config.APIKey == "" {
		return "", fmt.Errorf("%w: no API key, use -k or %s", common.ErrConfiguration, config.EnvAPIKey)
	}
	return a.config.APIKey, nil
}
