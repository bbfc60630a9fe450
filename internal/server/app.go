// Package server initializes and runs the upload server.
// It wires the path resolver, authentication, optional envelope encryption
// and S3 archiving, then serves HTTP until a termination signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/cryptox"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/dmitrijs2005/chunkrelay/internal/server/api"
	"github.com/dmitrijs2005/chunkrelay/internal/server/archive"
	"github.com/dmitrijs2005/chunkrelay/internal/server/auth"
	"github.com/dmitrijs2005/chunkrelay/internal/server/config"
	"github.com/dmitrijs2005/chunkrelay/internal/server/envelope"
	"github.com/dmitrijs2005/chunkrelay/internal/server/metrics"
	"github.com/dmitrijs2005/chunkrelay/internal/server/resolver"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	handler *api.Handler
}

// NewApp builds every server component from c. When no API key is
// configured one is generated and logged so the operator can hand it out.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(c.LogLevel, os.Stdout)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	mode, _ := resolver.ParseMode(c.PathMode)

	res, err := resolver.New(c.UploadDir, mode, resolver.NewRegistry(), logger)
	if err != nil {
		return nil, err
	}

	keys := c.APIKeys
	if len(keys) == 0 {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return nil, fmt.Errorf("generate api key: %w", err)
		}
		keys = []string{key}
		logger.Warn(ctx, "no API keys configured, generated one for this run", "api_key", key)
	}

	opts := api.Options{
		ListenAddr:    c.ListenAddr,
		MaxChunkBytes: c.MaxChunkBytes,
		Resolver:      res,
		Auth:          auth.NewAuthenticator(keys, c.JWTSecret),
		Metrics:       metrics.New(),
		Logger:        logger,
	}

	if c.Encryption {
		store, err := cryptox.NewFileKeyStore(c.KeyStoreDir, c.KeyPassphrase, logger)
		if err != nil {
			return nil, fmt.Errorf("key store init error: %w", err)
		}
		ring, err := cryptox.NewKeyring(ctx, store, c.KeyBits)
		if err != nil {
			return nil, fmt.Errorf("keyring init error: %w", err)
		}
		opts.Keys = ring
		opts.Opener = envelope.NewOpener(ring, logger, envelope.WithMaxSessions(c.MaxSessions))
		logger.Info(ctx, "envelope encryption enabled", "kid", ring.Active().KID)
	}

	if c.S3Bucket != "" {
		a, err := archive.New(ctx, archive.Options{
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
			User:         c.S3User,
			Password:     c.S3Password,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("archive init error: %w", err)
		}
		opts.Archiver = a
	}

	return &App{config: c, logger: logger, handler: api.NewHandler(opts)}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:              app.config.ListenAddr,
		Handler:           app.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(context.Background(), "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(shutdownCtx, "shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server",
		"address", app.config.ListenAddr,
		"upload_dir", app.config.UploadDir,
		"path_mode", app.config.PathMode,
		"encryption", app.config.Encryption,
		"archive", app.config.S3Bucket != "")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is cancelled or a termination signal arrives.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

}
