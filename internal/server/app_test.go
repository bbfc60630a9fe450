package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.LoadDefaults()
	c.ListenAddr = "127.0.0.1:0"
	c.UploadDir = filepath.Join(t.TempDir(), "uploads")
	c.LogLevel = "error"
	return c
}

func TestNewApp_InvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.PathMode = "everything"

	_, err := NewApp(context.Background(), c)
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestNewApp_AllComponents(t *testing.T) {
	c := testConfig(t)
	c.APIKeys = []string{"k1"}
	c.Encryption = true
	c.KeyBits = 2048
	c.KeyStoreDir = filepath.Join(t.TempDir(), "keys")
	c.S3Bucket = "bucket"
	c.S3BaseEndpoint = "http://127.0.0.1:9000"

	app, err := NewApp(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, app.handler)
	assert.DirExists(t, c.UploadDir)
	assert.DirExists(t, c.KeyStoreDir)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
