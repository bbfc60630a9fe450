package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/client/config"
	"github.com/dmitrijs2005/chunkrelay/internal/client/retry"
	"github.com/dmitrijs2005/chunkrelay/internal/client/store"
	"github.com/dmitrijs2005/chunkrelay/internal/client/transport"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/cryptox"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedReq struct {
	auth      string
	fileName  string
	index     string
	sessionID string
	body      []byte
}

type fakeServer struct {
	*httptest.Server
	mu        sync.Mutex
	requests  []receivedReq
	status    int
	publicKey string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, receivedReq{
			auth:      r.Header.Get(common.HeaderAuthorization),
			fileName:  r.Header.Get(common.HeaderFileName),
			index:     r.Header.Get(common.HeaderChunkIndex),
			sessionID: r.Header.Get(common.HeaderSessionID),
			body:      body,
		})
		status := fs.status
		fs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Upload error", "message": "disk full"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":        "Chunk received",
			"actualFilename": "stored_" + filepath.Base(r.Header.Get(common.HeaderFileName)),
		})
	})
	mux.HandleFunc("/keys/public", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		pem := fs.publicKey
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"kid": cryptox.KeyID(pem), "publicKey": pem})
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (f *fakeServer) received() []receivedReq {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receivedReq(nil), f.requests...)
}

func (f *fakeServer) setStatus(code int) {
	f.mu.Lock()
	f.status = code
	f.mu.Unlock()
}

func newTestApp(t *testing.T, srv *fakeServer) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.ServerURL = srv.URL + "/upload"
	cfg.APIKey = "test-key"
	cfg.ChunkSize = 4
	cfg.InitialDelay = 0
	cfg.MaxRetries = retry.Limit(3)
	cfg.ScanInterval = 20 * time.Millisecond

	out := &bytes.Buffer{}
	app := newApp(cfg, store.NewMemoryStore(), transport.New(5*time.Second), logging.Discard(), out)
	t.Cleanup(func() { _ = app.Close() })
	return app, out
}

func writeFile(t *testing.T, name string, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func stubTerminal(t *testing.T, terminal bool, key string) {
	t.Helper()
	origTerm, origRead := isTerminal, readPassword
	isTerminal = func() bool { return terminal }
	readPassword = func(int) ([]byte, error) { return []byte(key), nil }
	t.Cleanup(func() {
		isTerminal = origTerm
		readPassword = origRead
	})
}

func TestRun_AddListClear(t *testing.T) {
	ctx := context.Background()
	app, out := newTestApp(t, newFakeServer(t))

	path := writeFile(t, "a.bin", "0123456789")
	require.NoError(t, app.Run(ctx, []string{"add", path}))
	assert.Contains(t, out.String(), "3 chunk(s)")

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"list"}))
	assert.Contains(t, out.String(), path+": 3 chunk(s), 10 byte(s), retries 0")

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"clear"}))
	assert.Equal(t, "Cleared 3 chunk(s)\n", out.String())

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"list"}))
	assert.Equal(t, "Buffer is empty\n", out.String())
}

func TestRun_AddKeepsGoingAfterMissingFile(t *testing.T) {
	ctx := context.Background()
	app, _ := newTestApp(t, newFakeServer(t))

	path := writeFile(t, "b.bin", "abcd")
	err := app.Run(ctx, []string{"add", filepath.Join(t.TempDir(), "missing"), path})
	require.ErrorIs(t, err, common.ErrNotFound)

	files, err := app.summarize(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, path, files[0].name)

	assert.ErrorIs(t, app.Run(ctx, []string{"add"}), common.ErrInvalidInput)
}

func TestRun_Upload(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	app, out := newTestApp(t, srv)

	path := writeFile(t, "c.bin", "abcdefgh")
	require.NoError(t, app.Run(ctx, []string{"add", path}))

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"upload"}))
	assert.Equal(t, path+" -> stored_c.bin\n", out.String())

	reqs := srv.received()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer test-key", reqs[0].auth)
	assert.Equal(t, "0", reqs[0].index)
	assert.Equal(t, "1", reqs[1].index)
	assert.Equal(t, []byte("abcd"), reqs[0].body)
	assert.Empty(t, reqs[0].sessionID)

	files, err := app.summarize(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRun_UploadFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	srv.setStatus(http.StatusInternalServerError)
	app, out := newTestApp(t, srv)

	path := writeFile(t, "d.bin", "abcdefgh")
	require.NoError(t, app.Run(ctx, []string{"add", path}))

	err := app.Run(ctx, []string{"upload"})
	require.ErrorIs(t, err, common.ErrUploadIncomplete)
	assert.Contains(t, out.String(), "Upload incomplete")
	// Head-of-line: the second chunk is not attempted.
	assert.Len(t, srv.received(), 1)

	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"list"}))
	assert.Contains(t, out.String(), "2 chunk(s), 8 byte(s), retries 1")
	assert.Contains(t, out.String(), "disk full")
}

func TestRun_APIKeyPrompt(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	app, _ := newTestApp(t, srv)
	app.config.APIKey = ""

	path := writeFile(t, "e.bin", "abc")
	require.NoError(t, app.Run(ctx, []string{"add", path}))

	stubTerminal(t, false, "")
	require.ErrorIs(t, app.Run(ctx, []string{"upload"}), common.ErrConfiguration)
	assert.Empty(t, srv.received())

	stubTerminal(t, true, "typed-key\n")
	require.NoError(t, app.Run(ctx, []string{"upload"}))
	reqs := srv.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer typed-key", reqs[0].auth)
}

func TestRun_EncryptedUploadFetchesKey(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	kp, err := cryptox.GenerateKeyPair(2048)
	require.NoError(t, err)
	srv.mu.Lock()
	srv.publicKey = kp.PublicKeyPEM
	srv.mu.Unlock()

	app, _ := newTestApp(t, srv)
	app.config.Encrypt = true

	path := writeFile(t, "f.bin", "abcdef")
	require.NoError(t, app.Run(ctx, []string{"add", path}))
	require.NoError(t, app.Run(ctx, []string{"upload"}))

	reqs := srv.received()
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].sessionID)
	assert.Equal(t, reqs[0].sessionID, reqs[1].sessionID)
	assert.NotEqual(t, []byte("abcd"), reqs[0].body)
}

func TestRun_EncryptedMissingKeyFile(t *testing.T) {
	ctx := context.Background()
	app, _ := newTestApp(t, newFakeServer(t))
	app.config.Encrypt = true
	app.config.PublicKeyPath = filepath.Join(t.TempDir(), "missing.pem")

	assert.ErrorIs(t, app.Run(ctx, []string{"upload"}), common.ErrConfiguration)
}

func TestRun_Watch(t *testing.T) {
	srv := newFakeServer(t)
	app, _ := newTestApp(t, srv)

	path := writeFile(t, "g.bin", "abcdefgh")
	require.NoError(t, app.Run(context.Background(), []string{"add", path}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.watch(ctx) }()

	require.Eventually(t, func() bool { return len(srv.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}

	files, err := app.summarize(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRun_UnknownCommand(t *testing.T) {
	app, out := newTestApp(t, newFakeServer(t))

	require.NoError(t, app.Run(context.Background(), nil))
	assert.Contains(t, out.String(), "Usage:")

	assert.ErrorIs(t, app.Run(context.Background(), []string{"frobnicate"}), common.ErrInvalidInput)
}
