package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/chunkrelay/internal/client/buffer"
	"github.com/dmitrijs2005/chunkrelay/internal/client/retry"
	"github.com/dmitrijs2005/chunkrelay/internal/client/secure"
	"github.com/dmitrijs2005/chunkrelay/internal/client/store"
	"github.com/dmitrijs2005/chunkrelay/internal/client/transport"
	"github.com/dmitrijs2005/chunkrelay/internal/codec"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/cryptox"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/dmitrijs2005/chunkrelay/internal/server/envelope"
	"github.com/dmitrijs2005/chunkrelay/internal/server/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFile(t *testing.T, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(name, data, 0o644))
	return data
}

// The client works from its own directory so buffered file names are
// relative, as a user would pass them on the command line.
func TestEndToEnd_SanitizeScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, resolver.ModeSanitize)
	t.Chdir(t.TempDir())

	original := randomFile(t, "report.pdf", 2560)

	st := store.NewMemoryStore()
	buf := buffer.New(st, 1024, logging.Discard())
	n, err := buf.AddFile(ctx, "report.pdf")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	records, err := st.LoadAll(ctx)
	require.NoError(t, err)
	sizes := []int{}
	for _, r := range records {
		sizes = append(sizes, len(r.Data))
	}
	assert.Equal(t, []int{1024, 1024, 512}, sizes)

	engine := retry.New(st, transport.New(0), retry.DefaultPolicy(), logging.Discard())
	names, err := engine.UploadBuffered(ctx, s.URL+"/upload", testKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"report.pdf": "report.pdf"}, names)

	got, err := os.ReadFile(filepath.Join(s.res.Root(), "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, original, got)

	left, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	// Same basename, new upload: the first file is kept.
	_, err = buf.AddFile(ctx, "report.pdf")
	require.NoError(t, err)
	names, err = engine.UploadBuffered(ctx, s.URL+"/upload", testKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"report.pdf": "report_1700000000000.pdf"}, names)

	again, err := os.ReadFile(filepath.Join(s.res.Root(), "report_1700000000000.pdf"))
	require.NoError(t, err)
	assert.Equal(t, original, again)
	got, err = os.ReadFile(filepath.Join(s.res.Root(), "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestEndToEnd_WrongKeyStaysBuffered(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, resolver.ModeSanitize)
	t.Chdir(t.TempDir())
	randomFile(t, "a.bin", 100)

	st := store.NewMemoryStore()
	_, err := buffer.New(st, 64, logging.Discard()).AddFile(ctx, "a.bin")
	require.NoError(t, err)

	engine := retry.New(st, transport.New(0), retry.DefaultPolicy(), logging.Discard())
	_, err = engine.UploadBuffered(ctx, s.URL+"/upload", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.ErrorIs(t, err, common.ErrUploadIncomplete)

	left, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func newKeyring(t *testing.T) *cryptox.Keyring {
	t.Helper()
	ks, err := cryptox.NewFileKeyStore(filepath.Join(t.TempDir(), "server-keys"), "", logging.Discard())
	require.NoError(t, err)
	ring, err := cryptox.NewKeyring(context.Background(), ks, 2048)
	require.NoError(t, err)
	return ring
}

func TestEndToEnd_Encrypted(t *testing.T) {
	ctx := context.Background()
	ring := newKeyring(t)
	s := newTestServer(t, resolver.ModeSanitize, func(o *Options) {
		o.Keys = ring
		o.Opener = envelope.NewOpener(ring, logging.Discard())
	})
	t.Chdir(t.TempDir())

	original := bytes.Repeat([]byte("compressible chunk payload "), 200)
	require.NoError(t, os.WriteFile("notes.txt", original, 0o644))

	client := transport.New(0)
	pk, err := client.FetchPublicKey(ctx, s.URL+"/upload")
	require.NoError(t, err)
	assert.Equal(t, ring.Active().KID, pk.KID)

	sealer, err := secure.NewSealer(pk.PublicKey, pk.KID, codec.Zstd)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	n, err := buffer.New(st, 1000, logging.Discard()).AddFile(ctx, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, 6, n)

	engine := retry.New(st, client, retry.DefaultPolicy(), logging.Discard(), retry.WithEncryption(sealer))
	names, err := engine.UploadBuffered(ctx, s.URL+"/upload", testKey)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", names["notes.txt"])

	got, err := os.ReadFile(filepath.Join(s.res.Root(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, original, got)

	code, body := s.request(t, http.MethodGet, "/info", "Bearer "+testKey)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["encryption"])
}

func TestUpload_DecryptionFailure(t *testing.T) {
	ring := newKeyring(t)
	s := newTestServer(t, resolver.ModeSanitize, func(o *Options) {
		o.Keys = ring
		o.Opener = envelope.NewOpener(ring, logging.Discard())
	})

	sealer, err := secure.NewSealer(ring.Active().PublicKeyPEM, "", codec.Raw)
	require.NoError(t, err)
	sess, err := sealer.NewSession()
	require.NoError(t, err)

	body, err := sess.Seal(1, []byte("chunk one"))
	require.NoError(t, err)

	// Packet sealed as seq 1 but sent as chunk 0.
	code, resp := s.post(t, chunkReq{index: "0", name: "x.txt", body: body, headers: sess.Headers()})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Decryption failed", resp["error"])

	_, err = os.Stat(filepath.Join(s.res.Root(), "x.txt"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, s.res.Sessions().Len())
}
