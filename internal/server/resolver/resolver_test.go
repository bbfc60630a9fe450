package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.UnixMilli(1700000000000)

func newResolver(t *testing.T, mode Mode) *Resolver {
	t.Helper()
	r, err := New(t.TempDir(), mode, NewRegistry(), logging.Discard(),
		WithClock(func() time.Time { return fixedNow }),
		WithRandomTag(func() (string, error) { return "deadbeef", nil }),
	)
	require.NoError(t, err)
	return r
}

func resolveAndAppend(t *testing.T, r *Resolver, name string, idx int, data string) Resolution {
	t.Helper()
	ctx := context.Background()
	res, err := r.Resolve(ctx, name, idx)
	require.NoError(t, err)
	_, err = r.Append(ctx, res, []byte(data))
	require.NoError(t, err)
	return res
}

func assertRejected(t *testing.T, err error, sentinel error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel), "got %v", err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.NotEmpty(t, rerr.Detail)
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"sanitize", "ignore", "allow-paths"} {
		got, err := ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, Mode(m), got)
	}

	_, err := ParseMode("yolo")
	assert.ErrorIs(t, err, common.ErrConfiguration)

	_, err = New(t.TempDir(), Mode("yolo"), NewRegistry(), logging.Discard())
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestSanitize_BasenameAndSessionStability(t *testing.T) {
	r := newResolver(t, ModeSanitize)

	first := resolveAndAppend(t, r, "report.pdf", 0, "AAA")
	assert.Equal(t, "report.pdf", first.ActualFilename)
	assert.Equal(t, filepath.Join(r.Root(), "report.pdf"), first.Path)

	// The file now exists, but the session keeps chunk 1 on the same name.
	second := resolveAndAppend(t, r, "report.pdf", 1, "BBB")
	assert.Equal(t, first, second)

	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(data))
}

func TestSanitize_ReuploadGetsTimestampSuffix(t *testing.T) {
	r := newResolver(t, ModeSanitize)
	resolveAndAppend(t, r, "report.pdf", 0, "v1")

	r.Sessions().Clear()

	res := resolveAndAppend(t, r, "report.pdf", 0, "v2")
	assert.Equal(t, "report_1700000000000.pdf", res.ActualFilename)

	orig, err := os.ReadFile(filepath.Join(r.Root(), "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(orig), "existing file must not be overwritten")
}

func TestSanitize_ChunkZeroStartsNewUpload(t *testing.T) {
	r := newResolver(t, ModeSanitize)
	resolveAndAppend(t, r, "report.pdf", 0, "v1")
	resolveAndAppend(t, r, "report.pdf", 1, "v1")

	second := resolveAndAppend(t, r, "report.pdf", 0, "v2")
	assert.Equal(t, "report_1700000000000.pdf", second.ActualFilename)
	next := resolveAndAppend(t, r, "report.pdf", 1, "v2")
	assert.Equal(t, second, next)

	// Same millisecond again: a counter keeps the names apart.
	third := resolveAndAppend(t, r, "report.pdf", 0, "v3")
	assert.Equal(t, "report_1700000000000_1.pdf", third.ActualFilename)

	for name, want := range map[string]string{
		"report.pdf":                 "v1v1",
		"report_1700000000000.pdf":   "v2v2",
		"report_1700000000000_1.pdf": "v3",
	} {
		data, err := os.ReadFile(filepath.Join(r.Root(), name))
		require.NoError(t, err)
		assert.Equal(t, want, string(data), name)
	}
}

func TestSanitize_DotfileSuffix(t *testing.T) {
	r := newResolver(t, ModeSanitize)
	resolveAndAppend(t, r, ".env", 0, "x")
	r.Sessions().Clear()

	res, err := r.Resolve(context.Background(), ".env", 0)
	require.NoError(t, err)
	assert.Equal(t, ".env_1700000000000", res.ActualFilename)
}

func TestSanitize_StripsDotSlash(t *testing.T) {
	r := newResolver(t, ModeSanitize)

	res, err := r.Resolve(context.Background(), "./notes.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", res.ActualFilename)

	res, err = r.Resolve(context.Background(), `.\win.txt`, 0)
	require.NoError(t, err)
	assert.Equal(t, "win.txt", res.ActualFilename)
}

func TestSanitize_Rejects(t *testing.T) {
	r := newResolver(t, ModeSanitize)

	for _, name := range []string{
		"dir/file.txt",
		`dir\file.txt`,
		"../file.txt",
		"..",
		"a..b.txt",
		"/etc/passwd",
		`\\server\share\x`,
		`C:\Windows\x.txt`,
		"C:x.txt",
		".",
		"",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), name, 0)
			assertRejected(t, err, common.ErrValidation)
		})
	}
	assert.Equal(t, 0, r.Sessions().Len())
}

func TestIgnore_FlattensName(t *testing.T) {
	r := newResolver(t, ModeIgnore)

	tests := []struct {
		client string
		want   string
	}{
		{"report.pdf", "1700000000000_deadbeef_report.pdf"},
		{"./docs/2024/report.pdf", "1700000000000_deadbeef_docs_2024_report.pdf"},
		{`C:\Users\me\my file!.txt`, "1700000000000_deadbeef_C-_Users_me_my-file-.txt"},
		{"noext", "1700000000000_deadbeef_noext"},
		{"archive.tar.gz", "1700000000000_deadbeef_archive.tar.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.client, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), tt.client, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ActualFilename)
			assert.Equal(t, filepath.Join(r.Root(), tt.want), res.Path)
		})
	}
}

func TestIgnore_NeverRejectsAndStaysInside(t *testing.T) {
	r := newResolver(t, ModeIgnore)

	for _, name := range []string{"../../etc/passwd", "/abs/path.txt", `..\..\x.bin`} {
		res, err := r.Resolve(context.Background(), name, 0)
		require.NoError(t, err, name)
		assert.NotContains(t, res.ActualFilename, "/")
		assert.NotContains(t, res.ActualFilename, `\`)
		assert.True(t, r.Contains(res.Path), name)
	}
}

func TestIgnore_SessionStability(t *testing.T) {
	now := fixedNow
	tags := []string{"aaaaaaaa", "bbbbbbbb"}
	r, err := New(t.TempDir(), ModeIgnore, NewRegistry(), logging.Discard(),
		WithClock(func() time.Time { now = now.Add(time.Second); return now }),
		WithRandomTag(func() (string, error) { tag := tags[0]; tags = tags[1:]; return tag, nil }),
	)
	require.NoError(t, err)

	a := resolveAndAppend(t, r, "dir/video.mp4", 0, "1")
	b := resolveAndAppend(t, r, "dir/video.mp4", 1, "2")
	assert.Equal(t, a, b)

	other := resolveAndAppend(t, r, "dir/other.mp4", 0, "x")
	assert.NotEqual(t, a.ActualFilename, other.ActualFilename)

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, "12", string(data))
}

func TestIgnore_ChunkZeroStartsNewUpload(t *testing.T) {
	tags := []string{"aaaaaaaa", "bbbbbbbb"}
	r, err := New(t.TempDir(), ModeIgnore, NewRegistry(), logging.Discard(),
		WithClock(func() time.Time { return fixedNow }),
		WithRandomTag(func() (string, error) { tag := tags[0]; tags = tags[1:]; return tag, nil }),
	)
	require.NoError(t, err)

	a := resolveAndAppend(t, r, "clip.mp4", 0, "1")
	b := resolveAndAppend(t, r, "clip.mp4", 0, "2")
	assert.Equal(t, "1700000000000_aaaaaaaa_clip.mp4", a.ActualFilename)
	assert.Equal(t, "1700000000000_bbbbbbbb_clip.mp4", b.ActualFilename)
}

func TestIgnore_TruncatesLongNames(t *testing.T) {
	name := flattenName(strings.Repeat("a", 300)+".txt", 1700000000000, "deadbeef")

	assert.Len(t, name, MaxFilenameLength)
	assert.True(t, strings.HasPrefix(name, "1700000000000_deadbeef_aaa"))
	assert.True(t, strings.HasSuffix(name, "a.txt"))

	multi := flattenName(strings.Repeat("é", 200)+".txt", 1700000000000, "deadbeef")
	assert.LessOrEqual(t, len(multi), MaxFilenameLength)
	assert.True(t, strings.HasSuffix(multi, ".txt"))
	assert.True(t, strings.ToValidUTF8(multi, "?") == multi, "truncation must not split runes")
}

func TestAllowPaths_CreatesDirectories(t *testing.T) {
	r := newResolver(t, ModeAllowPaths)

	res := resolveAndAppend(t, r, "./docs/2024/report.pdf", 0, "x")
	assert.Equal(t, "docs/2024/report.pdf", res.ActualFilename)
	assert.Equal(t, filepath.Join(r.Root(), "docs", "2024", "report.pdf"), res.Path)

	fi, err := os.Stat(filepath.Join(r.Root(), "docs", "2024"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	win := resolveAndAppend(t, r, `photos\cat.jpg`, 0, "y")
	assert.Equal(t, "photos/cat.jpg", win.ActualFilename)

	// Pure function of the name: no session needed.
	assert.Equal(t, 0, r.Sessions().Len())
	again, err := r.Resolve(context.Background(), "./docs/2024/report.pdf", 1)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestAllowPaths_Rejects(t *testing.T) {
	r := newResolver(t, ModeAllowPaths)

	for _, name := range []string{
		"../escape.txt",
		"docs/../../escape.txt",
		`..\escape.txt`,
		"/etc/passwd",
		`\\server\share`,
		"C:/Windows/x.txt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), name, 0)
			assertRejected(t, err, common.ErrValidation)
		})
	}
}

func TestAllowPaths_SymlinkEscapeDenied(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	r := newResolver(t, ModeAllowPaths)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(r.Root(), "link")))

	_, err := r.Resolve(context.Background(), "link/evil.txt", 0)
	assertRejected(t, err, common.ErrAccessDenied)

	_, err = os.Stat(filepath.Join(outside, "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestContains(t *testing.T) {
	r := newResolver(t, ModeSanitize)

	assert.True(t, r.Contains(filepath.Join(r.Root(), "a.txt")))
	assert.True(t, r.Contains(filepath.Join(r.Root(), "deep", "missing", "a.txt")))
	assert.True(t, r.Contains(filepath.Join(r.Root(), "..foo")))
	assert.False(t, r.Contains(filepath.Join(r.Root(), "..", "a.txt")))
	assert.False(t, r.Contains(filepath.Dir(r.Root())))
}

func TestAppend_ConcurrentFiles(t *testing.T) {
	r := newResolver(t, ModeSanitize)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := r.Resolve(ctx, name, 0)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 10; i++ {
				_, err := r.Append(ctx, res, []byte{byte('0' + i)})
				assert.NoError(t, err)
			}
		}(name)
	}
	wg.Wait()

	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		data, err := os.ReadFile(filepath.Join(r.Root(), name))
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	}
}

func TestAppend_WriteErrorSurfaces(t *testing.T) {
	r := newResolver(t, ModeSanitize)
	require.NoError(t, os.Mkdir(filepath.Join(r.Root(), "dir.bin"), 0o755))

	_, err := r.Append(context.Background(), Resolution{Path: filepath.Join(r.Root(), "dir.bin"), ActualFilename: "dir.bin"}, []byte("x"))
	assert.Error(t, err)
}
