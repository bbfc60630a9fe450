// Package resolver maps client-supplied file names to paths inside the
// upload root and appends chunk bytes to them.
//
// Three modes are supported:
//
//   - sanitize: only bare file names are accepted; an existing file is never
//     overwritten, a timestamp suffix is added instead.
//   - ignore: any name is accepted and flattened into a unique, filesystem
//     safe name prefixed with a timestamp and random tag.
//   - allow-paths: relative paths are kept, intermediate directories are
//     created, traversal and absolute paths are rejected.
//
// Every resolved path is checked to stay inside the upload root.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/filex"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/dmitrijs2005/chunkrelay/internal/shared"
)

type Mode string

const (
	ModeSanitize   Mode = "sanitize"
	ModeIgnore     Mode = "ignore"
	ModeAllowPaths Mode = "allow-paths"
)

// MaxFilenameLength is the usual per-component filesystem limit in bytes.
const MaxFilenameLength = 255

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSanitize, ModeIgnore, ModeAllowPaths:
		return m, nil
	}
	return "", fmt.Errorf("%w: invalid path mode %q, valid modes: sanitize, ignore, allow-paths", common.ErrConfiguration, s)
}

// Error is a rejected file name. Err is common.ErrValidation (400) or
// common.ErrAccessDenied (403); Detail is safe to return to the client.
type Error struct {
	Err    error
	Detail string
}

func (e *Error) Error() string { return e.Err.Error() + ": " + e.Detail }
func (e *Error) Unwrap() error { return e.Err }

func invalid(detail string) error { return &Error{Err: common.ErrValidation, Detail: detail} }
func denied() error {
	return &Error{Err: common.ErrAccessDenied, Detail: "Access denied: invalid path"}
}

// Resolution is where a chunk goes.
type Resolution struct {
	// Path is the absolute output path.
	Path string
	// ActualFilename is the name reported back to the client, relative to
	// the upload root.
	ActualFilename string
}

type Resolver struct {
	root     string
	mode     Mode
	sessions *Registry
	now      func() time.Time
	randTag  func() (string, error)
	logger   logging.Logger

	locks sync.Map
}

type Option func(*Resolver)

// WithClock overrides the source of the millisecond timestamps in names.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithRandomTag overrides the 8-hex-character tag used by ignore mode.
func WithRandomTag(fn func() (string, error)) Option {
	return func(r *Resolver) { r.randTag = fn }
}

// New creates the upload root if needed.
func New(root string, mode Mode, sessions *Registry, logger logging.Logger, opts ...Option) (*Resolver, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	abs, err := filex.EnsureDir(root, 0o755)
	if err != nil {
		return nil, fmt.Errorf("%w: upload dir: %v", common.ErrConfiguration, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	r := &Resolver{
		root:     abs,
		mode:     mode,
		sessions: sessions,
		now:      time.Now,
		randTag:  func() (string, error) { return shared.MakeRandHexString(4) },
		logger:   logger.With("module", "resolver", "mode", string(mode)),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Resolver) Root() string { return r.root }
func (r *Resolver) Mode() Mode   { return r.mode }

// Sessions exposes the registry the resolver records names in.
func (r *Resolver) Sessions() *Registry { return r.sessions }

// Resolve picks the output path for a chunk of clientName.
func (r *Resolver) Resolve(ctx context.Context, clientName string, chunkIndex int) (Resolution, error) {
	if clientName == "" {
		return Resolution{}, invalid("Invalid filename")
	}

	var (
		res Resolution
		err error
	)
	switch r.mode {
	case ModeSanitize:
		res, err = r.sanitize(ctx, clientName, chunkIndex)
	case ModeAllowPaths:
		res, err = r.allowPaths(ctx, clientName)
	default:
		res, err = r.ignore(clientName, chunkIndex)
	}
	if err != nil {
		return Resolution{}, err
	}

	r.logger.Debug(ctx, "resolved chunk path", "client_filename", clientName, "index", chunkIndex, "actual_filename", res.ActualFilename)
	return res, nil
}

func stripDotPrefix(name string) string {
	for _, p := range []string{"./", `.\`} {
		if strings.HasPrefix(name, p) {
			return name[len(p):]
		}
	}
	return name
}

func isAbsolute(name string) bool {
	return strings.HasPrefix(name, "/") ||
		strings.HasPrefix(name, `\\`) ||
		(len(name) > 1 && name[1] == ':')
}

// baseName is the last component of name for either separator style.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// splitExt splits "archive.tar.gz" into "archive.tar" and ".gz". Dotfiles
// such as ".env" and names ending in a dot have no extension.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i:]
}

// session returns the server name recorded for clientName. Chunk 0 always
// opens a new session, so a second upload of the same file never appends to
// the first one.
func (r *Resolver) session(clientName string, chunkIndex int, create func() (string, error)) (string, error) {
	if chunkIndex == 0 {
		return r.sessions.Restart(clientName, create)
	}
	name, _, err := r.sessions.GetOrCreate(clientName, create)
	return name, err
}

func (r *Resolver) exists(name string) bool {
	_, err := os.Lstat(filepath.Join(r.root, name))
	return err == nil
}

func (r *Resolver) sanitize(ctx context.Context, clientName string, chunkIndex int) (Resolution, error) {
	cleaned := stripDotPrefix(clientName)

	if strings.ContainsAny(cleaned, `/\`) || strings.Contains(clientName, "..") || isAbsolute(clientName) {
		r.logger.Error(ctx, "rejected filename with path components", "client_filename", clientName)
		return Resolution{}, invalid("Filename must not contain path separators or traversal sequences")
	}

	base := baseName(clientName)
	if base == "" || base == "." || base == ".." {
		return Resolution{}, invalid("Invalid filename")
	}

	actual, err := r.session(clientName, chunkIndex, func() (string, error) {
		if !r.exists(base) {
			return base, nil
		}
		stem, ext := splitExt(base)
		stem += "_" + strconv.FormatInt(r.now().UnixMilli(), 10)
		name := stem + ext
		for n := 1; r.exists(name); n++ {
			name = stem + "_" + strconv.Itoa(n) + ext
		}
		return name, nil
	})
	if err != nil {
		return Resolution{}, err
	}

	out := filepath.Join(r.root, actual)
	if !r.Contains(out) {
		r.logger.Error(ctx, "path escape attempt blocked", "client_filename", clientName)
		return Resolution{}, denied()
	}
	return Resolution{Path: out, ActualFilename: actual}, nil
}

func (r *Resolver) ignore(clientName string, chunkIndex int) (Resolution, error) {
	actual, err := r.session(clientName, chunkIndex, func() (string, error) {
		tag, err := r.randTag()
		if err != nil {
			return "", fmt.Errorf("random tag: %w", err)
		}
		return flattenName(clientName, r.now().UnixMilli(), tag), nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Path: filepath.Join(r.root, actual), ActualFilename: actual}, nil
}

// flattenName builds "<ms>_<tag>_<path-with-underscores><ext>". Characters
// of the stem outside [A-Za-z0-9._-] (Unicode letters and digits allowed)
// become '-'. The result is cut to MaxFilenameLength bytes keeping the
// prefix and the extension.
func flattenName(clientName string, ms int64, tag string) string {
	full := stripDotPrefix(clientName)
	full = strings.NewReplacer("/", "_", `\`, "_").Replace(full)

	stem, ext := splitExt(full)
	safe := strings.Map(func(c rune) rune {
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '.' || c == '_' || c == '-' {
			return c
		}
		return '-'
	}, stem)
	ext = strings.Map(func(c rune) rune {
		if c == 0 || c == '/' || c == '\\' {
			return '-'
		}
		return c
	}, ext)

	prefix := strconv.FormatInt(ms, 10) + "_" + tag + "_"
	name := prefix + safe + ext
	if len(name) <= MaxFilenameLength {
		return name
	}

	room := MaxFilenameLength - len(prefix) - len(ext)
	if room < 0 {
		ext = truncateUTF8(ext, MaxFilenameLength-len(prefix))
		room = 0
	}
	return prefix + truncateUTF8(safe, room) + ext
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *Resolver) allowPaths(ctx context.Context, clientName string) (Resolution, error) {
	cleaned := stripDotPrefix(clientName)

	if strings.Contains(cleaned, "..") || isAbsolute(cleaned) {
		r.logger.Error(ctx, "rejected filename with traversal or absolute path", "client_filename", clientName)
		return Resolution{}, invalid("Filename must not contain traversal sequences or absolute paths")
	}

	actual := strings.ReplaceAll(cleaned, `\`, "/")
	out := filepath.Join(r.root, filepath.FromSlash(actual))

	if !r.Contains(out) || out == r.root {
		r.logger.Error(ctx, "path escape attempt blocked", "client_filename", clientName)
		return Resolution{}, denied()
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return Resolution{}, fmt.Errorf("create directories for %s: %w", actual, err)
	}
	// Directories created above may be symlinks planted earlier; check again.
	if !r.Contains(out) {
		r.logger.Error(ctx, "path escape attempt blocked", "client_filename", clientName)
		return Resolution{}, denied()
	}

	return Resolution{Path: out, ActualFilename: actual}, nil
}

// Contains reports whether path, after resolving symlinks of its existing
// ancestors, lies inside the upload root.
func (r *Resolver) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	resolved := resolveExisting(abs)

	rel, err := filepath.Rel(r.root, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolveExisting evaluates symlinks for the longest existing prefix of
// path and re-attaches the rest.
func resolveExisting(path string) string {
	rest := ""
	cur := path
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		if rest == "" {
			rest = filepath.Base(cur)
		} else {
			rest = filepath.Join(filepath.Base(cur), rest)
		}
		cur = parent
	}
}

func (r *Resolver) lockFor(path string) *sync.Mutex {
	m, _ := r.locks.LoadOrStore(path, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Append writes data at the end of res.Path, creating the file if needed.
func (r *Resolver) Append(ctx context.Context, res Resolution, data []byte) (int, error) {
	mu := r.lockFor(res.Path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(res.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}

	r.logger.Debug(ctx, "chunk appended", "actual_filename", res.ActualFilename, "bytes", n)
	return n, nil
}
