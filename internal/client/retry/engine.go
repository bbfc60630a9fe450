// Package retry drives buffered chunks to the server.
//
// A pass loads every buffered record, groups records by file name and sends
// each group in ascending chunk index order, one request at a time. The
// server appends chunks in arrival order, so a group stops at the first chunk
// that is not due, has exhausted its retries or fails: later chunks of that
// file wait for the next pass. Records are deleted only after the server
// acknowledges them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/client/models"
	"github.com/dmitrijs2005/chunkrelay/internal/client/secure"
	"github.com/dmitrijs2005/chunkrelay/internal/client/store"
	"github.com/dmitrijs2005/chunkrelay/internal/client/transport"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
)

// Uploader sends one chunk. *transport.Client implements it.
type Uploader interface {
	UploadChunk(ctx context.Context, serverURL string, data []byte, index int, fileName, apiKey string, opts ...transport.RequestOption) (*transport.UploadResult, error)
}

// SessionFactory starts envelope sessions. *secure.Sealer implements it.
type SessionFactory interface {
	NewSession() (*secure.Session, error)
}

type Engine struct {
	store    store.Store
	uploader Uploader
	policy   Policy
	sessions SessionFactory
	now      func() time.Time
	logger   logging.Logger
}

type Option func(*Engine)

// WithClock overrides the time source used for due checks and backoff.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEncryption seals every chunk. Each file gets its own session per pass
// and the chunk index is used as the packet sequence number.
func WithEncryption(f SessionFactory) Option {
	return func(e *Engine) { e.sessions = f }
}

func New(s store.Store, u Uploader, p Policy, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		uploader: u,
		policy:   p,
		now:      time.Now,
		logger:   logger.With("module", "retry"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ChunkEvent reports the outcome of one attempt. Err is nil on success.
type ChunkEvent struct {
	FileName   string
	ChunkIndex int
	Attempt    int
	Err        error
}

type passConfig struct {
	onChunk func(ChunkEvent)
}

// PassOption configures a single pass.
type PassOption func(*passConfig)

// WithChunkCallback is invoked after every attempt. A panicking callback is
// recovered and logged.
func WithChunkCallback(fn func(ChunkEvent)) PassOption {
	return func(c *passConfig) { c.onChunk = fn }
}

// FileResult is the outcome of one file group in a pass.
type FileResult struct {
	FileName       string
	ServerFilename string
	Uploaded       int
	Failed         int
	// Pending counts chunks left in the buffer without a failed attempt:
	// not yet due, at the retry ceiling, or behind a failed chunk.
	Pending int
	Err     error
}

// Report summarizes a pass. Files are ordered by file name.
type Report struct {
	Files []FileResult
}

// Succeeded returns the number of files with no failed attempt.
func (r *Report) Succeeded() int {
	n := 0
	for _, f := range r.Files {
		if f.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of files with at least one failed attempt.
func (r *Report) Failed() int {
	return len(r.Files) - r.Succeeded()
}

// Filenames maps each successful file to the name the server stored it
// under, falling back to the base name when the server reported none.
func (r *Report) Filenames() map[string]string {
	out := make(map[string]string, len(r.Files))
	for _, f := range r.Files {
		if f.Err == nil {
			out[f.FileName] = f.ServerFilename
		}
	}
	return out
}

// Err joins the per-file errors, or returns nil when no file failed.
func (r *Report) Err() error {
	var errs []error
	for _, f := range r.Files {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}

// UploadBuffered runs one pass and returns the file name mapping of files
// that went through without failures. The error joins one error per failed
// file, each matching common.ErrUploadIncomplete.
func (e *Engine) UploadBuffered(ctx context.Context, serverURL, apiKey string) (map[string]string, error) {
	report, err := e.Run(ctx, serverURL, apiKey)
	if err != nil {
		return nil, err
	}
	return report.Filenames(), report.Err()
}

// Run performs one pass. The returned error covers only conditions that
// prevent the pass from running; per-file failures live in the report.
func (e *Engine) Run(ctx context.Context, serverURL, apiKey string, opts ...PassOption) (*Report, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("%w: server url is required", common.ErrConfiguration)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", common.ErrConfiguration)
	}

	var cfg passConfig
	for _, o := range opts {
		o(&cfg)
	}

	records, err := e.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Files: []FileResult{}}
	if len(records) == 0 {
		e.logger.Debug(ctx, "no buffered chunks")
		return report, nil
	}

	groups := groupByFile(records)
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	e.logger.Info(ctx, "upload pass started", "chunks", len(records), "files", len(names))

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Files = append(report.Files, e.uploadFile(ctx, serverURL, apiKey, name, groups[name], &cfg))
	}

	e.logger.Info(ctx, "upload pass finished", "succeeded", report.Succeeded(), "failed", report.Failed())
	return report, nil
}

func groupByFile(records []*models.ChunkRecord) map[string][]*models.ChunkRecord {
	groups := make(map[string][]*models.ChunkRecord)
	for _, r := range records {
		groups[r.FileName] = append(groups[r.FileName], r)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].ChunkIndex < g[j].ChunkIndex })
	}
	return groups
}

func (e *Engine) uploadFile(ctx context.Context, serverURL, apiKey, fileName string, chunks []*models.ChunkRecord, cfg *passConfig) FileResult {
	res := FileResult{FileName: fileName}
	log := e.logger.With("file", fileName)

	var (
		session *secure.Session
		failure error
	)

	for i, rec := range chunks {
		now := e.now()

		if e.policy.Exhausted(rec.Retry.RetryCount) {
			log.Warn(ctx, "chunk reached retry limit, holding file", "index", rec.ChunkIndex, "retries", rec.Retry.RetryCount)
			res.Pending += len(chunks) - i
			break
		}
		if rec.Retry.NextRetry.After(now) {
			log.Debug(ctx, "chunk not due yet", "index", rec.ChunkIndex, "next_retry", rec.Retry.NextRetry)
			res.Pending += len(chunks) - i
			break
		}

		if e.sessions != nil && session == nil {
			s, err := e.sessions.NewSession()
			if err != nil {
				failure = fmt.Errorf("start envelope session: %w", err)
				res.Pending += len(chunks) - i
				break
			}
			session = s
		}

		result, err := e.send(ctx, serverURL, apiKey, rec, session)
		if err != nil {
			if ctx.Err() != nil {
				res.Pending += len(chunks) - i
				failure = ctx.Err()
				break
			}
			e.recordFailure(ctx, log, rec, now, err)
			e.notify(ctx, cfg, ChunkEvent{FileName: fileName, ChunkIndex: rec.ChunkIndex, Attempt: rec.Retry.RetryCount, Err: err})
			res.Failed++
			res.Pending += len(chunks) - i - 1
			failure = err
			break
		}

		if res.ServerFilename == "" && result != nil && result.ActualFilename != "" {
			res.ServerFilename = result.ActualFilename
		}

		if _, err := e.store.Delete(ctx, rec.ID); err != nil {
			log.Error(ctx, "failed to delete acknowledged chunk", "index", rec.ChunkIndex, "error", err)
			res.Failed++
			res.Pending += len(chunks) - i - 1
			failure = err
			break
		}

		res.Uploaded++
		log.Info(ctx, "chunk uploaded", "index", rec.ChunkIndex, "size", len(rec.Data))
		e.notify(ctx, cfg, ChunkEvent{FileName: fileName, ChunkIndex: rec.ChunkIndex, Attempt: rec.Retry.RetryCount + 1})
	}

	if res.ServerFilename == "" {
		res.ServerFilename = filepath.Base(fileName)
	}

	if failure != nil {
		res.Err = &FileError{FileName: fileName, Failed: res.Failed, Pending: res.Pending, Err: failure}
		log.Error(ctx, "file upload incomplete", "failed", res.Failed, "pending", res.Pending, "error", failure)
		return res
	}

	if res.Pending == 0 {
		if res.ServerFilename != filepath.Base(fileName) {
			log.Info(ctx, "upload complete", "server_filename", res.ServerFilename)
		} else {
			log.Info(ctx, "upload complete")
		}
	}
	return res
}

func (e *Engine) send(ctx context.Context, serverURL, apiKey string, rec *models.ChunkRecord, session *secure.Session) (*transport.UploadResult, error) {
	if session == nil {
		return e.uploader.UploadChunk(ctx, serverURL, rec.Data, rec.ChunkIndex, rec.FileName, apiKey)
	}

	body, err := session.Seal(rec.ChunkIndex, rec.Data)
	if err != nil {
		return nil, err
	}

	opts := []transport.RequestOption{transport.WithContentType(common.ContentTypeJSON)}
	for k, v := range session.Headers() {
		opts = append(opts, transport.WithHeader(k, v))
	}
	return e.uploader.UploadChunk(ctx, serverURL, body, rec.ChunkIndex, rec.FileName, apiKey, opts...)
}

func (e *Engine) recordFailure(ctx context.Context, log logging.Logger, rec *models.ChunkRecord, now time.Time, cause error) {
	delay := e.policy.Delay(rec.Retry.RetryCount + 1)
	rec.Retry.RecordFailure(now, delay, cause.Error())

	log.Warn(ctx, "chunk upload failed", "index", rec.ChunkIndex, "retries", rec.Retry.RetryCount, "next_retry_in", delay.String(), "error", cause)

	if err := e.store.Save(ctx, rec); err != nil {
		log.Error(ctx, "failed to persist retry state", "index", rec.ChunkIndex, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, cfg *passConfig, ev ChunkEvent) {
	if cfg.onChunk == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "chunk callback panicked", "panic", r)
		}
	}()
	cfg.onChunk(ev)
}

// FileError describes an incomplete file. It matches common.ErrUploadIncomplete
// and the underlying cause.
type FileError struct {
	FileName string
	Failed   int
	Pending  int
	Err      error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %d chunk(s) failed, %d still buffered: %v", e.FileName, e.Failed, e.Pending, e.Err)
}

func (e *FileError) Unwrap() []error {
	return []error{common.ErrUploadIncomplete, e.Err}
}
