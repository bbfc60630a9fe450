// Package buffer splits local files into fixed-size chunks and persists them
// in the client store for later upload.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/client/models"
	"github.com/dmitrijs2005/chunkrelay/internal/client/store"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
)

// DefaultChunkSize is used when a non-positive size is configured.
const DefaultChunkSize = 1 << 20

type Buffer struct {
	store     store.Store
	chunkSize int
	now       func() time.Time
	logger    logging.Logger
}

type Option func(*Buffer)

// WithClock overrides the time source used for new records.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func New(s store.Store, chunkSize int, logger logging.Logger, opts ...Option) *Buffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	b := &Buffer{
		store:     s,
		chunkSize: chunkSize,
		now:       time.Now,
		logger:    logger.With("module", "buffer"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AddFile reads path in chunkSize windows and saves one record per window
// before reading the next one. Records left from an earlier, longer version
// of path are removed. It returns the number of chunks buffered; an
// empty file yields zero chunks. No network call is made.
func (b *Buffer) AddFile(ctx context.Context, path string) (int, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", path, common.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", common.ErrInvalidInput, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		buf := make([]byte, b.chunkSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			rec := models.NewChunkRecord(path, count, buf[:n], b.now())
			if err := b.store.Save(ctx, rec); err != nil {
				return count, err
			}
			b.logger.Debug(ctx, "buffered chunk", "file", path, "index", count, "size", n)
			count++
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// A re-added file may have shrunk; chunks past its new end must go.
	stale, err := b.store.DeleteFile(ctx, path, count)
	if err != nil {
		return count, err
	}
	if stale > 0 {
		b.logger.Debug(ctx, "dropped stale chunks", "file", path, "chunks", stale)
	}

	b.logger.Info(ctx, "file buffered", "file", path, "chunks", count, "size", fi.Size())
	return count, nil
}
