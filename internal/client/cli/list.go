package cli

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type fileSummary struct {
	name       string
	chunks     int
	bytes      int
	maxRetries int
	lastError  string
	lastErrAt  time.Time
}

// summarize groups the buffered chunks by file, sorted by file name.
func (a *App) summarize(ctx context.Context) ([]fileSummary, error) {
	records, err := a.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	byName := map[string]*fileSummary{}
	for _, r := range records {
		s, ok := byName[r.FileName]
		if !ok {
			s = &fileSummary{name: r.FileName}
			byName[r.FileName] = s
		}
		s.chunks++
		s.bytes += len(r.Data)
		if r.Retry.RetryCount > s.maxRetries {
			s.maxRetries = r.Retry.RetryCount
		}
		if e, ok := r.Retry.LastError(); ok && e.Timestamp.After(s.lastErrAt) {
			s.lastError, s.lastErrAt = e.Message, e.Timestamp
		}
	}

	out := make([]fileSummary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (a *App) list(ctx context.Context) error {
	files, err := a.summarize(ctx)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		fmt.Fprintln(a.out, "Buffer is empty")
		return nil
	}

	for _, f := range files {
		fmt.Fprintf(a.out, "%s: %d chunk(s), %d byte(s), retries %d\n", f.name, f.chunks, f.bytes, f.maxRetries)
		if f.lastError != "" {
			fmt.Fprintf(a.out, "  last error (%s): %s\n", f.lastErrAt.Format(time.RFC3339), f.lastError)
		}
	}
	return nil
}

func (a *App) clear(ctx context.Context) error {
	n, err := a.store.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Cleared %d chunk(s)\n", n)
	return nil
}
