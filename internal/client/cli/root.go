package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dmitrijs2005/chunkrelay/internal/client/retry"
	"github.com/dmitrijs2005/chunkrelay/internal/client/scheduler"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

const usage = `Usage: chunkrelay-client [flags] <command> [args]

Commands:
  add <file>...  buffer files for upload
  upload         upload buffered chunks once
  watch          upload in the background until interrupted
  list           show buffered files
  clear          remove all buffered chunks`

// Run executes the command in args (flags already removed).
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return nil
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "add":
		return a.add(ctx, rest)
	case "upload":
		return a.upload(ctx)
	case "watch":
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.watch(ctx)
	case "list":
		return a.list(ctx)
	case "clear":
		return a.clear(ctx)
	case "help":
		fmt.Fprintln(a.out, usage)
		return nil
	default:
		fmt.Fprintln(a.out, usage)
		return fmt.Errorf("%w: unknown command %q", common.ErrInvalidInput, cmd)
	}
}

func (a *App) upload(ctx context.Context) error {
	key, err := a.apiKey()
	if err != nil {
		return err
	}
	engine, err := a.uploadEngine(ctx)
	if err != nil {
		return err
	}

	names, err := engine.UploadBuffered(ctx, a.config.ServerURL, key)

	files := make([]string, 0, len(names))
	for f := range names {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(a.out, "%s -> %s\n", f, names[f])
	}

	if err != nil {
		fmt.Fprintf(a.out, "Upload incomplete: %v\n", err)
	}
	return err
}

// watch runs background passes until ctx is done.
func (a *App) watch(ctx context.Context) error {
	key, err := a.apiKey()
	if err != nil {
		return err
	}
	engine, err := a.uploadEngine(ctx)
	if err != nil {
		return err
	}

	s := scheduler.New(engine, a.config.ServerURL, key, a.logger,
		scheduler.OnChunk(func(ev retry.ChunkEvent) {
			if ev.Err != nil {
				fmt.Fprintf(a.out, "%s #%d failed (attempt %d): %v\n", ev.FileName, ev.ChunkIndex, ev.Attempt, ev.Err)
				return
			}
			fmt.Fprintf(a.out, "%s #%d uploaded\n", ev.FileName, ev.ChunkIndex)
		}),
		scheduler.OnPass(func(r scheduler.PassResult) {
			if r.Succeeded+r.Failed > 0 {
				fmt.Fprintf(a.out, "Pass finished: %d file(s) ok, %d failed\n", r.Succeeded, r.Failed)
			}
		}),
	)

	fmt.Fprintf(a.out, "Watching buffer every %s, press Ctrl+C to stop\n", a.config.ScanInterval)
	s.Start(ctx, a.config.ScanInterval)
	<-ctx.Done()
	s.Stop()
	return nil
}
