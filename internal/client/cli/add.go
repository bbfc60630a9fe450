package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// add buffers every file in paths. A failing file does not stop the others;
// the returned error joins all failures.
func (a *App) add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: usage: add <file>...", common.ErrInvalidInput)
	}

	var errs []error
	for _, p := range paths {
		n, err := a.buffer.AddFile(ctx, p)
		if err != nil {
			fmt.Fprintf(a.out, "%s: %v\n", p, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(a.out, "Buffered %s: %d chunk(s)\n", p, n)
	}
	return errors.Join(errs...)
}
