// Package filex holds small filesystem helpers shared by the client store,
// the server upload directory and the key store.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// EnsureDir creates dir (and parents) with perm if missing and returns its
// absolute path. A relative dir is resolved against the working directory.
func EnsureDir(dir string, perm os.FileMode) (string, error) {
	dir, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, perm); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// EnsureParentDir makes sure the directory holding file exists.
func EnsureParentDir(file string, perm os.FileMode) (string, error) {
	file, err := ExpandHome(file)
	if err != nil {
		return "", err
	}
	if _, err := EnsureDir(filepath.Dir(file), perm); err != nil {
		return "", err
	}
	return filepath.Abs(file)
}
