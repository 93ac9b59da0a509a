package secrets

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// Static returns a Loader serving fixed values, typically from configuration.
// Empty values are omitted.
func Static(values map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(values))
		for k, v := range values {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// DirLoader reads one secret per file from dir, keyed by file name, the
// layout of Docker and Kubernetes mounted secrets. Hidden files and
// subdirectories are skipped. A missing dir yields no secrets.
func DirLoader(dir string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		if dir == "" {
			return out, nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return out, nil
			}
			return nil, fmt.Errorf("read secrets dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // operator-supplied dir
			if err != nil {
				return nil, fmt.Errorf("read secret %s: %w", e.Name(), err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				out[e.Name()] = v
			}
		}
		return out, nil
	}
}

// Merge layers loaders in order; later loaders win. Any failure fails the
// whole load so a reload never half-applies.
func Merge(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vals)
		}
		return out, nil
	}
}
