package portmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollEvery paces the fallback loop used when the socket's parent
// directory does not exist yet and so cannot be watched.
const pollEvery = 50 * time.Millisecond

// WaitForPort blocks until a socket exists at path or ctx ends. It
// watches the parent directory rather than polling, with one stat up
// front for the common already-running case.
func WaitForPort(ctx context.Context, path string) error {
	if socketReady(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("portmap: wait for %s: %w", path, err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("portmap: wait for %s: %w", path, err)
		}
		return waitPolling(ctx, path)
	}
	// The socket may have appeared between the stat and the watch.
	if socketReady(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("portmap: wait for %s: watcher closed", path)
			}
			if socketReady(path) {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("portmap: wait for %s: watcher closed", path)
			}
			log.Warn("watch error on %s: %v", filepath.Dir(path), werr)
		}
	}
}

// WaitForService resolves a service name and waits for its socket.
func WaitForService(ctx context.Context, service string) (string, error) {
	path, err := Resolve(service)
	if err != nil {
		return "", err
	}
	if err := WaitForPort(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

func waitPolling(ctx context.Context, path string) error {
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if socketReady(path) {
				return nil
			}
		}
	}
}

func socketReady(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}
