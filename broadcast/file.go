package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileChannel broadcasts through a marker file watched by every process on the host. Each
// publish replaces the marker with a rename, which every watcher observes as a create event even
// when the payload repeats. Publishers also see their own events.
type FileChannel struct {
	path   string
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	handlers map[int]Handler
	nextID   int
	closed   bool
}

// NewFileChannel returns a channel using the marker file at path.
func NewFileChannel(path string, logger *slog.Logger) (*FileChannel, error) {
	if path == "" {
		return nil, errors.New("marker file path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve marker path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileChannel{
		path:     abs,
		dir:      filepath.Dir(abs),
		logger:   logger,
		handlers: make(map[int]Handler),
	}, nil
}

func (c *FileChannel) Publish(_ context.Context, payload []byte) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, "."+filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp marker: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp marker: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace marker: %w", err)
	}
	return nil
}

func (c *FileChannel) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.watcher == nil {
		if err := os.MkdirAll(c.dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create marker directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// the marker is replaced by rename, so watch its directory rather than the file
		if err := watcher.Add(c.dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", c.dir, err)
		}
		c.watcher = watcher
		go c.watch(watcher)
	}

	id := c.nextID
	c.nextID++
	c.handlers[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
		if len(c.handlers) == 0 {
			c.stopLocked()
		}
	}, nil
}

// Close stops watching. Publish keeps working.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.stopLocked()
}

func (c *FileChannel) stopLocked() error {
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

func (c *FileChannel) watch(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			c.deliver()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("marker watcher error", "path", c.path, "error", err)
		}
	}
}

func (c *FileChannel) deliver() {
	payload, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to read marker", "path", c.path, "error", err)
		}
		return
	}
	if len(payload) == 0 {
		return
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
