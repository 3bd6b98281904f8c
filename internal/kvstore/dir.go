package kvstore

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
)

var validModule = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Dir is the database directory. It hands out one Store per module and keeps
// it open for the lifetime of the process.
type Dir struct {
	path   string
	logger *slog.Logger
	opts   []Option

	mu     sync.Mutex
	stores map[string]*Store
}

// NewDir creates the directory if needed.
func NewDir(path string, logger *slog.Logger, opts ...Option) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return &Dir{
		path:   path,
		logger: logger,
		opts:   append([]Option{WithLogger(logger)}, opts...),
		stores: make(map[string]*Store),
	}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Module opens (or returns the already open) document for module. A corrupt
// file fails only this module.
func (d *Dir) Module(module string) (*Store, error) {
	if !validModule.MatchString(module) {
		return nil, fmt.Errorf("invalid module name %q", module)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stores[module]; ok {
		return s, nil
	}
	s, err := Open(d.path, module, d.opts...)
	if err != nil {
		return nil, err
	}
	d.stores[module] = s
	return s, nil
}

// Opened returns the module stores opened so far.
func (d *Dir) Opened() map[string]*Store {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*Store, len(d.stores))
	for k, v := range d.stores {
		out[k] = v
	}
	return out
}
