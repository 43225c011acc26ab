package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/juju/clock"
	"github.com/juju/mutex/v2"

	"github.com/kebairia/repliktor/internal/logger"
)

// ErrStore marks a registry file that could not be read or parsed. Load
// recovers from it by starting with an empty registry.
var ErrStore = errors.New("registry store error")

const (
	corruptSuffix = ".corrupt"
	lockDelay     = 20 * time.Millisecond
)

// Option lets you override default settings on a Store.
type Option func(*Store)

// Store persists a Registry as a single JSON document. Every mutation is a
// full load, modify, save round trip run by Update.
type Store struct {
	path     string
	lockName string
	log      logger.Logger

	// mu serialises Update calls inside this process; the named lock does
	// the same across processes sharing the file.
	mu sync.Mutex
}

// WithLockName sets the cross-process lock name. An empty name disables it.
func WithLockName(name string) Option {
	return func(s *Store) {
		s.lockName = name
	}
}

// WithLogger sets the logger used to report store errors.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		log:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Load reads the registry file. A missing, unreadable or malformed file
// yields an empty Registry; the failure is logged, never returned. A
// malformed file is first copied aside so a later Save does not destroy it.
func (s *Store) Load() Registry {
	reg, err := s.load()
	if err == nil {
		return reg
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("registry not found, starting empty", "path", s.path)
	case errors.Is(err, errMalformed):
		s.log.Warn("registry malformed, starting empty",
			"path", s.path,
			"error", err.Error(),
		)
		s.quarantine()
	default:
		s.log.Error("registry unreadable, starting empty",
			"path", s.path,
			"error", err.Error(),
		)
	}
	return Registry{Backups: []Entry{}}
}

var errMalformed = fmt.Errorf("%w: malformed document", ErrStore)

func (s *Store) load() (Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Registry{}, fmt.Errorf("%w: read %s: %w", ErrStore, s.path, err)
	}
	var reg Registry
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&reg); err != nil {
		return Registry{}, fmt.Errorf("%w: decode %s: %v", errMalformed, s.path, err)
	}
	if reg.Backups == nil {
		reg.Backups = []Entry{}
	}
	return reg, nil
}

func (s *Store) quarantine() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	dst := s.path + corruptSuffix
	if err := renameio.WriteFile(dst, data, 0o600); err != nil {
		s.log.Warn("could not preserve malformed registry", "path", dst, "error", err.Error())
		return
	}
	s.log.Info("malformed registry preserved", "path", dst)
}

// Save writes the complete registry. The file is replaced atomically, so a
// concurrent Load sees either the old or the new document.
func (s *Store) Save(reg Registry) error {
	if reg.Backups == nil {
		reg.Backups = []Entry{}
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode registry: %v", ErrStore, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %q: %v", ErrStore, filepath.Dir(s.path), err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStore, s.path, err)
	}
	return nil
}

// Update runs one load, fn, save round trip while holding the store lock.
// If fn returns an error nothing is saved and the error is returned as is.
func (s *Store) Update(fn func(reg *Registry) error) error {
	release, err := s.lock()
	if err != nil {
		return err
	}
	defer release()

	reg := s.Load()
	if err := fn(&reg); err != nil {
		return err
	}
	return s.Save(reg)
}

func (s *Store) lock() (func(), error) {
	s.mu.Lock()
	if s.lockName == "" {
		return s.mu.Unlock, nil
	}
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:  s.lockName,
		Clock: clock.WallClock,
		Delay: lockDelay,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: acquire lock %q: %v", ErrStore, s.lockName, err)
	}
	return func() {
		releaser.Release()
		s.mu.Unlock()
	}, nil
}
