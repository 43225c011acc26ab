package operations

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/kebairia/repliktor/internal/archive"
	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/logger"
	"github.com/kebairia/repliktor/internal/metrics"
	"github.com/kebairia/repliktor/internal/registry"
)

// Store is the registry persistence used by the manager.
type Store interface {
	Load() registry.Registry
	Update(fn func(reg *registry.Registry) error) error
}

// Archiver is the part of the archive engine the manager delegates to.
type Archiver interface {
	Fingerprint(ctx context.Context, path string) (string, error)
	CompressFiles(ctx context.Context, input, output string, opts ...archive.CompressOption) (archive.Summary, error)
}

// Notifier receives "registry changed" notifications.
type Notifier interface {
	Publish(channel string, msg events.Message)
}

// Option lets you override default settings on an OperationManager.
type Option func(*OperationManager)

// OperationManager validates and applies add, delete and increment against
// the registry store, delegating file work to the archiver. It keeps no
// registry state between calls.
type OperationManager struct {
	store    Store
	archiver Archiver
	notifier Notifier
	clock    clock.Clock
	log      logger.Logger
	metrics  *metrics.Collector
}

// NewOperationManager returns a manager over store and archiver.
func NewOperationManager(store Store, archiver Archiver, opts ...Option) *OperationManager {
	om := &OperationManager{
		store:    store,
		archiver: archiver,
		clock:    clock.WallClock,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(om)
	}
	return om
}

// WithNotifier sets where registry changes are announced.
func WithNotifier(n Notifier) Option {
	return func(om *OperationManager) {
		om.notifier = n
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(om *OperationManager) {
		if c != nil {
			om.clock = c
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(om *OperationManager) {
		if log != nil {
			om.log = log
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(om *OperationManager) {
		om.metrics = c
	}
}

// now is the timestamp recorded in lastBackup: UTC, whole seconds, so the
// persisted document round-trips exactly.
func (om *OperationManager) now() time.Time {
	return om.clock.Now().UTC().Truncate(time.Second)
}

func (om *OperationManager) notify(msg string) {
	if om.notifier == nil {
		return
	}
	om.notifier.Publish(events.RegistryChanged, events.Message{Message: msg})
}

// validate rejects an entry before anything touches the registry.
func validate(title, input, output string, interval registry.Interval) error {
	switch {
	case strings.TrimSpace(title) == "":
		return errors.NotValidf("empty title")
	case strings.TrimSpace(input) == "":
		return errors.NotValidf("empty input path")
	case strings.TrimSpace(output) == "":
		return errors.NotValidf("empty output path")
	case !interval.Valid():
		return errors.NotValidf("interval %d", int(interval))
	}
	return nil
}

// IsValidation reports whether err rejected an operation before any change,
// i.e. an invalid field or a duplicate entry.
func IsValidation(err error) bool {
	return errors.Is(err, errors.NotValid) || errors.Is(err, errors.AlreadyExists)
}
