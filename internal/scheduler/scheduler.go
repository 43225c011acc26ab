// Package scheduler periodically asks the lifecycle manager which entries are
// due and runs their increments in the background, one job per entry at most.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/logger"
	"github.com/kebairia/repliktor/internal/metrics"
	"github.com/kebairia/repliktor/internal/operations"
	"github.com/kebairia/repliktor/internal/registry"
)

// DefaultPeriod is the wake interval used when Config.Period is zero.
const DefaultPeriod = time.Hour

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNoManager      = errors.New("scheduler needs a manager")
)

// Manager is the subset of the lifecycle manager the scheduler drives.
type Manager interface {
	BackupsToUpdate(ctx context.Context) registry.Registry
	Increment(ctx context.Context, e registry.Entry) (operations.IncrementResult, error)
}

// Notifier receives the outcome of every dispatched increment.
type Notifier interface {
	Publish(channel string, msg events.Message)
}

// State is what Status reports for an entry.
type State int

const (
	Idle State = iota
	Running
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

type Config struct {
	Manager  Manager
	Notifier Notifier
	Clock    clock.Clock
	Logger   logger.Logger
	Metrics  *metrics.Collector

	// Period between two ticks.
	Period time.Duration
	// RunOnStart runs one tick as soon as Start is called instead of
	// waiting a full period.
	RunOnStart bool
}

type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	failed   map[string]bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
	jobs     sync.WaitGroup
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Manager == nil {
		return nil, ErrNoManager
	}
	if cfg.Period < 0 {
		return nil, fmt.Errorf("scheduler period %s is negative", cfg.Period)
	}
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Scheduler{
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
		failed:  make(map[string]bool),
	}, nil
}

// Start launches the tick loop. The loop ends when ctx is cancelled or Stop
// is called; jobs already dispatched are not tied to ctx. Once the loop has
// ended the scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLoop != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})

	s.cfg.Logger.Info("scheduler started",
		"period", s.cfg.Period.String(),
		"run_on_start", s.cfg.RunOnStart,
	)
	go s.loop(loopCtx, s.loopDone)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.loopDone == done {
			s.stopLoop()
			s.stopLoop, s.loopDone = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(s.cfg.Period):
			s.tick(ctx)
		}
	}
}

// tick dispatches every due entry that has no job in flight.
func (s *Scheduler) tick(ctx context.Context) {
	s.cfg.Metrics.Tick()
	due := s.cfg.Manager.BackupsToUpdate(ctx)
	s.cfg.Logger.Debug("scheduler tick", "due", due.Len())
	for _, e := range due.Backups {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(e)
	}
}

func (s *Scheduler) dispatch(e registry.Entry) {
	s.mu.Lock()
	if _, busy := s.running[e.Hash]; busy {
		s.mu.Unlock()
		s.cfg.Metrics.Overlap()
		s.cfg.Logger.Debug("increment still running, skipped", "hash", e.Hash, "title", e.Title)
		return
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	s.running[e.Hash] = cancel
	s.jobs.Add(1)
	s.mu.Unlock()

	s.cfg.Metrics.JobDispatched()
	go s.run(jobCtx, cancel, e)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, e registry.Entry) {
	defer s.jobs.Done()
	defer cancel()

	res, err := s.cfg.Manager.Increment(ctx, e)

	s.mu.Lock()
	delete(s.running, e.Hash)
	if err != nil {
		s.failed[e.Hash] = true
	} else {
		delete(s.failed, e.Hash)
	}
	s.mu.Unlock()
	s.cfg.Metrics.JobFinished()

	switch {
	case errors.Is(err, context.Canceled):
		s.cfg.Logger.Warn("increment aborted", "hash", e.Hash, "title", e.Title)
		s.publish("aborted " + e.Hash)
	case err != nil:
		s.cfg.Logger.Error("scheduled increment failed",
			"hash", e.Hash,
			"title", e.Title,
			"error", err.Error(),
		)
		s.publish(fmt.Sprintf("failed %s: %v", e.Hash, err))
	case res.NotFound:
		s.publish("gone " + e.Hash)
	case res.Changed:
		s.publish("updated " + res.PreviousHash + " -> " + res.Hash)
	default:
		s.publish("unchanged " + res.Hash)
	}
}

func (s *Scheduler) publish(msg string) {
	if s.cfg.Notifier == nil {
		return
	}
	s.cfg.Notifier.Publish(events.IncrementResult, events.Message{Message: msg})
}

// Stop ends the tick loop and waits for in-flight increments to finish.
func (s *Scheduler) Stop() {
	s.halt(false)
}

// Abort ends the tick loop, cancels every in-flight increment and waits for
// them to return.
func (s *Scheduler) Abort() {
	s.halt(true)
}

func (s *Scheduler) halt(abort bool) {
	s.mu.Lock()
	stop, done := s.stopLoop, s.loopDone
	s.stopLoop, s.loopDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	if abort {
		s.mu.Lock()
		for _, cancel := range s.running {
			cancel()
		}
		s.mu.Unlock()
	}
	s.jobs.Wait()
	if stop != nil {
		s.cfg.Logger.Info("scheduler stopped", "aborted", abort)
	}
}

// AbortEntry cancels the increment running for hash. It reports whether a
// job was found.
func (s *Scheduler) AbortEntry(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[hash]
	if ok {
		cancel()
	}
	return ok
}

func (s *Scheduler) Status(hash string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[hash]; ok {
		return Running
	}
	if s.failed[hash] {
		return Failed
	}
	return Idle
}
