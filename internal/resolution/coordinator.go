// Package resolution turns a sequence of location fixes into speed limit
// outcomes, one resolution at a time per stream, where the latest fix wins.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/internal/speedsource"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrCoordinatorClosed is returned by Submit after Close.
	ErrCoordinatorClosed = errors.New("coordinator is closed")

	errSourcePanic = errors.New("source panicked")
)

// Scheduler runs resolution tasks off the submitting goroutine.
// utils.WorkerPool satisfies it.
type Scheduler interface {
	Submit(task func())
}

type goScheduler struct{}

func (goScheduler) Submit(task func()) { go task() }

// OutcomeHandler receives outcomes on the coordinator's delivery goroutine.
// It is never called concurrently for one coordinator and must not call
// Close on it.
type OutcomeHandler func(models.ResolutionOutcome)

// State is the coordinator's resolution state.
type State int

const (
	StateIdle State = iota
	StateResolving
)

func (s State) String() string {
	if s == StateResolving {
		return "resolving"
	}
	return "idle"
}

// Config configures a coordinator.
type Config struct {
	StreamID string
	Mode     constants.Mode
	Timeout  time.Duration
}

// task is a scheduled resolution a worker has not picked up yet.
type task struct {
	ctx     context.Context
	cancel  context.CancelFunc
	gen     uint64
	id      string
	mode    constants.Mode
	source  speedsource.SpeedSource
	fix     models.Fix
	started time.Time
}

type delivery struct {
	generation uint64
	mode       constants.Mode
	started    time.Time
	outcome    models.ResolutionOutcome
}

// Coordinator runs at most one resolution at a time. Submitting a fix
// cancels the resolution of the previous one; an outcome is delivered only
// if its fix is still the latest when the outcome reaches the delivery
// goroutine. At most one task per coordinator waits in the scheduler: a
// fix submitted before the waiting task starts replaces it.
type Coordinator struct {
	streamID  string
	mode      constants.Mode
	timeout   time.Duration
	sources   Sources
	handler   OutcomeHandler
	scheduler Scheduler
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	activeMode constants.Mode
	pending    *task
	queued     bool
	closed     bool

	deliveries chan delivery
	done       chan struct{}
	loopDone   chan struct{}
	closeOnce  sync.Once
}

// NewCoordinator validates the default mode against sources and starts the
// delivery goroutine. A nil scheduler runs each resolution on its own
// goroutine; a nil metrics records nothing.
func NewCoordinator(cfg Config, sources Sources, handler OutcomeHandler, scheduler Scheduler,
	metrics *Metrics, logger zerolog.Logger) (*Coordinator, error) {
	if handler == nil {
		return nil, errors.New("outcome handler is required")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = constants.ModeLocal
	}
	if _, err := sources.For(mode); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultResolutionTimeout
	}
	if scheduler == nil {
		scheduler = goScheduler{}
	}

	c := &Coordinator{
		streamID:   cfg.StreamID,
		mode:       mode,
		timeout:    timeout,
		sources:    sources,
		handler:    handler,
		scheduler:  scheduler,
		metrics:    metrics,
		logger:     logger.With().Str("stream_id", cfg.StreamID).Logger(),
		now:        time.Now,
		deliveries: make(chan delivery),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	go c.deliverLoop()
	return c, nil
}

// Mode returns the default mode used by Submit.
func (c *Coordinator) Mode() constants.Mode {
	return c.mode
}

// State reports whether a resolution is in flight.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return StateResolving
	}
	return StateIdle
}

// Submit resolves fix with the default mode.
func (c *Coordinator) Submit(fix models.Fix) (string, error) {
	return c.SubmitMode(fix, c.mode)
}

// SubmitMode supersedes any in-flight resolution and schedules fix against
// the source for mode. It returns the resolution ID carried by the outcome.
func (c *Coordinator) SubmitMode(fix models.Fix, mode constants.Mode) (string, error) {
	if err := fix.Validate(); err != nil {
		return "", err
	}
	source, err := c.sources.For(mode)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	started := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}
	if c.cancel != nil {
		c.cancel()
		c.metrics.observeCancelled(c.activeMode)
		c.logger.Debug().Uint64("generation", c.generation).Msg("Superseded in-flight resolution")
	}
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancel = cancel
	c.activeMode = mode
	c.pending = &task{
		ctx:     ctx,
		cancel:  cancel,
		gen:     gen,
		id:      id,
		mode:    mode,
		source:  source,
		fix:     fix,
		started: started,
	}
	schedule := !c.queued
	c.queued = true
	c.mu.Unlock()

	c.logger.Debug().
		Str("resolution_id", id).
		Str("mode", string(mode)).
		Str("source", source.Name()).
		Float64("lat", fix.Latitude).
		Float64("lon", fix.Longitude).
		Msg("Resolution scheduled")

	if schedule {
		c.scheduler.Submit(c.drain)
	}
	return id, nil
}

// drain runs the latest pending task, if Close has not discarded it.
func (c *Coordinator) drain() {
	c.mu.Lock()
	t := c.pending
	c.pending = nil
	c.queued = false
	c.mu.Unlock()

	if t == nil {
		return
	}
	defer t.cancel()
	c.run(t)
}

// Close cancels the in-flight resolution, rejects further fixes and stops
// the delivery goroutine. No outcome is delivered after Close returns.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.pending = nil
		c.mu.Unlock()

		close(c.done)
		<-c.loopDone
		c.logger.Debug().Msg("Coordinator closed")
	})
}

func (c *Coordinator) run(t *task) {
	id, mode, fix := t.id, t.mode, t.fix
	candidate, err := c.resolve(t.ctx, t.source, fix)

	if !c.isCurrent(t.gen) {
		c.logger.Debug().Str("resolution_id", id).Msg("Dropping superseded resolution")
		return
	}

	outcome := models.ResolutionOutcome{
		ResolutionID: id,
		StreamID:     c.streamID,
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		FixTime:      fix.Timestamp,
	}

	switch {
	case err != nil:
		outcome.Source = models.SourceUnavailable
		outcome.Reason = failureReason(err)
		c.logger.Warn().Err(err).
			Str("resolution_id", id).
			Str("mode", string(mode)).
			Str("reason", outcome.Reason).
			Msg("Speed limit source unavailable")
	case candidate == nil:
		outcome.Source = models.SourceNotFound
	default:
		limit := candidate.SpeedLimit
		outcome.SpeedLimit = &limit
		outcome.Source = foundSource(mode)
	}
	outcome.ResolvedAt = c.now().UTC()

	select {
	case c.deliveries <- delivery{generation: t.gen, mode: mode, started: t.started, outcome: outcome}:
	case <-c.done:
	}
}

func (c *Coordinator) resolve(ctx context.Context, source speedsource.SpeedSource, fix models.Fix) (candidate *models.Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidate = nil
			err = fmt.Errorf("%w: %s: %v", errSourcePanic, source.Name(), r)
		}
	}()
	return source.Resolve(ctx, fix)
}

func (c *Coordinator) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.generation
}

// complete marks gen as delivered if it is still the latest fix.
func (c *Coordinator) complete(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.generation {
		return false
	}
	c.cancel = nil
	return true
}

func (c *Coordinator) deliverLoop() {
	defer close(c.loopDone)

	for {
		select {
		case d := <-c.deliveries:
			if !c.complete(d.generation) {
				continue
			}
			c.metrics.observeOutcome(d.mode, d.outcome.Source, c.now().Sub(d.started))
			c.dispatch(d.outcome)
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) dispatch(outcome models.ResolutionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("resolution_id", outcome.ResolutionID).Msg("Outcome handler panicked")
		}
	}()

	c.logger.Info().
		Str("resolution_id", outcome.ResolutionID).
		Str("source", string(outcome.Source)).
		Str("speed_limit", outcome.Label()).
		Msg("Resolution delivered")
	c.handler(outcome)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errSourcePanic):
		return "panic"
	default:
		return speedsource.Classify(err)
	}
}
