package resolution

import (
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Manager owns one coordinator per location stream, keyed by stream ID.
// Streams never cancel each other. The handler is called serially within a
// stream and possibly concurrently across streams.
type Manager struct {
	cfg       Config
	sources   Sources
	handler   OutcomeHandler
	scheduler Scheduler
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time

	coordinators cmap.ConcurrentMap[string, *Coordinator]
	lastSeen     cmap.ConcurrentMap[string, time.Time]

	// mu is held shared from lookup through submit and exclusively while a
	// stream is taken out of the maps.
	mu     sync.RWMutex
	closed bool
}

// NewManager creates a manager whose coordinators share cfg's mode and
// timeout. cfg.StreamID is ignored.
func NewManager(cfg Config, sources Sources, handler OutcomeHandler, scheduler Scheduler,
	metrics *Metrics, logger zerolog.Logger) (*Manager, error) {
	if handler == nil {
		return nil, errors.New("outcome handler is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = constants.ModeLocal
	}
	if _, err := sources.For(cfg.Mode); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:          cfg,
		sources:      sources,
		handler:      handler,
		scheduler:    scheduler,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		coordinators: cmap.New[*Coordinator](),
		lastSeen:     cmap.New[time.Time](),
	}, nil
}

// Submit routes fix to the coordinator of streamID, creating it on first
// use. An empty mode uses the manager's default.
func (m *Manager) Submit(streamID string, fix models.Fix, mode constants.Mode) (string, error) {
	if mode == "" {
		mode = m.cfg.Mode
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.coordinator(streamID)
	if err != nil {
		return "", err
	}
	m.lastSeen.Set(streamID, m.now())
	return c.SubmitMode(fix, mode)
}

// Coordinator returns the coordinator for streamID, creating it if needed.
func (m *Manager) Coordinator(streamID string) (*Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coordinator(streamID)
}

// coordinator expects m.mu to be held shared.
func (m *Manager) coordinator(streamID string) (*Coordinator, error) {
	if m.closed {
		return nil, ErrCoordinatorClosed
	}
	if c, ok := m.coordinators.Get(streamID); ok {
		return c, nil
	}

	cfg := m.cfg
	cfg.StreamID = streamID
	c, err := NewCoordinator(cfg, m.sources, m.handler, m.scheduler, m.metrics, m.logger)
	if err != nil {
		return nil, err
	}

	if !m.coordinators.SetIfAbsent(streamID, c) {
		// Lost the race to another submitter.
		c.Close()
		existing, _ := m.coordinators.Get(streamID)
		return existing, nil
	}

	m.logger.Info().Str("stream_id", streamID).Msg("Started stream coordinator")
	return c, nil
}

// Streams returns the IDs of the active streams.
func (m *Manager) Streams() []string {
	return m.coordinators.Keys()
}

// Remove closes and forgets the coordinator of streamID.
func (m *Manager) Remove(streamID string) {
	m.mu.Lock()
	c, ok := m.coordinators.Pop(streamID)
	m.lastSeen.Remove(streamID)
	m.mu.Unlock()

	if ok {
		c.Close()
	}
}

// EvictIdle removes idle streams that have not submitted a fix for maxIdle.
// It returns the number of streams removed.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)
	evicted := 0

	for item := range m.lastSeen.IterBuffered() {
		if item.Val.After(cutoff) {
			continue
		}
		if m.evictIfIdle(item.Key, cutoff) {
			evicted++
		}
	}

	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Int("remaining", m.coordinators.Count()).Msg("Evicted idle streams")
	}
	return evicted
}

// evictIfIdle removes streamID if it is still idle and unseen since cutoff.
// Submit cannot run between the check and the removal.
func (m *Manager) evictIfIdle(streamID string, cutoff time.Time) bool {
	m.mu.Lock()
	seen, ok := m.lastSeen.Get(streamID)
	if !ok || seen.After(cutoff) {
		m.mu.Unlock()
		return false
	}
	c, ok := m.coordinators.Get(streamID)
	if ok && c.State() == StateResolving {
		m.mu.Unlock()
		return false
	}
	m.coordinators.Remove(streamID)
	m.lastSeen.Remove(streamID)
	m.mu.Unlock()

	if ok {
		c.Close()
	}
	return true
}

// Close closes every coordinator and rejects further submissions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for item := range m.coordinators.IterBuffered() {
		item.Val.Close()
	}
	m.coordinators.Clear()
	m.lastSeen.Clear()
}
