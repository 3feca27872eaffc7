package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/pkg/mqtt"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// StreamResolver resolves fixes for many streams and forgets idle ones.
type StreamResolver interface {
	FixSubmitter
	EvictIdle(maxIdle time.Duration) int
}

// FixIngestService resolves fixes published by other devices. Each device
// is its own stream, so devices never supersede each other.
type FixIngestService struct {
	// Configuration fields
	topic         string
	qos           int
	idleTimeout   time.Duration
	sweepInterval time.Duration

	// Dependencies
	mqttClient mqtt.MQTTClient
	resolver   StreamResolver
	logger     zerolog.Logger
	now        func() time.Time

	// Internal state management
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewFixIngestService creates a new FixIngestService instance with the provided configuration.
func NewFixIngestService(topic string, qos int, idleTimeout, sweepInterval time.Duration,
	mqttClient mqtt.MQTTClient, resolver StreamResolver, logger zerolog.Logger) *FixIngestService {
	return &FixIngestService{
		topic:         topic,
		qos:           qos,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		mqttClient:    mqttClient,
		resolver:      resolver,
		logger:        logger,
		now:           time.Now,
	}
}

// Start subscribes to the fix topic and starts sweeping idle streams.
func (s *FixIngestService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("FixIngestService is already running")
		return errors.New("fix ingest service is already running")
	}

	token := s.mqttClient.Subscribe(s.topic, byte(s.qos), s.handleMessage)
	if token.Wait() && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Str("topic", s.topic).Msg("Failed to subscribe to fix topic")
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, token.Error())
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.resolver.EvictIdle(s.idleTimeout)
			case <-s.ctx.Done():
				return
			}
		}
	}()

	s.logger.Info().
		Str("topic", s.topic).
		Int("qos", s.qos).
		Dur("idle_timeout", s.idleTimeout).
		Msg("FixIngestService started")
	return nil
}

// Stop unsubscribes and stops the sweeper.
func (s *FixIngestService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Warn().Msg("FixIngestService is not running")
		return errors.New("fix ingest service is not running")
	}

	s.cancel()
	s.wg.Wait()
	s.running = false

	token := s.mqttClient.Unsubscribe(s.topic)
	if token.Wait() && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Str("topic", s.topic).Msg("Failed to unsubscribe from fix topic")
		return token.Error()
	}

	s.logger.Info().Msg("FixIngestService stopped")
	return nil
}

// handleMessage submits one incoming fix. Malformed messages are logged and dropped.
func (s *FixIngestService) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	incoming, err := s.parseFix(msg.Payload())
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed fix")
		return
	}

	id, err := s.resolver.Submit(incoming.DeviceID, incoming.Fix(), incoming.Mode)
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", incoming.DeviceID).Msg("Failed to submit fix")
		return
	}

	s.logger.Debug().
		Str("stream_id", incoming.DeviceID).
		Str("resolution_id", id).
		Msg("Fix submitted")
}

func (s *FixIngestService) parseFix(payload []byte) (models.IncomingFix, error) {
	var incoming models.IncomingFix
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return incoming, fmt.Errorf("invalid fix payload: %w", err)
	}
	if incoming.DeviceID == "" {
		return incoming, errors.New("device_id is required")
	}
	// The device ID becomes an outcome topic level.
	if strings.ContainsAny(incoming.DeviceID, "/+#") {
		return incoming, fmt.Errorf("device_id %q contains topic separators or wildcards", incoming.DeviceID)
	}
	if incoming.Mode != "" && !incoming.Mode.Valid() {
		return incoming, fmt.Errorf("unknown mode %q", incoming.Mode)
	}
	if err := incoming.Fix().Validate(); err != nil {
		return incoming, err
	}
	if incoming.Timestamp.IsZero() {
		incoming.Timestamp = s.now().UTC()
	}
	return incoming, nil
}
