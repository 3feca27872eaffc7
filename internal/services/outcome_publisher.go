package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// outcomeMessage is the MQTT payload for a delivered outcome.
type outcomeMessage struct {
	models.ResolutionOutcome
	Label string `json:"label"`
}

// OutcomePublisher publishes resolution outcomes to <topic>/<stream_id>.
type OutcomePublisher struct {
	topic   string
	qos     int
	timeout time.Duration

	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger
}

// NewOutcomePublisher creates a new OutcomePublisher instance.
func NewOutcomePublisher(topic string, qos int, timeout time.Duration, mqttClient mqtt.MQTTClient,
	logger zerolog.Logger) *OutcomePublisher {
	return &OutcomePublisher{
		topic:      topic,
		qos:        qos,
		timeout:    timeout,
		mqttClient: mqttClient,
		logger:     logger,
	}
}

// TopicFor returns the topic outcomes of streamID are published on.
func (p *OutcomePublisher) TopicFor(streamID string) string {
	return p.topic + "/" + streamID
}

// Publish serializes outcome and publishes it, waiting at most the
// configured timeout for the broker.
func (p *OutcomePublisher) Publish(outcome models.ResolutionOutcome) error {
	payload, err := json.Marshal(outcomeMessage{ResolutionOutcome: outcome, Label: outcome.Label()})
	if err != nil {
		return fmt.Errorf("failed to serialize outcome: %w", err)
	}

	topic := p.TopicFor(outcome.StreamID)
	token := p.mqttClient.Publish(topic, byte(p.qos), false, payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.New("timed out publishing outcome")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish outcome to %s: %w", topic, err)
	}
	return nil
}

// Handle publishes outcome and logs failures. It is used as the resolution
// manager's outcome handler.
func (p *OutcomePublisher) Handle(outcome models.ResolutionOutcome) {
	if err := p.Publish(outcome); err != nil {
		p.logger.Error().
			Err(err).
			Str("stream_id", outcome.StreamID).
			Str("resolution_id", outcome.ResolutionID).
			Msg("Failed to publish resolution outcome")
		return
	}

	p.logger.Debug().
		Str("stream_id", outcome.StreamID).
		Str("source", string(outcome.Source)).
		Str("label", outcome.Label()).
		Msg("Outcome published")
}
