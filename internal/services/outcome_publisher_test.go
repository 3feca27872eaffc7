package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/speed-agent/internal/mocks"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func limit(s string) *string { return &s }

func TestOutcomePublisher_Publish(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	var published []byte
	client.On("Publish", "speed/outcomes/truck-7", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(3).([]byte) }).
		Return(mocks.NewDoneToken(nil))
	p := NewOutcomePublisher("speed/outcomes", 1, time.Second, client, zerolog.Nop())

	err := p.Publish(models.ResolutionOutcome{
		ResolutionID: "r-1",
		StreamID:     "truck-7",
		Latitude:     48.8588,
		Longitude:    2.2943,
		SpeedLimit:   limit("50"),
		Source:       models.SourceLocal,
	})

	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(published, &got))
	assert.Equal(t, "r-1", got["resolution_id"])
	assert.Equal(t, "50", got["speed_limit"])
	assert.Equal(t, "local", got["source"])
	assert.Equal(t, "50", got["label"])
	client.AssertExpectations(t)
}

func TestOutcomePublisher_NotFoundLabel(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	var published []byte
	client.On("Publish", "speed/outcomes/truck-7", byte(0), false, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(3).([]byte) }).
		Return(mocks.NewDoneToken(nil))
	p := NewOutcomePublisher("speed/outcomes", 0, time.Second, client, zerolog.Nop())

	require.NoError(t, p.Publish(models.ResolutionOutcome{StreamID: "truck-7", Source: models.SourceNotFound}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(published, &got))
	assert.Nil(t, got["speed_limit"])
	assert.Equal(t, "Not found", got["label"])
}

func TestOutcomePublisher_BrokerError(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(mocks.NewDoneToken(errors.New("not connected")))
	p := NewOutcomePublisher("speed/outcomes", 1, time.Second, client, zerolog.Nop())

	err := p.Publish(models.ResolutionOutcome{StreamID: "truck-7", Source: models.SourceUnavailable})

	assert.ErrorContains(t, err, "not connected")
}

func TestOutcomePublisher_Timeout(t *testing.T) {
	token := new(mocks.MockToken)
	token.On("WaitTimeout", 50*time.Millisecond).Return(false)
	client := new(mocks.MockMQTTClient)
	client.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(token)
	p := NewOutcomePublisher("speed/outcomes", 1, 50*time.Millisecond, client, zerolog.Nop())

	err := p.Publish(models.ResolutionOutcome{StreamID: "truck-7"})

	assert.EqualError(t, err, "timed out publishing outcome")
	token.AssertNotCalled(t, "Error")
}

func TestOutcomePublisher_HandleSwallowsErrors(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	client.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(mocks.NewDoneToken(errors.New("not connected")))
	p := NewOutcomePublisher("speed/outcomes", 1, time.Second, client, zerolog.Nop())

	assert.NotPanics(t, func() {
		p.Handle(models.ResolutionOutcome{StreamID: "truck-7"})
	})
	client.AssertNumberOfCalls(t, "Publish", 1)
}
