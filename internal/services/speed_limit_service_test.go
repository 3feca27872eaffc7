package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/mocks"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/pkg/location"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixTime = time.Date(2024, 5, 1, 12, 35, 19, 0, time.UTC)

func newSpeedLimitService(provider *mocks.MockLocationProvider, resolver *mocks.MockStreamResolver,
	interval time.Duration) (*SpeedLimitService, *mocks.MockDeviceInfo) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("truck-7")
	return NewSpeedLimitService(interval, time.Second, deviceInfo, provider, resolver, zerolog.Nop()), deviceInfo
}

func TestSpeedLimitService_SubmitsFixOnDeviceStream(t *testing.T) {
	provider := new(mocks.MockLocationProvider)
	provider.On("GetLocation", mock.Anything).
		Return(location.Location{Latitude: 48.8588, Longitude: 2.2943, Timestamp: fixTime}, nil)
	resolver := new(mocks.MockStreamResolver)
	resolver.On("Submit", "truck-7",
		models.Fix{Latitude: 48.8588, Longitude: 2.2943, Timestamp: fixTime}, constants.Mode("")).
		Return("r-1", nil)
	s, _ := newSpeedLimitService(provider, resolver, time.Second)

	require.NoError(t, s.submitCurrentFix(context.Background()))

	resolver.AssertExpectations(t)
}

func TestSpeedLimitService_MissingTimestampUsesClock(t *testing.T) {
	provider := new(mocks.MockLocationProvider)
	provider.On("GetLocation", mock.Anything).Return(location.Location{Latitude: 1, Longitude: 2}, nil)
	resolver := new(mocks.MockStreamResolver)
	resolver.On("Submit", "truck-7", models.Fix{Latitude: 1, Longitude: 2, Timestamp: fixTime}, constants.Mode("")).
		Return("r-1", nil)
	s, _ := newSpeedLimitService(provider, resolver, time.Second)
	s.now = func() time.Time { return fixTime }

	require.NoError(t, s.submitCurrentFix(context.Background()))

	resolver.AssertExpectations(t)
}

func TestSpeedLimitService_ProviderError(t *testing.T) {
	provider := new(mocks.MockLocationProvider)
	provider.On("GetLocation", mock.Anything).Return(location.Location{}, errors.New("no valid GPS data found"))
	resolver := new(mocks.MockStreamResolver)
	s, _ := newSpeedLimitService(provider, resolver, time.Second)

	err := s.submitCurrentFix(context.Background())

	assert.EqualError(t, err, "no valid GPS data found")
	resolver.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestSpeedLimitService_StartStop(t *testing.T) {
	provider := new(mocks.MockLocationProvider)
	provider.On("GetLocation", mock.Anything).
		Return(location.Location{Latitude: 48.8588, Longitude: 2.2943, Timestamp: fixTime}, nil)
	provider.On("Close").Return(nil)
	submitted := make(chan struct{}, 1)
	resolver := new(mocks.MockStreamResolver)
	resolver.On("Submit", "truck-7", mock.Anything, constants.Mode("")).
		Run(func(mock.Arguments) {
			select {
			case submitted <- struct{}{}:
			default:
			}
		}).
		Return("r-1", nil)
	s, _ := newSpeedLimitService(provider, resolver, 10*time.Millisecond)

	require.NoError(t, s.Start())
	assert.EqualError(t, s.Start(), "speed limit service is already running")

	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("no fix submitted")
	}

	require.NoError(t, s.Stop())
	provider.AssertCalled(t, "Close")
	assert.EqualError(t, s.Stop(), "speed limit service is not running")
}

func TestSpeedLimitService_StartRequiresDeviceID(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("")
	s := NewSpeedLimitService(time.Second, time.Second, deviceInfo, new(mocks.MockLocationProvider),
		new(mocks.MockStreamResolver), zerolog.Nop())

	assert.EqualError(t, s.Start(), "device ID is not set")
}
