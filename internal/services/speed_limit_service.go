package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/pkg/identity"
	"github.com/benmeehan/speed-agent/pkg/location"
	"github.com/rs/zerolog"
)

// FixSubmitter hands a fix to the coordinator of a stream.
type FixSubmitter interface {
	Submit(streamID string, fix models.Fix, mode constants.Mode) (string, error)
}

// SpeedLimitService periodically reads this device's location and resolves
// the speed limit for it. Every read supersedes the previous one.
type SpeedLimitService struct {
	// Configuration fields
	interval    time.Duration
	readTimeout time.Duration

	// Dependencies
	deviceInfo       identity.DeviceInfoInterface
	locationProvider location.Provider
	resolver         FixSubmitter
	logger           zerolog.Logger
	now              func() time.Time

	// Internal state management
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSpeedLimitService creates a new SpeedLimitService instance with the provided configuration.
func NewSpeedLimitService(interval, readTimeout time.Duration, deviceInfo identity.DeviceInfoInterface,
	locationProvider location.Provider, resolver FixSubmitter, logger zerolog.Logger) *SpeedLimitService {
	return &SpeedLimitService{
		interval:         interval,
		readTimeout:      readTimeout,
		deviceInfo:       deviceInfo,
		locationProvider: locationProvider,
		resolver:         resolver,
		logger:           logger,
		now:              time.Now,
	}
}

// Start begins reading locations on every tick.
func (s *SpeedLimitService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("SpeedLimitService is already running")
		return errors.New("speed limit service is already running")
	}
	if s.deviceInfo.GetDeviceID() == "" {
		return errors.New("device ID is not set")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.submitCurrentFix(s.ctx); err != nil {
					s.logger.Error().Err(err).Msg("Failed to submit current fix")
				}
			case <-s.ctx.Done():
				s.logger.Info().Msg("SpeedLimitService is stopping")
				return
			}
		}
	}()

	s.logger.Info().
		Str("stream_id", s.deviceInfo.GetDeviceID()).
		Dur("interval", s.interval).
		Msg("SpeedLimitService started")
	return nil
}

// Stop stops the read loop and closes the location provider.
func (s *SpeedLimitService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Warn().Msg("SpeedLimitService is not running")
		return errors.New("speed limit service is not running")
	}

	s.cancel()
	s.wg.Wait()
	s.running = false

	if err := s.locationProvider.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close location provider")
		return err
	}

	s.logger.Info().Msg("SpeedLimitService stopped")
	return nil
}

// submitCurrentFix reads one location and submits it on this device's stream.
func (s *SpeedLimitService) submitCurrentFix(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	loc, err := s.locationProvider.GetLocation(ctx)
	if err != nil {
		return err
	}

	fix := models.Fix{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Timestamp: loc.Timestamp,
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = s.now().UTC()
	}

	id, err := s.resolver.Submit(s.deviceInfo.GetDeviceID(), fix, "")
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("resolution_id", id).
		Float64("lat", fix.Latitude).
		Float64("lon", fix.Longitude).
		Msg("Fix submitted")
	return nil
}
