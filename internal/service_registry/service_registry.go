package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/speed-agent/internal/registry"
	"github.com/benmeehan/speed-agent/internal/services"
	"github.com/benmeehan/speed-agent/internal/utils"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/benmeehan/speed-agent/pkg/identity"
	"github.com/benmeehan/speed-agent/pkg/location"
	"github.com/benmeehan/speed-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	mqttClient  mqtt.MQTTClient
	fileClient  file.FileOperations
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		mqttClient: mqttClient,
		fileClient: fileClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Services returns the registered service names in registration order.
func (sr *ServiceRegistry) Services() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deviceInfo identity.DeviceInfoInterface,
	resolver services.StreamResolver) error {
	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "fix_ingest",
			enabled: config.Services.FixIngest.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewFixIngestService(
					config.Services.FixIngest.Topic,
					config.Services.FixIngest.QOS,
					config.Services.FixIngest.IdleTimeout,
					config.Services.FixIngest.SweepInterval,
					sr.mqttClient,
					resolver,
					sr.Logger,
				), nil
			},
		},
		{
			name:    "speed_limit",
			enabled: config.Services.SpeedLimit.Enabled,
			constructor: func() (registry.Service, error) {
				provider, err := sr.newLocationProvider(config)
				if err != nil {
					return nil, err
				}
				return services.NewSpeedLimitService(
					config.Services.SpeedLimit.Interval,
					config.Services.SpeedLimit.ReadTimeout,
					deviceInfo,
					provider,
					resolver,
					sr.Logger,
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

func (sr *ServiceRegistry) newLocationProvider(config *utils.Config) (location.Provider, error) {
	cfg := config.Services.SpeedLimit
	switch cfg.Provider {
	case "gps":
		return location.NewDeviceSensorProvider(cfg.GPSDevicePort, cfg.GPSBaudRate), nil
	case "replay":
		return location.NewReplayProvider(cfg.ReplayFile, cfg.ReplayLoop, sr.fileClient), nil
	case "google":
		provider, err := location.NewGoogleGeolocationProvider(cfg.MapsAPIKey, cfg.ModemIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to create Google Geolocation provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown location provider %q", cfg.Provider)
	}
}
