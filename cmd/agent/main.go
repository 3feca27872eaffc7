package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/internal/resolution"
	"github.com/benmeehan/speed-agent/internal/service_registry"
	"github.com/benmeehan/speed-agent/internal/services"
	"github.com/benmeehan/speed-agent/internal/speedsource"
	"github.com/benmeehan/speed-agent/internal/utils"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/benmeehan/speed-agent/pkg/identity"
	"github.com/benmeehan/speed-agent/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the agent configuration")
	importPath := flag.String("import", "", "import a road segment dataset into a store and exit")
	outPath := flag.String("out", "speed_limits.db", "store written by -import")
	flag.Parse()

	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fileClient := file.NewFileService()

	if *importPath != "" {
		if err := runImport(*importPath, *outPath, fileClient, logger); err != nil {
			logger.Fatal().Err(err).Msg("Import failed")
		}
		return
	}

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	level, _ := zerolog.ParseLevel(config.Logging.Level)
	logger = logger.Level(level)

	if err := run(config, fileClient, logger); err != nil {
		logger.Fatal().Err(err).Msg("Agent stopped with error")
	}
}

func run(config *utils.Config, fileClient file.FileOperations, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceInfo := identity.NewDeviceInfo(config.Identity.DeviceFile, fileClient)
	if err := deviceInfo.LoadDeviceInfo(); err != nil {
		return fmt.Errorf("failed to load device information: %w", err)
	}
	deviceID, err := deviceInfo.EnsureDeviceID()
	if err != nil {
		return err
	}
	logger = logger.With().Str("device_id", deviceID).Logger()

	sources, err := buildSources(ctx, config, fileClient, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := resolution.NewMetrics(reg)

	// Outcomes go to MQTT when any service talks to the broker; otherwise they are only logged.
	var mqttClient mqtt.MQTTClient
	handler := func(outcome models.ResolutionOutcome) {
		logger.Info().
			Str("stream_id", outcome.StreamID).
			Str("source", string(outcome.Source)).
			Str("label", outcome.Label()).
			Msg("Resolution outcome")
	}
	if config.Services.SpeedLimit.Enabled || config.Services.FixIngest.Enabled {
		// Generate a unique MQTT Client ID by appending a UUID
		clientID := config.MQTT.ClientID + "-" + uuid.NewString()
		logger.Info().Str("client_id", clientID).Msg("Using MQTT client ID")

		mqttService := mqtt.NewMqttService(fileClient)
		if err := mqttService.Initialize(config.MQTT.Broker, clientID, config.MQTT.CACertificate); err != nil {
			return fmt.Errorf("failed to initialize MQTT connection: %w", err)
		}
		defer mqttService.Disconnect(250)
		mqttClient = mqttService

		publisher := services.NewOutcomePublisher(config.Outcomes.Topic, config.Outcomes.QOS,
			config.Outcomes.PublishTimeout, mqttClient, logger)
		handler = publisher.Handle
	}

	pool := utils.NewWorkerPool(config.Resolution.Workers, logger)
	manager, err := resolution.NewManager(resolution.Config{
		Mode:    config.Resolution.Mode,
		Timeout: config.Resolution.Timeout,
	}, sources, handler, pool, metrics, logger)
	if err != nil {
		pool.Shutdown()
		return fmt.Errorf("failed to create resolution manager: %w", err)
	}

	serviceRegistry := service_registry.NewServiceRegistry(mqttClient, fileClient, logger)
	if err := serviceRegistry.RegisterServices(config, deviceInfo, manager); err != nil {
		manager.Close()
		pool.Shutdown()
		return err
	}
	if err := serviceRegistry.StartServices(); err != nil {
		manager.Close()
		pool.Shutdown()
		return err
	}
	logger.Info().Str("mode", string(config.Resolution.Mode)).Msg("All services started successfully")

	g, gctx := errgroup.WithContext(ctx)
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server := &http.Server{Addr: config.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info().Str("address", config.Metrics.Address).Msg("Serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	waitErr := g.Wait()

	logger.Info().Msg("Shutting down gracefully...")
	stopErr := serviceRegistry.StopServices()
	manager.Close()
	pool.Shutdown()

	return errors.Join(waitErr, stopErr)
}

func runImport(datasetPath, storePath string, fileClient file.FileOperations, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := speedsource.OpenWritableStore(storePath)
	if err != nil {
		return err
	}
	defer db.Close()

	dataset := speedsource.NewStreamedDataset(speedsource.FileDataset(datasetPath, fileClient), logger)
	stats, err := speedsource.ImportDataset(ctx, db, dataset, logger)
	if err != nil {
		return err
	}

	hash, err := fileClient.GetFileHash(storePath)
	if err != nil {
		return err
	}
	logger.Info().
		Str("store", storePath).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Str("sha256", hash).
		Msg("Import complete")
	return nil
}
