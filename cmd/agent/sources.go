package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/benmeehan/speed-agent/internal/resolution"
	"github.com/benmeehan/speed-agent/internal/speedsource"
	"github.com/benmeehan/speed-agent/internal/utils"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/benmeehan/speed-agent/pkg/s3"
	"github.com/rs/zerolog"
)

// buildSources creates the enabled speed sources. The sqlite package is
// provisioned eagerly; a failure is logged and retried on first use.
func buildSources(ctx context.Context, config *utils.Config, fileClient file.FileOperations,
	logger zerolog.Logger) (resolution.Sources, error) {
	var sources resolution.Sources

	var storage s3.ObjectStorageClient
	if config.ObjectStorage.Endpoint != "" {
		client := s3.NewObjectStorage()
		if err := client.Connect(config.ObjectStorage.Endpoint, config.ObjectStorage.AccessKey,
			config.ObjectStorage.SecretKey, config.ObjectStorage.UseSSL); err != nil {
			return sources, fmt.Errorf("failed to connect to object storage: %w", err)
		}
		storage = client
	}

	if config.Store.Enabled {
		var provisioner *speedsource.Provisioner
		if config.Store.Driver == speedsource.DriverSQLite {
			var fetcher speedsource.PackageFetcher = speedsource.FilePackage{
				Path:       config.Store.PackagePath,
				FileClient: fileClient,
			}
			if config.Store.PackageObject != "" {
				fetcher = speedsource.ObjectPackage{
					Bucket:     config.ObjectStorage.Bucket,
					Object:     config.Store.PackageObject,
					Storage:    storage,
					FileClient: fileClient,
				}
			}
			provisioner = speedsource.NewProvisioner(fetcher, config.Store.WritablePath,
				config.Store.PackageSHA256, fileClient, logger).
				WithFetchTimeout(config.Store.ProvisionTimeout)
			if err := provisioner.Ensure(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to provision speed limit store")
			}
		}

		store, err := speedsource.NewIndexedStore(speedsource.StoreConfig{
			Driver: config.Store.Driver,
			DSN:    config.Store.DSN,
		}, provisioner, logger)
		if err != nil {
			return sources, err
		}
		sources.Local = store
	}

	if config.Dataset.Enabled {
		open := speedsource.FileDataset(config.Dataset.Path, fileClient)
		if config.Dataset.Object != "" {
			open = speedsource.ObjectDataset(config.ObjectStorage.Bucket, config.Dataset.Object, storage)
		}
		sources.LocalStream = speedsource.NewStreamedDataset(open, logger)
	}

	if config.Remote.Enabled {
		sources.Remote = speedsource.NewRemoteQuery(speedsource.RemoteConfig{
			Endpoint:  config.Remote.Endpoint,
			Timeout:   config.Remote.Timeout,
			UserAgent: config.Remote.UserAgent,
		}, &http.Client{Timeout: config.Remote.Timeout}, logger)
	}

	logger.Info().Interface("modes", sources.Modes()).Msg("Speed sources ready")
	return sources, nil
}
