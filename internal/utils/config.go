package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/rs/zerolog"
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
	} `yaml:"mqtt"`

	Identity struct {
		DeviceFile string `yaml:"device_file"` // Path to the device identity file
	} `yaml:"identity"`

	Logging struct {
		Level string `yaml:"level"` // zerolog level name
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"` // Serve Prometheus metrics
		Address string `yaml:"address"` // Listen address for /metrics
	} `yaml:"metrics"`

	Resolution struct {
		Mode    constants.Mode `yaml:"mode"`    // Default source: local, local_stream or remote
		Timeout time.Duration  `yaml:"timeout"` // Upper bound for one resolution, queueing included
		Workers int            `yaml:"workers"` // Resolutions running at once
	} `yaml:"resolution"`

	Store struct {
		Enabled          bool          `yaml:"enabled"`           // Enable the indexed geometry store
		Driver           string        `yaml:"driver"`            // sqlite or pgx
		PackagePath      string        `yaml:"package_path"`      // Read-only packaged sqlite store
		PackageObject    string        `yaml:"package_object"`    // Object storage key of the package, overrides package_path
		PackageSHA256    string        `yaml:"package_sha256"`    // Optional package checksum
		WritablePath     string        `yaml:"writable_path"`     // Where the package is provisioned
		ProvisionTimeout time.Duration `yaml:"provision_timeout"` // Upper bound for one package download
		DSN              string        `yaml:"dsn"`               // pgx connection string
	} `yaml:"store"`

	Dataset struct {
		Enabled bool   `yaml:"enabled"` // Enable the streamed road geometry dataset
		Path    string `yaml:"path"`    // JSON array of road segments on disk
		Object  string `yaml:"object"`  // Object storage key, overrides path
	} `yaml:"dataset"`

	Remote struct {
		Enabled   bool          `yaml:"enabled"`    // Enable the remote query service
		Endpoint  string        `yaml:"endpoint"`   // Overpass interpreter URL
		Timeout   time.Duration `yaml:"timeout"`    // HTTP client timeout
		UserAgent string        `yaml:"user_agent"` // User-Agent sent with queries
	} `yaml:"remote"`

	ObjectStorage struct {
		Endpoint  string `yaml:"endpoint"`   // MinIO endpoint, empty disables object storage
		AccessKey string `yaml:"access_key"` // Access key ID
		SecretKey string `yaml:"secret_key"` // Secret access key
		UseSSL    bool   `yaml:"use_ssl"`    // Use HTTPS
		Bucket    string `yaml:"bucket"`     // Bucket holding packaged datasets
	} `yaml:"object_storage"`

	Outcomes struct {
		Topic          string        `yaml:"topic"`           // Outcomes go to <topic>/<stream_id>
		QOS            int           `yaml:"qos"`             // MQTT QoS level for outcome messages
		PublishTimeout time.Duration `yaml:"publish_timeout"` // Upper bound for one MQTT publish
	} `yaml:"outcomes"`

	Services struct {
		SpeedLimit struct {
			Enabled       bool          `yaml:"enabled"`         // Resolve this device's own fixes
			Interval      time.Duration `yaml:"interval"`        // Interval between location reads
			Provider      string        `yaml:"provider"`        // gps, replay or google
			GPSDevicePort string        `yaml:"gps_device_port"` // UNIX port where the GPS sensor is mounted
			GPSBaudRate   int           `yaml:"gps_baud_rate"`   // The baud rate for the GPS sensor
			ReplayFile    string        `yaml:"replay_file"`     // NMEA log for the replay provider
			ReplayLoop    bool          `yaml:"replay_loop"`     // Restart the log at its end
			MapsAPIKey    string        `yaml:"maps_api_key"`    // Google Maps API key
			ModemIndex    int           `yaml:"modem_index"`     // mmcli modem index for cell towers
			ReadTimeout   time.Duration `yaml:"read_timeout"`    // Upper bound for one location read
		} `yaml:"speed_limit"`

		FixIngest struct {
			Enabled       bool          `yaml:"enabled"`        // Resolve fixes published by other devices
			Topic         string        `yaml:"topic"`          // MQTT topic filter for incoming fixes
			QOS           int           `yaml:"qos"`            // MQTT QoS level
			IdleTimeout   time.Duration `yaml:"idle_timeout"`   // Forget streams idle for this long
			SweepInterval time.Duration `yaml:"sweep_interval"` // How often idle streams are swept
		} `yaml:"fix_ingest"`
	} `yaml:"services"`
}

// LoadConfig loads the YAML configuration from the specified file, applies
// defaults and validates it.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills zero values that have a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9100"
	}
	if c.Resolution.Mode == "" {
		c.Resolution.Mode = constants.ModeLocal
	}
	if c.Resolution.Timeout == 0 {
		c.Resolution.Timeout = constants.DefaultResolutionTimeout
	}
	if c.Resolution.Workers == 0 {
		c.Resolution.Workers = constants.DefaultResolutionWorkers
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.ProvisionTimeout == 0 {
		c.Store.ProvisionTimeout = constants.DefaultProvisionTimeout
	}
	if c.Remote.Endpoint == "" {
		c.Remote.Endpoint = constants.DefaultRemoteEndpoint
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}

	if c.Outcomes.PublishTimeout == 0 {
		c.Outcomes.PublishTimeout = 5 * time.Second
	}

	sl := &c.Services.SpeedLimit
	if sl.Interval == 0 {
		sl.Interval = time.Second
	}
	if sl.Provider == "" {
		sl.Provider = "gps"
	}
	if sl.GPSBaudRate == 0 {
		sl.GPSBaudRate = 9600
	}
	if sl.ReadTimeout == 0 {
		sl.ReadTimeout = 5 * time.Second
	}

	fi := &c.Services.FixIngest
	if fi.IdleTimeout == 0 {
		fi.IdleTimeout = 10 * time.Minute
	}
	if fi.SweepInterval == 0 {
		fi.SweepInterval = time.Minute
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %w", err)
	}
	if !c.Resolution.Mode.Valid() {
		add("resolution.mode: unknown mode %q", c.Resolution.Mode)
	}
	if c.Resolution.Timeout < 0 {
		add("resolution.timeout must not be negative")
	}
	if c.Resolution.Workers < 0 {
		add("resolution.workers must not be negative")
	}
	if c.Store.ProvisionTimeout < 0 {
		add("store.provision_timeout must not be negative")
	}

	if !c.Store.Enabled && !c.Dataset.Enabled && !c.Remote.Enabled {
		add("at least one of store, dataset or remote must be enabled")
	}
	switch c.Resolution.Mode {
	case constants.ModeLocal:
		if !c.Store.Enabled {
			add("resolution.mode %q requires store.enabled", c.Resolution.Mode)
		}
	case constants.ModeLocalStream:
		if !c.Dataset.Enabled {
			add("resolution.mode %q requires dataset.enabled", c.Resolution.Mode)
		}
	case constants.ModeRemote:
		if !c.Remote.Enabled {
			add("resolution.mode %q requires remote.enabled", c.Resolution.Mode)
		}
	}

	objectStorage := c.ObjectStorage.Endpoint != ""
	if c.Store.Enabled {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.WritablePath == "" {
				add("store.writable_path is required for the sqlite driver")
			}
			if c.Store.PackagePath == "" && c.Store.PackageObject == "" {
				add("store.package_path or store.package_object is required for the sqlite driver")
			}
			if c.Store.PackageObject != "" && !objectStorage {
				add("store.package_object requires object_storage.endpoint")
			}
		case "pgx":
			if c.Store.DSN == "" {
				add("store.dsn is required for the pgx driver")
			}
		default:
			add("store.driver: unknown driver %q", c.Store.Driver)
		}
	}

	if c.Dataset.Enabled {
		if c.Dataset.Path == "" && c.Dataset.Object == "" {
			add("dataset.path or dataset.object is required")
		}
		if c.Dataset.Object != "" && !objectStorage {
			add("dataset.object requires object_storage.endpoint")
		}
	}
	if objectStorage && c.ObjectStorage.Bucket == "" {
		add("object_storage.bucket is required")
	}

	sl := c.Services.SpeedLimit
	if sl.Enabled {
		switch sl.Provider {
		case "gps":
			if sl.GPSDevicePort == "" {
				add("services.speed_limit.gps_device_port is required for the gps provider")
			}
		case "replay":
			if sl.ReplayFile == "" {
				add("services.speed_limit.replay_file is required for the replay provider")
			}
		case "google":
			if sl.MapsAPIKey == "" {
				add("services.speed_limit.maps_api_key is required for the google provider")
			}
		default:
			add("services.speed_limit.provider: unknown provider %q", sl.Provider)
		}
		if sl.Interval <= 0 {
			add("services.speed_limit.interval must be positive")
		}
	}

	fi := c.Services.FixIngest
	if fi.Enabled {
		if fi.Topic == "" {
			add("services.fix_ingest.topic is required")
		}
	}

	if sl.Enabled || fi.Enabled {
		if c.MQTT.Broker == "" {
			add("mqtt.broker is required")
		}
		if c.Outcomes.Topic == "" {
			add("outcomes.topic is required")
		}
	}
	if c.Outcomes.QOS < 0 || c.Outcomes.QOS > 2 {
		add("outcomes.qos must be 0, 1 or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
