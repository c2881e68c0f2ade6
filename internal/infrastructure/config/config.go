package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the lock simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Simulation   SimulationConfig   `yaml:"simulation"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StorageConfig contains SQLite database and certificate directory settings.
type StorageConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// CertsDir is the directory holding per-device certificate and key files
	// plus the shared CA certificate.
	CertsDir string `yaml:"certs_dir"`
}

// MQTTConfig contains settings shared by every simulated device connection.
type MQTTConfig struct {
	// Port is the broker TLS port. The shadow broker contract uses 8883.
	Port int `yaml:"port"`

	// QoS is the quality of service used for shadow publishes and subscriptions.
	// The shadow contract requires at-least-once, so this must be 1 or 2.
	QoS int `yaml:"qos"`

	// KeepAlive is the MQTT keep-alive interval in seconds.
	KeepAlive int `yaml:"keep_alive"`

	// ConnectTimeout is the maximum time in seconds to wait for one
	// connection's TLS handshake and CONNACK before treating it as failed.
	ConnectTimeout int `yaml:"connect_timeout"`
}

// SimulationConfig contains simulator behaviour settings.
type SimulationConfig struct {
	// Mode selects the connection topology: "master_rack" or "individual_lock".
	Mode string `yaml:"mode"`

	// TickInterval is the lock-timer tick period in seconds.
	TickInterval int `yaml:"tick_interval"`

	// HeartbeatInterval is the reported-state refresh period in seconds.
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

// ProvisioningConfig contains control-plane client settings.
type ProvisioningConfig struct {
	// Region is the control-plane region used for request signing.
	Region string `yaml:"region"`

	// Endpoint overrides the control endpoint. Empty means
	// https://iot.{region}.amazonaws.com.
	Endpoint string `yaml:"endpoint"`

	// PolicyName is the policy attached to freshly issued certificates.
	PolicyName string `yaml:"policy_name"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// InfluxDBConfig contains InfluxDB connection settings for simulation telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LOCKSIM_SECTION_KEY
// For example: LOCKSIM_STORAGE_PATH, LOCKSIM_PROVISIONING_SECRET_ACCESS_KEY
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:        "./data/locksim.db",
			WALMode:     true,
			BusyTimeout: 5,
			CertsDir:    "./data/certs",
		},
		MQTT: MQTTConfig{
			Port:           8883,
			QoS:            1,
			KeepAlive:      30,
			ConnectTimeout: 30,
		},
		Simulation: SimulationConfig{
			Mode:              "master_rack",
			TickInterval:      1,
			HeartbeatInterval: 60,
		},
		Provisioning: ProvisioningConfig{
			Region:     "eu-central-1",
			PolicyName: "locksim-device-policy",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LOCKSIM_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Storage
	if v := os.Getenv("LOCKSIM_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LOCKSIM_STORAGE_CERTS_DIR"); v != "" {
		cfg.Storage.CertsDir = v
	}

	// Provisioning credentials - prefer env over file so secrets stay out of YAML
	if v := os.Getenv("LOCKSIM_PROVISIONING_ACCESS_KEY_ID"); v != "" {
		cfg.Provisioning.AccessKeyID = v
	}
	if v := os.Getenv("LOCKSIM_PROVISIONING_SECRET_ACCESS_KEY"); v != "" {
		cfg.Provisioning.SecretAccessKey = v
	}
	if v := os.Getenv("LOCKSIM_PROVISIONING_REGION"); v != "" {
		cfg.Provisioning.Region = v
	}

	// InfluxDB
	if v := os.Getenv("LOCKSIM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Storage.Path == "" {
		errs = append(errs, "storage.path is required")
	}
	if c.Storage.CertsDir == "" {
		errs = append(errs, "storage.certs_dir is required")
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}
	// The shadow contract requires at-least-once delivery.
	if c.MQTT.QoS < 1 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 1 or 2")
	}
	if c.MQTT.KeepAlive < 1 {
		errs = append(errs, "mqtt.keep_alive must be positive")
	}
	if c.MQTT.ConnectTimeout < 1 {
		errs = append(errs, "mqtt.connect_timeout must be positive")
	}

	switch c.Simulation.Mode {
	case "master_rack", "individual_lock":
	default:
		errs = append(errs, "simulation.mode must be master_rack or individual_lock")
	}
	if c.Simulation.TickInterval < 1 {
		errs = append(errs, "simulation.tick_interval must be positive")
	}
	if c.Simulation.HeartbeatInterval < 1 {
		errs = append(errs, "simulation.heartbeat_interval must be positive")
	}

	if c.Provisioning.Region == "" {
		errs = append(errs, "provisioning.region is required")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set LOCKSIM_INFLUXDB_TOKEN)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the MQTT connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeout) * time.Second
}

// GetKeepAlive returns the MQTT keep-alive interval as a Duration.
func (c *Config) GetKeepAlive() time.Duration {
	return time.Duration(c.MQTT.KeepAlive) * time.Second
}

// GetTickInterval returns the simulator tick period as a Duration.
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.Simulation.TickInterval) * time.Second
}

// GetHeartbeatInterval returns the heartbeat period as a Duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Simulation.HeartbeatInterval) * time.Second
}
