// locksim simulates a fleet of cloud-connected bike lock devices.
//
// Each simulated device maintains a local lock state machine, mirrors it to
// a cloud device shadow over mutual-TLS MQTT, and reacts to desired-state
// deltas pushed by the cloud: unlock requests, auto-lock countdowns, clamp
// control. Racks of locks can share a single connection through their master
// device or connect individually.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rackworks/locksim/internal/connection"
	"github.com/rackworks/locksim/internal/infrastructure/config"
	"github.com/rackworks/locksim/internal/infrastructure/database"
	"github.com/rackworks/locksim/internal/infrastructure/influxdb"
	"github.com/rackworks/locksim/internal/infrastructure/logging"
	"github.com/rackworks/locksim/internal/simulator"
	"github.com/rackworks/locksim/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting locksim",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Storage.Path,
		WALMode:     cfg.Storage.WALMode,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Storage.Path)

	st := store.New(db, cfg.Storage.CertsDir)

	// Connect to InfluxDB (optional)
	var telemetry simulator.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connection manager with the real paho TLS transport
	manager := connection.NewManager(connection.Config{
		Port:           cfg.MQTT.Port,
		QoS:            byte(cfg.MQTT.QoS),
		KeepAlive:      cfg.GetKeepAlive(),
		ConnectTimeout: cfg.GetConnectTimeout(),
	}, nil, log)

	sim := simulator.New(cfg, manager, st, telemetry, log)

	if err := sim.LoadLocks(ctx); err != nil {
		return fmt.Errorf("loading fleet: %w", err)
	}

	if err := sim.Connect(ctx); err != nil {
		return fmt.Errorf("connecting fleet: %w", err)
	}
	defer func() {
		log.Info("disconnecting fleet")
		sim.Disconnect()
	}()
	log.Info("fleet connected", "mode", cfg.Simulation.Mode)

	if err := sim.Start(ctx); err != nil {
		return fmt.Errorf("starting simulation: %w", err)
	}
	defer sim.Stop()

	log.Info("locksim running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutdown signal received")

	return nil
}

// getConfigPath returns the config file path from args or the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if env := os.Getenv("LOCKSIM_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
