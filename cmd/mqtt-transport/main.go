// mqtt-transport - MQTT output/input stage for an event pipeline
//
// This is the main entry point for the mqtt-transport daemon. It reads
// events (one payload per line) from standard input, publishes them to a
// broker through a managed session, and relays inbound messages and
// transport events to the log and the optional HTTP/WebSocket API.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/nerrad567/mqtt-transport/migrations"

	"github.com/nerrad567/mqtt-transport/internal/api"
	"github.com/nerrad567/mqtt-transport/internal/infrastructure/config"
	"github.com/nerrad567/mqtt-transport/internal/infrastructure/database"
	"github.com/nerrad567/mqtt-transport/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqtt-transport/internal/infrastructure/logging"
	"github.com/nerrad567/mqtt-transport/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// stopMargin is added to the configured shutdown grace so Stop can
	// report abandoned messages before the hard deadline.
	stopMargin = 5 * time.Second

	// eventRelayBuffer sizes the hand-off between the event logger and the WebSocket hub.
	eventRelayBuffer = 64
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments; the first, if present, is the config path
//   - stdin: Source of newline-delimited payloads when ingest.stdin is set
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdin io.Reader) error { //nolint:gocognit,gocyclo // Sequential startup of optional components
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting mqtt-transport",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	connCfg, err := transport.NewConnectionConfig(transport.ParamsFromConfig(cfg.MQTT))
	if err != nil {
		return fmt.Errorf("mqtt configuration: %w", err)
	}
	log.Info("mqtt configuration validated", "config", connCfg.String())

	opts := []transport.Option{transport.WithLogger(log.With("component", "transport"))}

	// Open the outbound store (optional)
	var db *database.DB
	if cfg.Store.Enabled {
		db, err = openStore(ctx, cfg.Store, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		opts = append(opts, transport.WithStore(transport.NewSQLStore(db, connCfg.ClientID())))
	} else {
		log.Info("outbound store disabled")
	}

	// The hub exists before the transport so inbound messages can be relayed
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.With("component", "websocket"))
		go hub.Run(ctx)
	}

	if connCfg.Mode() != transport.ModePublish {
		opts = append(opts, transport.WithHandler(inboundHandler(log, hub)))
	}

	tr, err := transport.New(connCfg, opts...)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}

	var wg sync.WaitGroup
	var relay chan transport.Event
	if hub != nil {
		relay = make(chan transport.Event, eventRelayBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Relay(ctx, relay)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(log, tr.Events(), relay)
	}()

	// Stop closes Events, which ends the relay goroutines even if Start fails
	defer func() {
		log.Info("stopping transport")
		stopCtx, cancel := context.WithTimeout(context.Background(), connCfg.ShutdownGrace()+stopMargin)
		defer cancel()
		if stopErr := tr.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping transport", "error", stopErr)
		}
		wg.Wait()
	}()
	if err := tr.Start(); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	log.Info("transport started", "broker", connCfg.URL(), "client_id", connCfg.ClientID(), "mode", string(connCfg.Mode()))

	// Connect to InfluxDB (optional)
	var influxSink *influxdb.Sink
	if cfg.InfluxDB.Enabled {
		influxSink, err = influxdb.Connect(ctx, cfg.InfluxDB,
			influxdb.WithErrorHandler(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}

		reportCtx, stopReporting := context.WithCancel(ctx)
		reporter := transport.NewReporter(tr, influxSink, cfg.GetReportInterval(), nil)
		done := make(chan struct{})
		go func() {
			defer close(done)
			reporter.Run(reportCtx)
		}()
		defer func() {
			stopReporting()
			<-done
			log.Info("closing InfluxDB connection")
			influxSink.Close()
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
			"measurement", influxSink.Measurement(),
			"report_interval", cfg.GetReportInterval().String(),
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start HTTP API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log.With("component", "api"),
			Transport: tr,
			Hub:       hub,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, influxSink); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Ingest from stdin (optional)
	if cfg.Ingest.Stdin {
		if connCfg.Mode() == transport.ModeSubscribe {
			log.Warn("ingest.stdin ignored in subscribe mode")
		} else {
			go ingest(ctx, stdin, tr, cfg.Ingest.Attributes, log)
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred functions run in reverse order: API, InfluxDB, transport, database
	log.Info("mqtt-transport stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// The first argument wins, then MQTT_TRANSPORT_CONFIG, then the default.
func getConfigPath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if path := os.Getenv("MQTT_TRANSPORT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openStore opens the SQLite outbound store and applies migrations.
func openStore(ctx context.Context, cfg config.StoreConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck,gosec // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	applied, _, err := db.MigrationStatus(ctx)
	if err != nil {
		db.Close() //nolint:errcheck,gosec // Already failing
		return nil, fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("outbound store ready", "path", db.Path(), "migrations", len(applied))
	return db, nil
}

// inboundHandler logs inbound messages and relays them to the hub.
func inboundHandler(log *logging.Logger, hub *api.Hub) transport.Handler {
	return func(ctx context.Context, m transport.InboundMessage) error {
		log.Info("mqtt message received",
			"topic", m.Topic,
			"qos", m.QoS,
			"bytes", len(m.Payload),
			"attributes", m.Attributes,
		)
		if hub != nil {
			return hub.HandleInbound(ctx, m)
		}
		return nil
	}
}

// logEvents logs transport events until the channel closes, forwarding
// each to relay when set.
func logEvents(log *logging.Logger, events <-chan transport.Event, relay chan<- transport.Event) {
	if relay != nil {
		defer close(relay)
	}
	for ev := range events {
		switch ev.Kind {
		case transport.EventConnected, transport.EventClosed:
			log.Info("transport event", "kind", ev.Kind.String(), "session_id", ev.SessionID)
		case transport.EventReconnecting:
			log.Info("transport event", "kind", ev.Kind.String(), "attempt", ev.Attempt, "delay", ev.Delay.String())
		default:
			log.Warn("transport event", "kind", ev.Kind.String(), "error", ev.Error(), "topic", ev.Topic)
		}
		if relay != nil {
			select {
			case relay <- ev:
			default:
			}
		}
	}
}

// ingest publishes each line of r until EOF or cancellation. An empty
// line is skipped.
func ingest(ctx context.Context, r io.Reader, tr *transport.Transport, attrs map[string]string, log *logging.Logger) {
	scanner := bufio.NewScanner(r)
	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		if err := tr.Publish(ctx, payload, attrs); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			log.Warn("ingest publish failed", "error", err)
			continue
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		log.Error("reading stdin", "error", err)
	}
	log.Info("stdin closed", "published", lines)
}

// healthCheck verifies optional components are reachable. The broker is
// not checked: the transport keeps retrying in the background.
func healthCheck(ctx context.Context, db *database.DB, influxSink *influxdb.Sink) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if influxSink != nil {
		if err := influxSink.Ping(ctx); err != nil {
			return err
		}
	}

	return nil
}
