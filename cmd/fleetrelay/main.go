// Fleet Relay - drone fleet coordination service
//
// This is the main entry point for the Fleet Relay application.
// Devices register, poll for commands and report telemetry over HTTP, a
// line-based TCP stream, or MQTT. Observers watch the fleet and send
// commands over the REST API and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleet-relay/internal/api"
	"github.com/nerrad567/fleet-relay/internal/broadcast"
	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-relay/internal/transport"
	"github.com/nerrad567/fleet-relay/internal/transport/mqttbridge"
	"github.com/nerrad567/fleet-relay/internal/transport/stream"
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

	// configEnv overrides the default configuration path.
	configEnv = "FLEETRELAY_CONFIG"

	// mirrorBuffer is the event backlog of the MQTT event mirror.
	mirrorBuffer = 1024
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("fleetrelay", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to the YAML configuration file (env "+configEnv+")")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("fleetrelay %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fleet Relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(*configFlag)
	cfg, found, err := loadConfig(configPath, *configFlag != "")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if found {
		log.Info("configuration loaded", "path", configPath)
	} else {
		log.Info("configuration file not found, using defaults", "path", configPath)
	}

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing useful to do on shutdown
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	app, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer app.shutdown()

	if err := app.start(ctx); err != nil {
		return err
	}

	if err := healthCheck(ctx, app.mqtt, app.influx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.reaper.Run(gctx) })

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	app.shutdown()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}

	log.Info("Fleet Relay stopped")
	return nil
}

// application holds the wired components between startup and shutdown.
type application struct {
	log         *logging.Logger
	engine      *fleet.Engine
	broadcaster *broadcast.Broadcaster
	reaper      *fleet.Reaper
	adapters    []transport.Adapter
	mqtt        *mqtt.Client
	influx      *influxdb.Client
	started     int
	stopped     bool
}

// build wires the engine, observers and transports from cfg. On error
// everything built so far is released.
func build(cfg *config.Config, log *logging.Logger) (_ *application, err error) {
	prom := metrics.New()

	b := broadcast.New()
	b.SetLogger(log)

	engine := fleet.NewEngine(cfg.Fleet,
		fleet.WithPublisher(b),
		fleet.WithRecorder(prom),
		fleet.WithLogger(log),
	)
	prom.ObserveFleet(func() fleet.Stats { return engine.Stats(context.Background()) })
	prom.ObserveSubscribers(b.Count)

	app := &application{
		log:         log,
		engine:      engine,
		broadcaster: b,
		reaper:      fleet.NewReaper(engine, cfg.Fleet.ReaperInterval),
	}
	defer func() {
		if err != nil {
			app.shutdown()
		}
	}()

	if cfg.MQTT.Enabled {
		if err := app.wireMQTT(cfg.MQTT); err != nil {
			return nil, err
		}
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		if err := app.wireInfluxDB(cfg.InfluxDB); err != nil {
			return nil, err
		}
	} else {
		log.Info("InfluxDB disabled")
	}

	if cfg.Stream.Enabled {
		srv := stream.New(cfg.Stream, engine)
		srv.SetLogger(log)
		app.adapters = append(app.adapters, srv)
	}

	if cfg.API.Enabled {
		var link api.ConnectionState
		if app.mqtt != nil {
			link = app.mqtt
		}
		srv, err := api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Metrics:     cfg.Metrics,
			Logger:      log,
			Engine:      engine,
			Broadcaster: b,
			Prometheus:  prom,
			MQTT:        link,
			Version:     version,
		})
		if err != nil {
			return nil, fmt.Errorf("creating API server: %w", err)
		}
		app.adapters = append(app.adapters, srv)
	}

	return app, nil
}

func (a *application) wireMQTT(cfg config.MQTTConfig) error {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	a.mqtt = client
	client.SetLogger(a.log)
	client.SetOnConnect(func() {
		a.log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		a.log.Warn("MQTT disconnected", "error", err)
	})
	a.log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
		"format", cfg.PayloadFormat,
	)

	bridge, err := mqttbridge.New(client, a.engine, cfg)
	if err != nil {
		return fmt.Errorf("creating MQTT bridge: %w", err)
	}
	bridge.SetLogger(a.log)
	a.adapters = append(a.adapters, bridge)

	if cfg.MirrorEvents {
		sink, err := mqttbridge.NewEventSink(client, cfg, mirrorBuffer, a.log)
		if err != nil {
			return fmt.Errorf("creating MQTT event mirror: %w", err)
		}
		if _, err := a.broadcaster.Subscribe(sink, broadcast.AllDevices); err != nil {
			sink.Close() //nolint:errcheck // subscribe already failed
			return fmt.Errorf("subscribing MQTT event mirror: %w", err)
		}
		a.log.Info("MQTT event mirror enabled", "topic", client.Topics().Event("+", "+"))
	}
	return nil
}

func (a *application) wireInfluxDB(cfg config.InfluxDBConfig) error {
	client, err := influxdb.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	a.influx = client
	client.SetOnError(func(err error) {
		a.log.Error("InfluxDB write error", "error", err)
	})
	a.log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)

	if _, err := a.broadcaster.Subscribe(influxdb.NewTelemetrySink(client), broadcast.AllDevices); err != nil {
		return fmt.Errorf("subscribing InfluxDB sink: %w", err)
	}
	return nil
}

// start starts every adapter in order. Listen failures abort startup.
func (a *application) start(ctx context.Context) error {
	for _, ad := range a.adapters {
		if err := ad.Start(ctx); err != nil {
			return fmt.Errorf("starting %s transport: %w", ad.Name(), err)
		}
		a.started++
		a.log.Info("transport started", "transport", ad.Name())
	}
	return nil
}

// shutdown closes adapters in reverse start order, then the broadcaster
// (closing every observer sink), then the broker clients. It runs once.
func (a *application) shutdown() {
	if a.stopped {
		return
	}
	a.stopped = true

	for i := a.started - 1; i >= 0; i-- {
		ad := a.adapters[i]
		a.log.Info("stopping transport", "transport", ad.Name())
		if err := ad.Close(); err != nil {
			a.log.Error("error stopping transport", "transport", ad.Name(), "error", err)
		}
	}

	a.broadcaster.Close()

	if a.mqtt != nil {
		a.log.Info("disconnecting from MQTT")
		if err := a.mqtt.Close(); err != nil {
			a.log.Error("error closing MQTT", "error", err)
		}
	}
	if a.influx != nil {
		a.log.Info("closing InfluxDB connection")
		if err := a.influx.Close(); err != nil {
			a.log.Error("error closing InfluxDB", "error", err)
		}
	}
}

// loadConfig loads the file at path. A missing file means defaults unless
// the path was given explicitly on the command line.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	if explicit {
		cfg, err := config.Load(path)
		return cfg, err == nil, err
	}
	return config.LoadOptional(path)
}

// getConfigPath returns the configuration file path: the --config flag,
// then the FLEETRELAY_CONFIG environment variable, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the optional broker connections. Either client may
// be nil when disabled.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
