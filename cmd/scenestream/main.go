// Command scenestream runs a headless streaming client: it connects to the
// configured nodes, drives the streaming subsystem from a fixed-rate game
// loop and records its status.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/crash"
	"github.com/OCAP2/scenestream/internal/dispatcher"
	"github.com/OCAP2/scenestream/internal/headless"
	"github.com/OCAP2/scenestream/internal/logging"
	"github.com/OCAP2/scenestream/internal/monitor"
	"github.com/OCAP2/scenestream/internal/nodelist"
	intOtel "github.com/OCAP2/scenestream/internal/otel"
	"github.com/OCAP2/scenestream/internal/processor"
	"github.com/OCAP2/scenestream/internal/session"
	"github.com/OCAP2/scenestream/internal/streaming"
	"github.com/OCAP2/scenestream/internal/transport"
	"github.com/OCAP2/scenestream/internal/view"
	"github.com/OCAP2/scenestream/internal/watchdog"
	"github.com/OCAP2/scenestream/internal/worker"
)

// BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	AppName string = "scenestream"
)

var (
	SlogManager  *logging.SlogManager
	Logger       *slog.Logger
	OTelProvider *intOtel.Provider

	SessionStartTime time.Time = time.Now()
)

func main() {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}

	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(nil, "info", nil)
	Logger = SlogManager.Logger()

	if err := config.Load(configDir); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Info("Loaded config", "dir", configDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		Logger.Error("Exiting with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	sessionCtx := session.NewContext()
	SlogManager.SetContextProvider(sessionCtx.LogAttrs)

	logFile, closeLogs, err := setupLogging()
	if err != nil {
		return err
	}
	defer closeLogs()

	Logger.Info("Starting up", "version", CurrentVersion, "buildDate", BuildDate)

	zl := zerolog.New(logFile).With().Timestamp().Str("app", AppName).Logger()

	reporter := setupCrashReporter(ctx)

	backend, err := initStorage()
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			Logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	var points monitor.PointWriter
	if influxManager := initInflux(ctx, zl); influxManager != nil {
		points = influxManager
		defer func() {
			if err := influxManager.Close(); err != nil {
				Logger.Error("Failed to close InfluxDB manager", "error", err)
			}
		}()
	}

	monitorService := monitor.NewService(monitor.Dependencies{
		Storage:    backend,
		Influx:     points,
		StatusFile: viper.GetString("statusFile"),
		Logger:     Logger,
	})
	if err := monitorService.Start(); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer monitorService.Stop()

	// inbound packet stage
	// OTelProvider.Meter is a no-op when telemetry is off or failed to start.
	meter := OTelProvider.Meter(logging.InstrumentationName)
	eventDispatcher, err := dispatcher.New(logging.NewDispatcherLogger(zl), meter)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	streamCfg := config.GetStreamingConfig()
	packets := processor.New(eventDispatcher, nil, Logger, streamCfg.QueueLimit)

	// headless collaborators
	camera := headless.NewCamera(r3.Vector{Y: 1.8}, r3.Vector{Z: -1})
	avatar := headless.NewAvatar(r3.Vector{})
	physics := &headless.Physics{}
	textures := headless.NewTextures(0, 0)
	readiness := headless.NewReadiness(true)

	wdCfg := config.GetWatchdogConfig()
	wd := watchdog.New(watchdog.Config{
		Ceiling:           wdCfg.MaxElapsed,
		CheckInterval:     wdCfg.CheckInterval,
		HeartbeatInterval: wdCfg.HeartbeatInterval,
		StatsInterval:     wdCfg.StatsInterval,
	},
		watchdog.WithLogger(Logger),
		watchdog.WithAnnotator(reporter),
		watchdog.WithStallRecorder(backend),
	)

	nodes := nodelist.New()
	state, err := streaming.New(streaming.Config{
		ConnectionTimeout:        streamCfg.ConnectionTimeout,
		HeartbeatInterval:        streamCfg.HeartbeatInterval,
		NackInterval:             streamCfg.NackInterval,
		PruneHorizon:             streamCfg.PruneHorizon,
		StabilityThreshold:       streamCfg.StabilityThreshold,
		InterstitialMode:         streamCfg.InterstitialMode,
		MaxQueryPacketsPerSecond: streamCfg.MaxQueryPacketsPerSecond,
		NacksPerSecond:           streamCfg.NacksPerSecond,
		Query: view.Config{
			QueryInterval: streamCfg.Query.Interval,
			PositionSlop:  streamCfg.Query.PositionSlop,
			DirectionSlop: streamCfg.Query.DirectionSlop,
			RelativeError: streamCfg.Query.RelativeError,
		},
	}, streaming.Dependencies{
		Nodes:     nodes,
		Packets:   packets,
		Camera:    camera,
		LOD:       headless.DefaultLOD(),
		Avatar:    avatar,
		Physics:   physics,
		Textures:  textures,
		Readiness: readiness,
		Watchdog:  wd,
		Observer:  monitorService,
		Logger:    Logger,
		Meter:     meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create streaming state: %w", err)
	}

	workerManager := worker.NewManager(worker.Dependencies{
		Sequences:   state.Sequences,
		SafeLanding: state.SafeLanding,
		Scene:       state.Scene,
	})
	workerManager.RegisterHandlers(eventDispatcher)
	Logger.Info("Packet handlers registered with dispatcher")

	packets.Start(ctx)
	defer packets.Stop()

	if wdCfg.Enabled {
		if err := wd.Start(); err != nil {
			return fmt.Errorf("failed to start watchdog: %w", err)
		}
		defer wd.Stop()
	}

	domain := session.Domain{
		ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte(viper.GetString("domain"))),
		Name:        viper.GetString("domain"),
		URL:         viper.GetString("domain"),
		ConnectedAt: time.Now(),
	}
	sessionCtx.SetDomain(domain)
	reporter.Annotate("domain", domain.Name)
	state.OnDomainConnected(domain.Name, time.Now())

	// dialing blocks until every node answers or times out
	wd.Pause()
	conns, err := connectNodes(nodes, packets)
	wd.Resume()
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	gameLoop(ctx, state, textures, monitorService, streamCfg.TickRate)

	if err := reporter.Discard(); err != nil {
		Logger.Warn("Failed to discard crash annotations", "error", err)
	}

	Logger.Info("Shutting down", "status", state.Status().LandingState)
	return nil
}

// gameLoop ticks the subsystem at tickRate until ctx is cancelled and
// publishes a status snapshot once per second.
func gameLoop(ctx context.Context, state *streaming.State, textures *headless.Textures, mon *monitor.Service, tickRate int) {
	if tickRate <= 0 {
		tickRate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	ctx = logging.ContextWithAttrs(ctx, slog.String("loop", "game"), slog.Int("tickRate", tickRate))
	nextStatus := time.Now()
	for {
		select {
		case <-ctx.Done():
			mon.Publish(state.Status())
			return
		case now := <-ticker.C:
			textures.Step()
			state.Tick(ctx, now)

			if !now.Before(nextStatus) {
				if !mon.Publish(state.Status()) {
					Logger.Debug("Status snapshot dropped")
				}
				nextStatus = now.Add(time.Second)
			}
		}
	}
}

func setupLogging() (*os.File, func(), error) {
	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs dir: %w", err)
	}

	logPath := logging.LogFilePath(logsDir, AppName, SessionStartTime)
	if _, err := os.Stat(logPath); err == nil {
		_ = os.Rename(logPath, logPath+".old")
	}
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	otelCfg := config.GetOTelConfig()
	var metricsFile *os.File
	if otelCfg.Enabled {
		metricsPath := strings.TrimSuffix(logPath, ".log") + ".metrics.log"
		metricsFile, err = os.OpenFile(metricsPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			Logger.Warn("Failed to open metrics file", "path", metricsPath, "error", err)
			metricsFile = nil
		}
	}
	otelOpts := intOtel.Config{
		Enabled:        otelCfg.Enabled,
		ServiceName:    otelCfg.ServiceName,
		BatchTimeout:   otelCfg.BatchTimeout,
		LogWriter:      logFile,
		Endpoint:       otelCfg.Endpoint,
		Insecure:       otelCfg.Insecure,
		MetricInterval: otelCfg.MetricInterval,
	}
	if metricsFile != nil {
		otelOpts.MetricWriter = metricsFile
	}
	OTelProvider, err = intOtel.New(otelOpts)
	if err != nil {
		Logger.Error("Failed to initialize OTel provider", "error", err)
		OTelProvider = nil
	}

	var otelLogProvider *sdklog.LoggerProvider
	if OTelProvider != nil {
		otelLogProvider = OTelProvider.LoggerProvider()
	}

	var extra []slog.Handler
	var gelfHandler *logging.GELFHandler
	if viper.GetBool("graylog.enabled") {
		gelfHandler, err = logging.NewGELFHandler(viper.GetString("graylog.address"), viper.GetString("logLevel"))
		if err != nil {
			Logger.Warn("Failed to connect to Graylog", "error", err)
		} else {
			extra = append(extra, gelfHandler)
		}
	}

	SlogManager.Setup(logFile, viper.GetString("logLevel"), otelLogProvider, extra...)
	Logger = SlogManager.Logger()
	Logger.Info("Logging to file", "path", logPath)

	closeLogs := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if OTelProvider != nil {
			if err := OTelProvider.Shutdown(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to shut down OTel provider: %v\n", err)
			}
		}
		if gelfHandler != nil {
			_ = gelfHandler.Close()
		}
		if metricsFile != nil {
			_ = metricsFile.Close()
		}
		_ = logFile.Close()
	}
	return logFile, closeLogs, nil
}

// setupCrashReporter marks annotations left by a previous run as pending and
// uploads them in the background.
func setupCrashReporter(ctx context.Context) *crash.Reporter {
	crashCfg := config.GetCrashConfig()
	reporter := crash.New(crashCfg.Dir, crashCfg.ServerURL, crashCfg.APIKey, Logger)
	reporter.Annotate("version", CurrentVersion)
	reporter.Annotate("sessionStart", SessionStartTime.UTC().Format(time.RFC3339))

	if found, err := reporter.MarkPending(); err != nil {
		Logger.Warn("Failed to mark previous crash annotations", "error", err)
	} else if found {
		Logger.Info("Found annotations from a previous run")
	}
	if err := reporter.WriteAnnotations(); err != nil {
		Logger.Warn("Failed to write crash annotations", "error", err)
	}

	if crashCfg.ServerURL == "" {
		return reporter
	}
	go func() {
		if err := reporter.Healthcheck(ctx); err != nil {
			Logger.Info("Crash server is offline", "error", err)
			return
		}
		n, err := reporter.UploadPending(ctx)
		if err != nil {
			Logger.Warn("Failed to upload crash reports", "error", err)
		}
		if n > 0 {
			Logger.Info("Uploaded crash reports", "count", n)
		}
	}()
	return reporter
}

// connectNodes dials every configured node and registers it with the list.
// A node that cannot be reached is skipped.
func connectNodes(nodes *nodelist.List, packets *processor.Processor) ([]*transport.Conn, error) {
	cfgs, err := config.GetNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}

	var conns []*transport.Conn
	for _, nc := range cfgs {
		id, err := uuid.Parse(nc.ID)
		if err != nil {
			Logger.Warn("Skipping node with invalid id", "id", nc.ID, "error", err)
			continue
		}
		nodeType, err := nodelist.ParseNodeType(nc.Type)
		if err != nil {
			Logger.Warn("Skipping node with unknown type", "id", nc.ID, "type", nc.Type, "error", err)
			continue
		}

		conn, err := transport.Dial(transport.Config{
			URL:            nc.URL,
			Node:           id,
			OnConnected:    func() { nodes.ActivateNode(id) },
			OnDisconnected: func() { nodes.DeactivateNode(id) },
			OnLost:         func() { nodes.KillNode(id) },
		}, packets, Logger)
		if err != nil {
			Logger.Warn("Failed to connect to node", "id", nc.ID, "url", nc.URL, "error", err)
			continue
		}
		if _, err := nodes.AddNode(id, nodeType, conn); err != nil {
			_ = conn.Close()
			return conns, fmt.Errorf("failed to add node %s: %w", id, err)
		}
		nodes.ActivateNode(id)
		conns = append(conns, conn)
		Logger.Info("Connected to node", "id", id, "type", nodeType.String(), "url", nc.URL)
	}
	return conns, nil
}
