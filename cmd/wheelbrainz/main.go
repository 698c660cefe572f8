package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("wheelbrainz v%s\n", version)
	fmt.Println("Steering-wheel input validation and force-feedback daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  wheelbrainz [OPTIONS]")
	fmt.Println("  wheelbrainz send [OPTIONS] telemetry|impact ...")
	fmt.Println("  wheelbrainz incidents [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads a force-feedback wheel through Linux evdev, validates gear")
	fmt.Println("  changes (clutch interlock, abrupt-jump rejection, stall), drives")
	fmt.Println("  spring/damper/surface/impact effects from vehicle telemetry, and")
	fmt.Println("  publishes the resulting vehicle inputs over a websocket.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -device string")
	fmt.Printf("        Wheel evdev node (default %q)\n", defaultDevicePath)
	fmt.Println()
	fmt.Println("  -poll-hz int")
	fmt.Printf("        Device drain frequency in Hz (default %d)\n", defaultPollHz)
	fmt.Println()
	fmt.Println("  -tick-hz int")
	fmt.Printf("        Control loop frequency in Hz (default %d)\n", defaultTickHz)
	fmt.Println()
	def := wheel.DefaultConfig()
	fmt.Println("  -clutch-threshold float")
	fmt.Printf("        Clutch depression at which the clutch counts as engaged (default %.2f)\n", def.Gear.ClutchThreshold)
	fmt.Println()
	fmt.Println("  -stall-throttle float")
	fmt.Printf("        Throttle below which an unclutched request stalls (default %.2f)\n", def.Gear.StallThrottle)
	fmt.Println()
	fmt.Println("  -max-jump int")
	fmt.Printf("        Largest admitted gear distance per shift (default %d)\n", def.Gear.MaxJump)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket for simulator events (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        HTTP/websocket port, 0 disables (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -journal / -journal-path string")
	fmt.Printf("        Incident journal toggle and SQLite path (default %q)\n", defaultJournalPath)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -log-format string")
	fmt.Println("        Log format: text, json (default \"text\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "send":
			os.Exit(runSendSubcommand(os.Args[2:]))
		case "incidents":
			os.Exit(runIncidentsSubcommand(os.Args[2:]))
		}
	}

	def := wheel.DefaultConfig()
	var (
		configPath      = flag.String("config", "", "YAML config file")
		devicePath      = flag.String("device", defaultDevicePath, "Wheel evdev node")
		pollHz          = flag.Int("poll-hz", defaultPollHz, "Device drain frequency in Hz")
		tickHz          = flag.Int("tick-hz", defaultTickHz, "Control loop frequency in Hz")
		clutchThreshold = flag.Float64("clutch-threshold", def.Gear.ClutchThreshold, "Clutch engage threshold [0,1]")
		stallThrottle   = flag.Float64("stall-throttle", def.Gear.StallThrottle, "Stall throttle threshold [0,1]")
		maxJump         = flag.Int("max-jump", def.Gear.MaxJump, "Largest admitted gear distance per shift")
		ipcSocketPath   = flag.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
		httpPort        = flag.Int("http-port", defaultHTTPPort, "HTTP/websocket port (0 disables)")
		journalEnabled  = flag.Bool("journal", true, "Record incidents to the SQLite journal")
		journalPath     = flag.String("journal-path", defaultJournalPath, "SQLite journal path")
		logLevelStr     = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		logFormat       = flag.String("log-format", "text", "Log format: text, json")
		showVersion     = flag.Bool("version", false, "Print version and exit")
		showHelp        = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			o.DevicePath = devicePath
		case "poll-hz":
			o.PollHz = pollHz
		case "tick-hz":
			o.TickHz = tickHz
		case "clutch-threshold":
			o.ClutchThreshold = clutchThreshold
		case "stall-throttle":
			o.StallThrottle = stallThrottle
		case "max-jump":
			o.MaxJump = maxJump
		case "ipc-socket":
			o.IPCSocketPath = ipcSocketPath
		case "http-port":
			o.HTTPPort = httpPort
		case "journal":
			o.JournalEnabled = journalEnabled
		case "journal-path":
			o.JournalPath = journalPath
		case "log-level":
			o.LogLevel = logLevelStr
		case "log-format":
			o.LogFormat = logFormat
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("wheelbrainz stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run wires the daemon and blocks until ctx is canceled or a component fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	wcfg, err := cfg.ToWheelConfig()
	if err != nil {
		return err
	}
	ctl, err := wheel.NewController(wcfg)
	if err != nil {
		return err
	}

	var (
		store     *journal.Store
		jw        *journal.Writer
		sessionID string
	)
	if cfg.Journal.Enabled {
		path := ExpandPath(cfg.Journal.Path)
		store, err = journal.Open(ctx, path)
		if err != nil {
			return err
		}
		defer store.Close()

		sess, err := store.StartSession(ctx, cfg.Device.Path, time.Now())
		if err != nil {
			return err
		}
		sessionID = sess.SessionID
		defer func() {
			if err := store.EndSession(context.WithoutCancel(ctx), sessionID, time.Now()); err != nil {
				logger.Warn("failed to close journal session", "error", err)
			}
		}()
		jw = journal.NewWriter(store, sessionID, cfg.Journal.Queue, logger)
		logger.Info("journal session started", "session_id", sessionID, "path", path)
	}

	events := make(chan Event, defaultEventQueue)
	broadcasts := make(chan StateBroadcast, defaultBroadcastQueue)

	metrics, err := newDaemonMetrics(events, jw)
	if err != nil {
		return err
	}

	deps := loopDeps{
		Controller: ctl,
		Device:     newEvdevDevice(cfg.Device, logger),
		Vehicle:    newRemoteVehicle(),
		Journal:    jw,
		Metrics:    metrics,
		Broadcasts: broadcasts,
		SessionID:  sessionID,
		Logger:     logger,
	}

	logger.Info("starting wheelbrainz",
		"version", version,
		"device", cfg.Device.Path,
		"tick_hz", cfg.Loop.TickHz,
		"poll_hz", cfg.Loop.PollHz,
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"journal", cfg.Journal.Enabled)

	g, gctx := errgroup.WithContext(ctx)

	// gctx is canceled when any component fails, so the loop always gets to
	// stop the wheel's effects before exit.
	g.Go(func() error {
		runDaemon(gctx, events, deps, cfg.Loop.PollHz, cfg.Loop.TickHz)
		return nil
	})

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, metrics, logger)
	})

	if jw != nil {
		g.Go(func() error { return jw.Run(gctx) })
	}

	if cfg.HTTP.Port > 0 {
		ws := NewServer(logger, events, ServerConfig{})
		g.Go(func() error {
			ws.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, ws.Hub(), broadcasts, logger)
			return nil
		})
		mux := newHTTPMux(ws, events, store, sessionID, logger)
		g.Go(func() error { return runHTTPServer(gctx, cfg.HTTP.Port, mux, logger) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
