// ABOUTME: Entry point for the voicelink voice client
// ABOUTME: Parses CLI flags, sets up logging and runs the application
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/app"
	"github.com/Resonate-Protocol/voicelink/internal/config"
	"github.com/Resonate-Protocol/voicelink/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	serverAddr = flag.String("server", "", "Backend address host:port (skip mDNS)")
	input      = flag.String("input", "", "Raw PCM16 mono file to send instead of the microphone")
	threshold  = flag.Float64("threshold", 0, "VAD RMS threshold (overrides config)")
	silence    = flag.Duration("silence", 0, "Silence that ends an utterance (overrides config)")
	logFile    = flag.String("log-file", "", "Log file path (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	metrics    = flag.String("metrics", "", "Address to serve Prometheus metrics on, e.g. :9090")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	useTUI := !*noTUI

	logger, closeLog, err := setupLogging(cfg.Log, useTUI)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("starting voicelink", "version", version.Version, "tui", useTUI)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(app.Config{
		Settings: cfg,
		Input:    *input,
		TUI:      useTUI,
	}, logger)

	start := time.Now()
	err = a.Run(ctx)
	logger.Info("voicelink stopped", "uptime", time.Since(start).Round(time.Second), "error", err)
	return err
}

// loadConfig reads the config file, then applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *serverAddr != "" {
		cfg.Server.Addr = *serverAddr
	}
	if *threshold > 0 {
		cfg.VAD.Threshold = *threshold
	}
	if *silence > 0 {
		cfg.Utterance.Silence = *silence
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logLevel != "" {
		cfg.Log.Level = config.LogLevel(*logLevel)
	}
	if *metrics != "" {
		cfg.Metrics.Listen = *metrics
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging logs to the file only while the TUI owns the terminal,
// otherwise to stdout and the file
func setupLogging(lc config.LogConfig, useTUI bool) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stdout
	closeFn := func() {}

	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeFn = func() { _ = f.Close() }
		if useTUI {
			w = f
		} else {
			w = io.MultiWriter(os.Stdout, f)
		}
	} else if useTUI {
		w = io.Discard
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lc.Level.Level()})
	return slog.New(handler), closeFn, nil
}
