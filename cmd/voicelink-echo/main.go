// ABOUTME: Entry point for the voicelink echo backend
// ABOUTME: Parses CLI flags and serves fake transcripts and tone replies
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

	"github.com/Resonate-Protocol/voicelink/internal/echo"
)

var (
	port         = flag.Int("port", echo.DefaultPort, "WebSocket server port")
	name         = flag.String("name", "", "Server friendly name (default: hostname-voicelink-echo)")
	chunks       = flag.Int("chunks", echo.DefaultChunks, "Chunks per synthesized reply")
	partialEvery = flag.Int("partial-every", echo.DefaultPartialEvery, "Send a partial result every N audio frames")
	flushAfter   = flag.Duration("flush-after", 0, "End an utterance after this much inbound silence (0 waits for utterance-end)")
	replyLength  = flag.Duration("reply", echo.DefaultReplyDuration, "Length of each reply tone")
	replyRate    = flag.Int("reply-rate", echo.DefaultReplyRate, "Sample rate of reply audio")
	logFile      = flag.String("log-file", "voicelink-echo.log", "Log file path")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	noMDNS       = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
)

func main() {
	flag.Parse()

	// Log to both file and stdout
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, f), &slog.HandlerOptions{Level: level}))

	serverName := *name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-voicelink-echo", hostname)
	}

	logger.Info("starting echo backend", "name", serverName, "port", *port, "log_file", *logFile)

	srv := echo.New(echo.Config{
		Port:          *port,
		Name:          serverName,
		Chunks:        *chunks,
		PartialEvery:  *partialEvery,
		FlushAfter:    *flushAfter,
		ReplyDuration: *replyLength,
		ReplyRate:     *replyRate,
		EnableMDNS:    !*noMDNS,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	st := srv.Stats()
	logger.Info("server stopped", "sessions", st.Sessions, "frames", st.Frames, "replies", st.Replies)
}
