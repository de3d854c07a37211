// ABOUTME: Voice client application orchestration
// ABOUTME: Coordinates discovery, audio devices, the session, metrics and the TUI
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Resonate-Protocol/voicelink/internal/config"
	"github.com/Resonate-Protocol/voicelink/internal/discovery"
	"github.com/Resonate-Protocol/voicelink/internal/observe"
	"github.com/Resonate-Protocol/voicelink/internal/session"
	"github.com/Resonate-Protocol/voicelink/internal/ui"
	"github.com/Resonate-Protocol/voicelink/internal/version"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/capture"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/output"
)

const (
	statusInterval = 500 * time.Millisecond
	captureBlock   = 20 * time.Millisecond
)

// Config holds application options on top of the config file
type Config struct {
	Settings *config.Config

	// Input is a raw PCM16 mono file to use instead of the microphone
	Input string

	// TUI enables the status screen; otherwise events are logged
	TUI bool
}

// App runs one voice session with real devices
type App struct {
	config Config
	logger *slog.Logger

	sink    output.Output
	session *session.Session
	tuiProg *tea.Program
	ctrl    *ui.Controls
	server  string
}

// New creates a new application
func New(cfg Config, logger *slog.Logger) *App {
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		config: cfg,
		logger: logger,
	}
}

// Run starts the session and blocks until ctx is cancelled, the user quits
// or the session ends
func (a *App) Run(ctx context.Context) error {
	cfg := a.config.Settings

	metrics, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    version.Product,
		ServiceVersion: version.Version,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			a.logger.Debug("metrics shutdown failed", "error", err)
		}
	}()

	if cfg.Metrics.Listen != "" {
		stop := a.serveMetrics(cfg.Metrics.Listen)
		defer stop()
	}

	url, err := a.resolveURL(ctx)
	if err != nil {
		return err
	}

	source, err := a.openSource()
	if err != nil {
		return err
	}

	a.sink = a.openSink()
	defer a.sink.Close()

	sess, err := session.New(session.FromConfig(cfg, url), session.Deps{
		Source:  source,
		Sink:    a.sink,
		Logger:  a.logger,
		Metrics: metrics,
	})
	if err != nil {
		source.Close()
		return err
	}
	a.session = sess

	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return err
	}
	defer sess.Close()

	if a.config.TUI {
		a.ctrl = ui.NewControls()
		a.tuiProg = ui.Run(a.ctrl, cfg.Playback.Volume)
		go func() {
			if _, err := a.tuiProg.Run(); err != nil {
				a.logger.Error("TUI failed", "error", err)
			}
		}()
		defer a.tuiProg.Quit()
		a.send(ui.StatusMsg{Server: a.server, SessionID: sess.SessionID(), Connection: sess.State().String()})
	}

	return a.loop(ctx)
}

// loop forwards session events and user controls until something ends the run
func (a *App) loop(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var controls ui.Controls
	if a.ctrl != nil {
		controls = *a.ctrl
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-a.session.Done():
			return a.session.Wait()

		case ev, ok := <-a.session.Events():
			if !ok {
				return nil
			}
			a.handleEvent(ev)

		case <-ticker.C:
			a.send(a.statusFromStats(a.session.Stats()))

		case <-controls.Quit:
			a.logger.Info("quit requested")
			return nil

		case <-controls.Flush:
			a.session.FlushUtterance()

		case v := <-controls.Volume:
			if vc, ok := a.sink.(volumeControl); ok {
				vc.SetVolume(v)
			}

		case m := <-controls.Mute:
			if vc, ok := a.sink.(volumeControl); ok {
				vc.SetMuted(m)
			}
		}
	}
}

type volumeControl interface {
	SetVolume(int)
	SetMuted(bool)
}

func (a *App) handleEvent(ev session.Event) {
	msg, level := describe(ev)
	if a.tuiProg != nil {
		a.send(msg)
		return
	}

	attrs := []any{"event", ev.Kind.String()}
	switch {
	case ev.Text != "":
		attrs = append(attrs, "text", ev.Text)
	case ev.Seq != 0:
		attrs = append(attrs, "seq", ev.Seq)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	if ev.Kind == session.ConnectionChanged {
		attrs = append(attrs, "state", ev.State.String())
	}
	a.logger.Log(context.Background(), level, "session event", attrs...)
}

// describe maps a session event to a TUI update and a log level
func describe(ev session.Event) (ui.StatusMsg, slog.Level) {
	switch ev.Kind {
	case session.UtteranceStarted:
		speaking := true
		return ui.StatusMsg{Speaking: &speaking}, slog.LevelInfo
	case session.UtteranceEnded:
		speaking := false
		return ui.StatusMsg{Speaking: &speaking}, slog.LevelInfo
	case session.PartialResult:
		return ui.StatusMsg{Partial: ev.Text}, slog.LevelDebug
	case session.FinalResult:
		return ui.StatusMsg{Final: ev.Text}, slog.LevelInfo
	case session.RecognizerError:
		return ui.StatusMsg{Warning: "recognizer: " + ev.Text}, slog.LevelWarn
	case session.ReplyStarted:
		return ui.StatusMsg{Reply: fmt.Sprintf("#%d receiving", ev.Seq)}, slog.LevelDebug
	case session.ReplyPlayed:
		return ui.StatusMsg{Reply: fmt.Sprintf("#%d played (%d bytes)", ev.Seq, ev.Bytes)}, slog.LevelInfo
	case session.ReplyDiscarded:
		return ui.StatusMsg{Reply: fmt.Sprintf("#%d discarded: %s", ev.Seq, ev.Reason)}, slog.LevelWarn
	case session.ConnectionChanged:
		return ui.StatusMsg{Connection: ev.State.String()}, slog.LevelInfo
	default:
		warning := "unknown event"
		if ev.Err != nil {
			warning = ev.Err.Error()
		}
		return ui.StatusMsg{Warning: warning}, slog.LevelWarn
	}
}

func (a *App) statusFromStats(st session.Stats) ui.StatusMsg {
	return ui.StatusMsg{
		Connection: st.Transport.State.String(),
		RTT:        st.Transport.RTT,
		Stats: &ui.Stats{
			Captured:  st.Captured,
			Sent:      st.Transport.Sent,
			Dropped:   st.Dropped,
			Queued:    st.Queued,
			Played:    st.Playback.Played,
			Discarded: st.Playback.Dropped + st.Playback.Cancelled,
			Reconnect: st.Transport.Reconnects,
		},
	}
}

func (a *App) send(msg ui.StatusMsg) {
	if a.tuiProg != nil {
		a.tuiProg.Send(msg)
	}
}

// resolveURL uses the configured address or finds a backend via mDNS
func (a *App) resolveURL(ctx context.Context) (string, error) {
	cfg := a.config.Settings
	if cfg.Server.Addr != "" {
		a.server = cfg.Server.Addr
		return cfg.Server.URL(cfg.Server.Addr), nil
	}

	a.logger.Info("no server address configured, browsing mDNS", "service", discovery.ServiceType)
	mgr := discovery.NewManager(discovery.Config{Logger: a.logger})
	info, err := mgr.Lookup(ctx, cfg.Server.DiscoveryTimeout)
	if err != nil {
		return "", fmt.Errorf("discover backend: %w", err)
	}

	srv := cfg.Server
	srv.Path = info.Path
	a.server = info.Addr()
	return srv.URL(info.Addr()), nil
}

func (a *App) openSource() (capture.Source, error) {
	cfg := a.config.Settings
	rate := cfg.Audio.CaptureRate
	if rate <= 0 {
		rate = cfg.Audio.SampleRate
	}

	if a.config.Input != "" {
		src, err := capture.OpenFile(a.config.Input, audio.PCM16Mono(rate), captureBlock, true)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		a.logger.Info("capturing from file", "path", a.config.Input, "rate", rate)
		return src, nil
	}

	framesPerBuffer := audio.PCM16Mono(rate).FrameBytes(captureBlock) / 2
	src, err := capture.OpenMicrophone(rate, framesPerBuffer)
	if err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			return nil, fmt.Errorf("microphone access denied: %w", err)
		}
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	a.logger.Info("capturing from microphone", "rate", rate)
	return src, nil
}

// openSink tries oto, then PortAudio, then discards replies
func (a *App) openSink() output.Output {
	cfg := a.config.Settings
	format := audio.PCM16Mono(cfg.Audio.PlaybackRate)

	oto := output.NewOto()
	err := oto.Open(format)
	if err == nil {
		oto.SetVolume(cfg.Playback.Volume)
		return oto
	}
	a.logger.Warn("oto output unavailable", "error", err)

	pa := output.NewPortAudio()
	if err = pa.Open(format); err == nil {
		return pa
	}
	a.logger.Warn("portaudio output unavailable", "error", err)

	a.logger.Warn("no audio output, replies will be discarded")
	return discardOutput{}
}

type discardOutput struct{ output.Discard }

func (discardOutput) Open(audio.Format) error { return nil }
func (discardOutput) Close() error            { return nil }

// serveMetrics exposes /metrics until the returned stop func is called
func (a *App) serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
