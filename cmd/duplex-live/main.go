// duplex-live is an interactive voice session client: it captures the
// microphone, streams it to a remote agent over a websocket, and plays
// the agent's replies back on a gapless timeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overtone-ai/duplex/internal/dotenv"
	"github.com/overtone-ai/duplex/pkg/codec/opus"
	"github.com/overtone-ai/duplex/pkg/device/mic"
	"github.com/overtone-ai/duplex/pkg/device/speaker"
	"github.com/overtone-ai/duplex/pkg/live"
	"github.com/overtone-ai/duplex/pkg/live/protocol"
	"github.com/overtone-ai/duplex/pkg/transport/ws"
)

const version = "0.1.0"

type options struct {
	configPath      string
	url             string
	authToken       string
	encoding        string
	graceMs         int
	inRate          int
	outRate         int
	logLevel        string
	meter           bool
	meterIntervalMs int
}

// settings is the effective configuration after merging flags, the
// config file, and defaults.
type settings struct {
	url           string
	authToken     string
	encoding      string
	graceMs       int
	logLevel      LogLevel
	meter         bool
	meterInterval time.Duration
	audioIn       live.AudioConfig
	audioOut      live.AudioConfig
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "duplex-live: %v\n", err)
		return 1
	}

	var opt options
	flag.StringVar(&opt.configPath, "config", "", "Path to YAML config file (optional)")
	flag.StringVar(&opt.url, "url", "", "Live session endpoint (ws(s):// or http(s)://); required unless set in config")
	flag.StringVar(&opt.authToken, "token", strings.TrimSpace(os.Getenv("DUPLEX_AUTH_TOKEN")), "Auth token (optional; also reads DUPLEX_AUTH_TOKEN)")
	flag.StringVar(&opt.encoding, "encoding", "", "Wire audio encoding: pcm_s16le or opus (default: pcm_s16le)")
	flag.IntVar(&opt.graceMs, "grace-ms", 0, "Speaking-signal grace period in ms (default: 200)")
	flag.IntVar(&opt.inRate, "in-rate", 0, "Capture sample rate in Hz (default: 16000)")
	flag.IntVar(&opt.outRate, "out-rate", 0, "Playback sample rate in Hz (default: 24000)")
	flag.StringVar(&opt.logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	flag.BoolVar(&opt.meter, "meter", true, "Print a live spectrum meter line (default: true)")
	flag.IntVar(&opt.meterIntervalMs, "meter-interval-ms", 0, "Meter refresh interval in ms (default: 200)")
	flag.Parse()

	cfg, err := LoadConfig(opt.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplex-live: %v\n", err)
		return 1
	}

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	st, err := resolveSettings(opt, setFlags, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplex-live: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: st.logLevel.Slog()}))

	if err := run(context.Background(), st, logger); err != nil {
		fmt.Fprintf(os.Stderr, "duplex-live: %v\n", err)
		return 1
	}
	return 0
}

// resolveSettings merges explicit flags over the config file over the
// built-in defaults.
func resolveSettings(opt options, setFlags map[string]bool, cfg Config) (settings, error) {
	st := settings{
		url:       cfg.Server.URL,
		authToken: cfg.Server.AuthToken,
		encoding:  cfg.Audio.Encoding,
		graceMs:   cfg.Session.GraceMs,
		logLevel:  cfg.Session.LogLevel,
		meter:     true,
	}

	if setFlags["url"] || st.url == "" {
		st.url = opt.url
	}
	if setFlags["token"] || opt.authToken != "" {
		st.authToken = opt.authToken
	}
	if setFlags["encoding"] {
		st.encoding = opt.encoding
	}
	if setFlags["grace-ms"] {
		st.graceMs = opt.graceMs
	}
	if setFlags["log-level"] {
		st.logLevel = LogLevel(opt.logLevel)
	}
	if setFlags["meter"] {
		st.meter = opt.meter
	}

	meterMs := cfg.Session.MeterIntervalMs
	if setFlags["meter-interval-ms"] {
		meterMs = opt.meterIntervalMs
	}
	if meterMs <= 0 {
		meterMs = 200
	}
	st.meterInterval = time.Duration(meterMs) * time.Millisecond

	if st.encoding == "" {
		st.encoding = protocol.EncodingPCMS16LE
	}
	if st.encoding != protocol.EncodingPCMS16LE && st.encoding != protocol.EncodingOpus {
		return settings{}, fmt.Errorf("encoding %q is invalid; valid values: pcm_s16le, opus", st.encoding)
	}
	if st.logLevel == "" {
		st.logLevel = LogInfo
	}
	if !st.logLevel.IsValid() {
		return settings{}, fmt.Errorf("log level %q is invalid; valid values: debug, info, warn, error", st.logLevel)
	}

	st.audioIn = live.DefaultInputAudioConfig()
	if setFlags["in-rate"] {
		st.audioIn.SampleRate = opt.inRate
	} else if cfg.Audio.In.SampleRateHz > 0 {
		st.audioIn.SampleRate = cfg.Audio.In.SampleRateHz
	}
	if cfg.Audio.In.Channels > 0 {
		st.audioIn.Channels = cfg.Audio.In.Channels
	}

	st.audioOut = live.DefaultOutputAudioConfig()
	if setFlags["out-rate"] {
		st.audioOut.SampleRate = opt.outRate
	} else if cfg.Audio.Out.SampleRateHz > 0 {
		st.audioOut.SampleRate = cfg.Audio.Out.SampleRateHz
	}
	if cfg.Audio.Out.Channels > 0 {
		st.audioOut.Channels = cfg.Audio.Out.Channels
	}

	if strings.TrimSpace(st.url) == "" {
		return settings{}, fmt.Errorf("server url is required (--url or config server.url)")
	}
	return st, nil
}

func run(ctx context.Context, st settings, logger *slog.Logger) error {
	transport, err := ws.New(ws.Options{
		URL:           st.url,
		AuthToken:     st.authToken,
		Encoding:      st.encoding,
		ClientName:    "duplex-live",
		ClientVersion: version,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	micDev := mic.New(mic.Options{Format: st.audioIn, Logger: logger})
	spk := speaker.New(speaker.Options{Format: st.audioOut, Logger: logger})

	var codec live.Codec
	if st.encoding == protocol.EncodingOpus {
		codec, err = opus.New(st.audioIn, st.audioOut)
		if err != nil {
			return err
		}
	}

	sessCfg := live.SessionConfig{
		AudioIn:  st.audioIn,
		AudioOut: st.audioOut,
		GraceMs:  st.graceMs,
		Logger:   logger,
	}
	eng := live.NewEngine(sessCfg, transport, micDev, spk, codec)

	logger.Info("connecting", "url", st.url, "encoding", st.encoding)
	if err := eng.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sessionDone := make(chan struct{})
	var doneOnce sync.Once
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var g errgroup.Group
	g.Go(func() error {
		watchEvents(eng, logger, func() {
			doneOnce.Do(func() { close(sessionDone) })
		})
		return nil
	})
	if st.meter {
		g.Go(func() error {
			meterLoop(loopCtx, eng, st.meterInterval, os.Stdout)
			return nil
		})
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-sessionDone:
	case <-ctx.Done():
	}

	eng.Close()
	stopLoops()
	_ = g.Wait()

	if err := spk.Suspend(); err != nil {
		logger.Warn("speaker suspend failed", "error", err)
	}

	if err := eng.LastError(); err != nil {
		return fmt.Errorf("session failed: %w", err)
	}
	logger.Info("goodbye")
	return nil
}

// watchEvents logs session events until the engine closes its channel.
// onClosed fires when the session reports it is over.
func watchEvents(eng *live.Engine, logger *slog.Logger, onClosed func()) {
	for ev := range eng.Events() {
		switch e := ev.(type) {
		case *live.StateChangedEvent:
			logger.Info("session state", "from", e.From.String(), "to", e.To.String())
		case *live.SpeakingChangedEvent:
			logger.Info("agent speaking", "speaking", e.Speaking)
		case *live.SegmentScheduledEvent:
			logger.Debug("segment scheduled", "id", e.ID, "start_at", e.StartAt, "duration", e.Duration)
		case *live.InterruptedEvent:
			logger.Info("agent interrupted", "reason", e.Reason)
		case *live.ErrorEvent:
			logger.Warn("session error", "kind", string(e.Kind), "message", e.Message)
		case *live.SessionClosedEvent:
			logger.Info("session closed", "reason", e.Reason)
			onClosed()
		}
	}
}

// meterLoop redraws one line with capture and playback spectrum bars.
func meterLoop(ctx context.Context, eng *live.Engine, every time.Duration, w io.Writer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		case <-ticker.C:
			state := "        "
			if eng.IsSpeaking() {
				state = "speaking"
			}
			fmt.Fprintf(w, "\rmic [%s]  agent [%s] %s",
				levelBar(eng.InputSpectrum()), levelBar(eng.OutputSpectrum()), state)
		}
	}
}

const meterGlyphs = " .:-=+*#%@"

// levelBar folds a spectrum snapshot into a fixed-width intensity bar.
func levelBar(spectrum []float64) string {
	const width = 16
	if len(spectrum) == 0 {
		return strings.Repeat(" ", width)
	}

	band := len(spectrum) / width
	if band == 0 {
		band = 1
	}

	var b strings.Builder
	for i := 0; i < width; i++ {
		start := i * band
		if start >= len(spectrum) {
			b.WriteByte(meterGlyphs[0])
			continue
		}
		end := start + band
		if end > len(spectrum) {
			end = len(spectrum)
		}
		var sum float64
		for _, v := range spectrum[start:end] {
			sum += v
		}
		avg := sum / float64(end-start)

		idx := int(avg * 40)
		if idx >= len(meterGlyphs) {
			idx = len(meterGlyphs) - 1
		}
		if idx < 0 {
			idx = 0
		}
		b.WriteByte(meterGlyphs[idx])
	}
	return b.String()
}
