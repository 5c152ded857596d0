package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullConfigYAML = `
server:
  url: wss://live.example.com/v1/session
  auth_token: tok_file
audio:
  encoding: opus
  in:
    sample_rate_hz: 8000
    channels: 1
  out:
    sample_rate_hz: 48000
    channels: 2
session:
  grace_ms: 350
  log_level: debug
  meter_interval_ms: 100
`

func TestLoadConfigFromReader_FullConfig(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(fullConfigYAML))
	if err != nil {
		t.Fatalf("LoadConfigFromReader() error = %v", err)
	}

	if got, want := cfg.Server.URL, "wss://live.example.com/v1/session"; got != want {
		t.Errorf("Server.URL = %q, want %q", got, want)
	}
	if got, want := cfg.Server.AuthToken, "tok_file"; got != want {
		t.Errorf("Server.AuthToken = %q, want %q", got, want)
	}
	if got, want := cfg.Audio.Encoding, "opus"; got != want {
		t.Errorf("Audio.Encoding = %q, want %q", got, want)
	}
	if got, want := cfg.Audio.In.SampleRateHz, 8000; got != want {
		t.Errorf("Audio.In.SampleRateHz = %d, want %d", got, want)
	}
	if got, want := cfg.Audio.Out.Channels, 2; got != want {
		t.Errorf("Audio.Out.Channels = %d, want %d", got, want)
	}
	if got, want := cfg.Session.GraceMs, 350; got != want {
		t.Errorf("Session.GraceMs = %d, want %d", got, want)
	}
	if got, want := cfg.Session.LogLevel, LogDebug; got != want {
		t.Errorf("Session.LogLevel = %q, want %q", got, want)
	}
	if got, want := cfg.Session.MeterIntervalMs, 100; got != want {
		t.Errorf("Session.MeterIntervalMs = %d, want %d", got, want)
	}
}

func TestLoadConfigFromReader_EmptyIsZero(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadConfigFromReader() error = %v", err)
	}
	if cfg != (Config{}) {
		t.Errorf("LoadConfigFromReader() = %+v, want zero config", cfg)
	}
}

func TestLoadConfigFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader("server:\n  host: example.com\n"))
	if err == nil {
		t.Fatal("LoadConfigFromReader() error = nil, want unknown-field error")
	}
	if !strings.Contains(err.Error(), "host") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadConfigFromReader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "bad encoding",
			yaml:    "audio:\n  encoding: mp3\n",
			wantSub: `audio.encoding "mp3" is invalid`,
		},
		{
			name:    "bad log level",
			yaml:    "session:\n  log_level: verbose\n",
			wantSub: `session.log_level "verbose" is invalid`,
		},
		{
			name:    "negative grace",
			yaml:    "session:\n  grace_ms: -1\n",
			wantSub: "session.grace_ms -1 must not be negative",
		},
		{
			name:    "too many channels",
			yaml:    "audio:\n  in:\n    channels: 3\n",
			wantSub: "audio.in.channels 3 is out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("LoadConfigFromReader() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateConfig_JoinsMultipleErrors(t *testing.T) {
	cfg := Config{}
	cfg.Audio.Encoding = "flac"
	cfg.Session.GraceMs = -5

	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("ValidateConfig() error = nil, want joined errors")
	}
	for _, sub := range []string{"audio.encoding", "session.grace_ms"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("error %q does not contain %q", err, sub)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	if _, err := LoadConfig(""); err != nil {
		t.Errorf("LoadConfig(\"\") error = %v, want nil", err)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig(missing) error = nil, want open error")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fullConfigYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got, want := cfg.Server.URL, "wss://live.example.com/v1/session"; got != want {
		t.Errorf("Server.URL = %q, want %q", got, want)
	}
}

func TestLogLevelSlog(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  slog.Level
	}{
		{LogDebug, slog.LevelDebug},
		{LogInfo, slog.LevelInfo},
		{LogWarn, slog.LevelWarn},
		{LogError, slog.LevelError},
		{LogLevel("bogus"), slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.Slog(); got != tt.want {
			t.Errorf("LogLevel(%q).Slog() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestResolveSettings_FlagsOverrideConfig(t *testing.T) {
	cfg := Config{}
	cfg.Server.URL = "wss://file.example.com/v1/session"
	cfg.Server.AuthToken = "tok_file"
	cfg.Audio.Encoding = "opus"
	cfg.Audio.In.SampleRateHz = 8000
	cfg.Session.GraceMs = 350
	cfg.Session.LogLevel = LogDebug
	cfg.Session.MeterIntervalMs = 100

	opt := options{
		url:       "wss://flag.example.com/v1/session",
		authToken: "tok_flag",
		encoding:  "pcm_s16le",
		graceMs:   50,
		inRate:    44100,
	}
	setFlags := map[string]bool{
		"url": true, "token": true, "encoding": true, "grace-ms": true, "in-rate": true,
	}

	st, err := resolveSettings(opt, setFlags, cfg)
	if err != nil {
		t.Fatalf("resolveSettings() error = %v", err)
	}
	if got, want := st.url, "wss://flag.example.com/v1/session"; got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
	if got, want := st.authToken, "tok_flag"; got != want {
		t.Errorf("authToken = %q, want %q", got, want)
	}
	if got, want := st.encoding, "pcm_s16le"; got != want {
		t.Errorf("encoding = %q, want %q", got, want)
	}
	if got, want := st.graceMs, 50; got != want {
		t.Errorf("graceMs = %d, want %d", got, want)
	}
	if got, want := st.audioIn.SampleRate, 44100; got != want {
		t.Errorf("audioIn.SampleRate = %d, want %d", got, want)
	}
	if got, want := st.logLevel, LogDebug; got != want {
		t.Errorf("logLevel = %q, want %q", got, want)
	}
	if got, want := st.meterInterval, 100*time.Millisecond; got != want {
		t.Errorf("meterInterval = %v, want %v", got, want)
	}
}

func TestResolveSettings_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.Server.URL = "wss://file.example.com/v1/session"

	st, err := resolveSettings(options{}, map[string]bool{}, cfg)
	if err != nil {
		t.Fatalf("resolveSettings() error = %v", err)
	}
	if got, want := st.encoding, "pcm_s16le"; got != want {
		t.Errorf("encoding = %q, want %q", got, want)
	}
	if got, want := st.logLevel, LogInfo; got != want {
		t.Errorf("logLevel = %q, want %q", got, want)
	}
	if got, want := st.meterInterval, 200*time.Millisecond; got != want {
		t.Errorf("meterInterval = %v, want %v", got, want)
	}
	if got, want := st.audioIn.SampleRate, 16000; got != want {
		t.Errorf("audioIn.SampleRate = %d, want %d", got, want)
	}
	if got, want := st.audioOut.SampleRate, 24000; got != want {
		t.Errorf("audioOut.SampleRate = %d, want %d", got, want)
	}
	if got, want := st.audioIn.Channels, 1; got != want {
		t.Errorf("audioIn.Channels = %d, want %d", got, want)
	}
}

func TestResolveSettings_RequiresURL(t *testing.T) {
	_, err := resolveSettings(options{}, map[string]bool{}, Config{})
	if err == nil {
		t.Fatal("resolveSettings() error = nil, want missing-url error")
	}
	if !strings.Contains(err.Error(), "url") {
		t.Errorf("error %q does not mention the url", err)
	}
}

func TestLevelBar(t *testing.T) {
	if got := levelBar(nil); got != strings.Repeat(" ", 16) {
		t.Errorf("levelBar(nil) = %q, want blank bar", got)
	}

	loud := make([]float64, 64)
	for i := range loud {
		loud[i] = 0.5
	}
	bar := levelBar(loud)
	if len(bar) != 16 {
		t.Fatalf("len(levelBar(loud)) = %d, want 16", len(bar))
	}
	if bar != strings.Repeat("@", 16) {
		t.Errorf("levelBar(loud) = %q, want saturated bar", bar)
	}

	if got := levelBar(make([]float64, 64)); got != strings.Repeat(" ", 16) {
		t.Errorf("levelBar(silence) = %q, want blank bar", got)
	}
}
