package config_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/partyhost/internal/config"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	devicemock "github.com/MrWong99/partyhost/pkg/audio/device/mock"
	"github.com/MrWong99/partyhost/pkg/realtime"
	realtimemock "github.com/MrWong99/partyhost/pkg/realtime/mock"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

credential:
  base_url: "https://keys.example.com"
  timeout: 5s

realtime:
  transport: webrtc
  model: gpt-4o-realtime-preview
  codec: pcmu
  ice_servers: ["stun:stun.l.google.com:19302"]
  push_to_talk: true
  reconnect_attempts: 3

audio:
  capture: native
  backend: command
  command: ["arecord", "-q", "-f", "S16_LE", "-c", "1", "-r", "{rate}", "-t", "raw"]
  sample_rate: 16000

games:
  timeout: 90s
  finish_display_delay: 2s

keyserver:
  enabled: true
  api_key: sk-test

results:
  postgres_dsn: "postgres://localhost/partyhost"
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Credential.BaseURL != "https://keys.example.com" || cfg.Credential.Timeout != 5*time.Second {
		t.Errorf("credential = %+v", cfg.Credential)
	}
	if cfg.Credential.Path != config.DefaultCredentialPath {
		t.Errorf("credential.path = %q, want default", cfg.Credential.Path)
	}
	if cfg.Realtime.Transport != "webrtc" || cfg.Realtime.Codec != "pcmu" || !cfg.Realtime.PushToTalk {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if cfg.Realtime.Voice != config.DefaultVoice {
		t.Errorf("realtime.voice = %q, want default", cfg.Realtime.Voice)
	}
	if cfg.Audio.Capture != config.CaptureNative || cfg.Audio.SampleRate != 16000 || len(cfg.Audio.Command) != 10 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Games.Timeout != 90*time.Second || cfg.Games.FinishDisplayDelay != 2*time.Second {
		t.Errorf("games = %+v", cfg.Games)
	}
	if cfg.KeyServer.Model != "gpt-4o-realtime-preview" {
		t.Errorf("keyserver.model = %q, want realtime model", cfg.KeyServer.Model)
	}
	if cfg.Results.Capacity != config.DefaultResultsCapacity {
		t.Errorf("results.capacity = %d", cfg.Results.Capacity)
	}
}

func TestApplyDefaults_KeyServerFillsCredentialURL(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{KeyServer: config.KeyServerConfig{Enabled: true, APIKey: "sk"}}
	config.ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Credential.BaseURL != "http://"+config.DefaultListenAddr {
		t.Errorf("credential.base_url = %q", cfg.Credential.BaseURL)
	}
	if cfg.Games.FinishDisplayDelay != 4*time.Second {
		t.Errorf("finish_display_delay = %v, want 4s", cfg.Games.FinishDisplayDelay)
	}
	if cfg.Audio.Capture != config.CaptureSoftware || cfg.Realtime.Transport != "websocket" {
		t.Errorf("defaults = %+v / %+v", cfg.Audio, cfg.Realtime)
	}
}

func TestApplyDefaults_LoopbackForPortOnlyListen(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9090", TLS: &config.TLSConfig{CertFile: "c", KeyFile: "k"}},
		KeyServer: config.KeyServerConfig{Enabled: true, APIKey: "sk"},
	}
	config.ApplyDefaults(cfg)
	if cfg.Credential.BaseURL != "https://localhost:9090" {
		t.Errorf("credential.base_url = %q", cfg.Credential.BaseURL)
	}
}

func TestCaptureMode_IsValid(t *testing.T) {
	t.Parallel()
	for _, m := range []config.CaptureMode{config.CaptureSoftware, config.CaptureNative} {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if config.CaptureMode("both").IsValid() {
		t.Error(`"both" should be invalid`)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	dialer := &realtimemock.Dialer{}
	reg.RegisterTransport("mock", func(cfg config.RealtimeConfig) (realtime.Dialer, error) {
		if cfg.Model == "" {
			return nil, errors.New("model required")
		}
		return dialer, nil
	})
	reg.RegisterCapturer("mock", func(config.AudioConfig) (device.Capturer, error) {
		return &devicemock.Capturer{}, nil
	})

	got, err := reg.CreateTransport(config.RealtimeConfig{Transport: "mock", Model: "m"})
	if err != nil || got != dialer {
		t.Errorf("CreateTransport = %v, %v", got, err)
	}
	if _, err := reg.CreateTransport(config.RealtimeConfig{Transport: "mock"}); err == nil {
		t.Error("factory error not returned")
	}
	if _, err := reg.CreateTransport(config.RealtimeConfig{Transport: "carrier-pigeon"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unknown transport err = %v", err)
	}
	if _, err := reg.CreateCapturer(config.AudioConfig{Backend: "mock"}); err != nil {
		t.Errorf("CreateCapturer: %v", err)
	}
	if _, err := reg.CreateCapturer(config.AudioConfig{Backend: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unknown capturer err = %v", err)
	}

	reg.RegisterTransport("alpha", nil)
	if names := reg.Transports(); !slices.Equal(names, []string{"alpha", "mock"}) {
		t.Errorf("Transports() = %v", names)
	}
	if names := reg.Capturers(); !slices.Equal(names, []string{"mock"}) {
		t.Errorf("Capturers() = %v", names)
	}
}
