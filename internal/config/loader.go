package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/partyhost/pkg/realtime"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = "localhost:8080"
	DefaultCredentialPath     = "/api/session/"
	DefaultCredentialTimeout  = 10 * time.Second
	DefaultTransport          = "websocket"
	DefaultModel              = "gpt-4o-realtime-preview-2025-06-03"
	DefaultVoice              = "ash"
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
	DefaultBackend            = "command"
	DefaultSampleRate         = 24000
	DefaultBridgePath         = "/bridge"
	DefaultFinishDisplayDelay = 4 * time.Second
	DefaultResultsCapacity    = 500
)

// ValidTransports and ValidBackends list the built-in component names.
var (
	ValidTransports = []string{"websocket", "webrtc"}
	ValidBackends   = []string{"command", "bridge"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.KeyServer.Enabled && cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}

	if cfg.Credential.Path == "" {
		cfg.Credential.Path = DefaultCredentialPath
	}
	if cfg.Credential.Timeout == 0 {
		cfg.Credential.Timeout = DefaultCredentialTimeout
	}
	if cfg.Credential.BaseURL == "" && cfg.KeyServer.Enabled {
		scheme := "http"
		if cfg.Server.TLS != nil {
			scheme = "https"
		}
		cfg.Credential.BaseURL = scheme + "://" + loopbackAddr(cfg.Server.ListenAddr)
	}

	if cfg.Realtime.Transport == "" {
		cfg.Realtime.Transport = DefaultTransport
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = DefaultModel
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = DefaultVoice
	}
	if cfg.Realtime.Codec == "" {
		cfg.Realtime.Codec = string(realtime.CodecOpus)
	}
	if cfg.Realtime.TranscriptionModel == "" {
		cfg.Realtime.TranscriptionModel = DefaultTranscriptionModel
	}

	if cfg.Audio.Capture == "" {
		cfg.Audio.Capture = CaptureSoftware
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.BridgePath == "" {
		cfg.Audio.BridgePath = DefaultBridgePath
	}

	if cfg.Games.FinishDisplayDelay == 0 {
		cfg.Games.FinishDisplayDelay = DefaultFinishDisplayDelay
	}

	if cfg.KeyServer.APIKey == "" {
		cfg.KeyServer.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.KeyServer.Model == "" {
		cfg.KeyServer.Model = cfg.Realtime.Model
	}

	if cfg.Results.Capacity == 0 {
		cfg.Results.Capacity = DefaultResultsCapacity
	}
}

// loopbackAddr turns a listen address like ":8080" into one a local client
// can dial.
func loopbackAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}

	if cfg.Credential.BaseURL == "" {
		errs = append(errs, errors.New("credential.base_url is required unless keyserver.enabled is true"))
	} else if u, err := url.Parse(cfg.Credential.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("credential.base_url %q must be an absolute http(s) URL", cfg.Credential.BaseURL))
	}
	if cfg.Credential.Timeout < 0 {
		errs = append(errs, fmt.Errorf("credential.timeout %s must not be negative", cfg.Credential.Timeout))
	}

	if !slices.Contains(ValidTransports, cfg.Realtime.Transport) {
		slog.Warn("unknown realtime transport; it must be registered before use",
			"transport", cfg.Realtime.Transport, "known", ValidTransports)
	}
	if _, err := realtime.ParseCodec(cfg.Realtime.Codec); err != nil {
		errs = append(errs, fmt.Errorf("realtime.codec: %w", err))
	}
	if cfg.Realtime.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("realtime.reconnect_attempts %d must not be negative", cfg.Realtime.ReconnectAttempts))
	}

	if !cfg.Audio.Capture.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture %q is invalid; valid values: software, native", cfg.Audio.Capture))
	}
	if !slices.Contains(ValidBackends, cfg.Audio.Backend) {
		slog.Warn("unknown audio backend; it must be registered before use",
			"backend", cfg.Audio.Backend, "known", ValidBackends)
	}
	if cfg.Audio.Backend == "command" && len(cfg.Audio.Command) == 0 {
		errs = append(errs, errors.New("audio.command is required when audio.backend is command"))
	}
	if cfg.Audio.Backend == "bridge" && cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("audio.backend bridge requires server.listen_addr"))
	}
	switch cfg.Audio.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", cfg.Audio.SampleRate))
	}

	if cfg.Games.Timeout < 0 {
		errs = append(errs, fmt.Errorf("games.timeout %s must not be negative", cfg.Games.Timeout))
	}
	if cfg.Games.FinishDisplayDelay < 0 {
		errs = append(errs, fmt.Errorf("games.finish_display_delay %s must not be negative", cfg.Games.FinishDisplayDelay))
	}

	if cfg.KeyServer.Enabled && cfg.KeyServer.APIKey == "" {
		errs = append(errs, errors.New("keyserver.api_key (or OPENAI_API_KEY) is required when keyserver.enabled is true"))
	}

	if cfg.Results.Capacity < 0 {
		errs = append(errs, fmt.Errorf("results.capacity %d must not be negative", cfg.Results.Capacity))
	}

	return errors.Join(errs...)
}
