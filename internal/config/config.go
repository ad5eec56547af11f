// Package config provides the configuration schema, loader, hot-reload watcher
// and component registry for partyhost.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CaptureMode selects who owns the microphone.
type CaptureMode string

const (
	// CaptureSoftware feeds the microphone into the transport's audio track.
	CaptureSoftware CaptureMode = "software"

	// CaptureNative streams microphone chunks as append events under
	// push-to-talk control.
	CaptureNative CaptureMode = "native"
)

// IsValid reports whether m is a recognised capture mode.
func (m CaptureMode) IsValid() bool {
	return m == CaptureSoftware || m == CaptureNative
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Credential CredentialConfig `yaml:"credential"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Audio      AudioConfig      `yaml:"audio"`
	Games      GamesConfig      `yaml:"games"`
	KeyServer  KeyServerConfig  `yaml:"keyserver"`
	Results    ResultsConfig    `yaml:"results"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (health, metrics, key
	// server, results API and mic bridge). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CredentialConfig locates the ephemeral key endpoint.
type CredentialConfig struct {
	// BaseURL is the origin serving the session endpoint. When empty and the
	// key server is enabled, the local server is used.
	BaseURL string `yaml:"base_url"`

	// Path is the session endpoint path. Default: /api/session/.
	Path string `yaml:"path"`

	Timeout time.Duration `yaml:"timeout"`
}

// RealtimeConfig selects and tunes the remote agent transport.
type RealtimeConfig struct {
	// Transport is a registered transport name: "websocket" or "webrtc".
	Transport string `yaml:"transport"`

	Model              string `yaml:"model"`
	Voice              string `yaml:"voice"`
	Codec              string `yaml:"codec"`
	TranscriptionModel string `yaml:"transcription_model"`

	// BaseURL overrides the transport endpoint (the websocket URL or the
	// WebRTC calls URL).
	BaseURL string `yaml:"base_url"`

	// ICEServers are STUN/TURN URLs for the WebRTC transport.
	ICEServers []string `yaml:"ice_servers"`

	PushToTalk bool `yaml:"push_to_talk"`

	// ReconnectAttempts is how often a dropped session is redialled.
	// Zero disables automatic reconnection.
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// AudioConfig selects the microphone and speaker devices.
type AudioConfig struct {
	Capture CaptureMode `yaml:"capture"`

	// Backend is a registered capturer name: "command" or "bridge".
	Backend string `yaml:"backend"`

	// Command is the capture command for the command backend. It must write
	// raw little-endian PCM16 mono to stdout. "{rate}" is replaced by the
	// sample rate.
	Command []string `yaml:"command"`

	// PlaybackCommand plays agent audio. It reads raw PCM16 from stdin.
	// Empty discards agent audio.
	PlaybackCommand []string `yaml:"playback_command"`

	SampleRate int `yaml:"sample_rate"`

	// BridgePath is where the bridge backend accepts companion connections.
	BridgePath string `yaml:"bridge_path"`
}

// GamesConfig configures the game catalog and lifecycle.
type GamesConfig struct {
	// Catalog is a YAML catalog file. Empty uses the built-in catalog.
	Catalog string `yaml:"catalog"`

	// Timeout ends a game locally when the agent never finishes it. Zero
	// disables the timeout. Hot-reloadable.
	Timeout time.Duration `yaml:"timeout"`

	// FinishDisplayDelay is how long a finished game's result stays on screen.
	FinishDisplayDelay time.Duration `yaml:"finish_display_delay"`
}

// KeyServerConfig configures the built-in credential server.
type KeyServerConfig struct {
	Enabled bool `yaml:"enabled"`

	// APIKey authenticates upstream. Default: $OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ResultsConfig selects the game result store.
type ResultsConfig struct {
	// PostgresDSN selects the PostgreSQL store. Empty keeps results in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Capacity bounds the in-memory store.
	Capacity int `yaml:"capacity"`
}
