package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Log level and game timing are applied live; everything else is reported in
// RestartRequired so the operator can be told.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GameTimeoutChanged bool
	NewGameTimeout     GamesConfig

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GameTimeoutChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Games.Timeout != new.Games.Timeout || old.Games.FinishDisplayDelay != new.Games.FinishDisplayDelay {
		d.GameTimeoutChanged = true
		d.NewGameTimeout = new.Games
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Credential != new.Credential {
		d.RestartRequired = append(d.RestartRequired, "credential")
	}
	if !sameRealtime(old.Realtime, new.Realtime) {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Games.Catalog != new.Games.Catalog {
		d.RestartRequired = append(d.RestartRequired, "games")
	}
	if old.KeyServer != new.KeyServer {
		d.RestartRequired = append(d.RestartRequired, "keyserver")
	}
	if old.Results != new.Results {
		d.RestartRequired = append(d.RestartRequired, "results")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameRealtime(a, b RealtimeConfig) bool {
	return slices.Equal(a.ICEServers, b.ICEServers) && a.Transport == b.Transport && a.Model == b.Model && a.Voice == b.Voice &&
		a.Codec == b.Codec && a.TranscriptionModel == b.TranscriptionModel &&
		a.BaseURL == b.BaseURL && a.PushToTalk == b.PushToTalk && a.ReconnectAttempts == b.ReconnectAttempts
}

func sameAudio(a, b AudioConfig) bool {
	return a.Capture == b.Capture && a.Backend == b.Backend &&
		slices.Equal(a.Command, b.Command) && slices.Equal(a.PlaybackCommand, b.PlaybackCommand) &&
		a.SampleRate == b.SampleRate && a.BridgePath == b.BridgePath
}
