// Package realtime defines the transport contract between partyhost and a
// hosted realtime conversational agent speaking the OpenAI Realtime event
// protocol.
//
// The central abstraction is [Conn]: one live, bidirectional event stream to
// the agent, optionally carrying an outbound microphone track. A [Dialer]
// opens connections; sub-packages provide dialers for a websocket transport
// (realtime/ws) and a WebRTC transport (realtime/rtc), plus an
// in-memory double (realtime/mock).
//
// A connection exposes readiness as a signal rather than a delay: [Conn.Ready]
// is closed once the transport has confirmed that its event channel is usable
// (the session.created event over websocket, the data channel opening over
// WebRTC). Callers must not assume events can be sent before that.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("realtime: connection closed")

// Codec selects the audio codec negotiated for the transport.
type Codec string

const (
	// CodecOpus is wide-band audio. Over websocket it maps to pcm16.
	CodecOpus Codec = "opus"

	// CodecPCMU is narrow-band G.711 u-law.
	CodecPCMU Codec = "pcmu"

	// CodecPCMA is narrow-band G.711 A-law.
	CodecPCMA Codec = "pcma"
)

// ParseCodec validates a codec name. The empty string selects [CodecOpus].
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecOpus:
		return CodecOpus, nil
	case CodecPCMU, CodecPCMA:
		return Codec(s), nil
	default:
		return "", fmt.Errorf("realtime: unknown codec %q (want opus, pcmu or pcma)", s)
	}
}

// NarrowBand reports whether the codec runs at 8 kHz.
func (c Codec) NarrowBand() bool { return c == CodecPCMU || c == CodecPCMA }

// AudioFormatForCodec returns the session input/output audio format matching
// the codec.
func AudioFormatForCodec(c Codec) string {
	switch c {
	case CodecPCMU:
		return "g711_ulaw"
	case CodecPCMA:
		return "g711_alaw"
	default:
		return "pcm16"
	}
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

// ServerVAD returns the voice activity settings used when push-to-talk is off.
func ServerVAD() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.9,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
		CreateResponse:    true,
	}
}

// Tool is a function the agent may call.
type Tool struct {
	Name        string
	Description string

	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any

	// Execute runs the tool. args is the raw JSON arguments string sent by the
	// agent; extra is the context supplied at connect time. The result is
	// JSON-encoded and returned to the agent.
	Execute func(ctx context.Context, args json.RawMessage, extra map[string]any) (any, error)
}

// Agent is a named persona with instructions and tools. The first agent
// passed to a connect call is the root agent.
type Agent struct {
	Name         string
	Voice        string
	Instructions string
	Tools        []Tool
}

// FindTool returns the agent's tool called name.
func (a Agent) FindTool(name string) (Tool, bool) {
	for _, t := range a.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// SessionParams is the payload of a session.update event. Zero fields are
// omitted so partial updates leave the rest of the session untouched.
type SessionParams struct {
	Instructions       string
	Voice              string
	Tools              []Tool
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string

	// TurnDetection enables server VAD with the given settings.
	TurnDetection *TurnDetection

	// DisableTurnDetection sends an explicit null turn_detection, which puts
	// the session into push-to-talk mode. It wins over TurnDetection.
	DisableTurnDetection bool
}

// MarshalJSON implements [json.Marshaler].
func (p SessionParams) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if p.Instructions != "" {
		m["instructions"] = p.Instructions
	}
	if p.Voice != "" {
		m["voice"] = p.Voice
	}
	if len(p.Tools) > 0 {
		tools := make([]map[string]any, len(p.Tools))
		for i, t := range p.Tools {
			tool := map[string]any{"type": "function", "name": t.Name}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			if t.Parameters != nil {
				tool["parameters"] = t.Parameters
			}
			tools[i] = tool
		}
		m["tools"] = tools
	}
	if p.InputAudioFormat != "" {
		m["input_audio_format"] = p.InputAudioFormat
	}
	if p.OutputAudioFormat != "" {
		m["output_audio_format"] = p.OutputAudioFormat
	}
	if p.TranscriptionModel != "" {
		m["input_audio_transcription"] = map[string]string{"model": p.TranscriptionModel}
	}
	switch {
	case p.DisableTurnDetection:
		m["turn_detection"] = nil
	case p.TurnDetection != nil:
		m["turn_detection"] = p.TurnDetection
	}
	return json.Marshal(m)
}

// DialConfig is everything a [Dialer] needs to open one connection.
type DialConfig struct {
	// EphemeralKey authenticates the connection.
	EphemeralKey string

	// Model is the realtime model name.
	Model string

	// Codec selects the audio codec. Applied before negotiation.
	Codec Codec

	// Session is sent as the initial session.update.
	Session SessionParams

	// Microphone feeds the connection's outbound audio track. Nil means the
	// connection is opened without an outbound track; audio then only reaches
	// the agent through explicit input_audio_buffer.append events.
	Microphone device.Capturer

	// Output receives the agent's synthesized speech. Sends never block;
	// frames are dropped when Output is full. May be nil.
	Output chan<- audio.AudioFrame
}

// Conn is a live connection to the agent.
type Conn interface {
	// Send writes one event to the agent.
	Send(ctx context.Context, evt ClientEvent) error

	// Events delivers inbound events in arrival order. It is closed when the
	// connection ends; Err then reports why.
	Events() <-chan ServerEvent

	// Ready is closed once the event channel is confirmed usable.
	Ready() <-chan struct{}

	// HasAudioTrack reports whether the connection carries an outbound
	// microphone track.
	HasAudioTrack() bool

	// Mute gates the outbound microphone track. It is a no-op without a track.
	Mute(muted bool)

	// Muted reports the current mute state. Connections without a track
	// report true.
	Muted() bool

	// Err returns the error that ended the connection, or nil.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens connections to the agent.
type Dialer interface {
	// Dial negotiates a new connection. It returns once the transport is
	// established; readiness is signalled separately through [Conn.Ready].
	// Cancelling ctx aborts an in-flight negotiation.
	Dial(ctx context.Context, cfg DialConfig) (Conn, error)
}
