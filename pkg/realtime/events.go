package realtime

import (
	"encoding/json"
)

// Outbound event types.
const (
	EventInputAudioBufferClear  = "input_audio_buffer.clear"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventInputAudioBufferCommit = "input_audio_buffer.commit"
	EventResponseCreate         = "response.create"
	EventResponseCancel         = "response.cancel"
	EventSessionUpdate          = "session.update"
	EventConversationItemCreate = "conversation.item.create"
)

// Inbound event types.
const (
	EventSessionCreated                = "session.created"
	EventSessionUpdated                = "session.updated"
	EventInputTranscriptionDelta       = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptionCompleted   = "conversation.item.input_audio_transcription.completed"
	EventResponseAudioTranscriptDelta  = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone   = "response.audio_transcript.done"
	EventResponseAudioDelta            = "response.audio.delta"
	EventResponseFunctionCallArgsDone  = "response.function_call_arguments.done"
	EventInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventInputAudioBufferCommitted     = "input_audio_buffer.committed"
	EventError                         = "error"
)

// ClientEvent is an event sent to the remote agent. It is marshalled as is,
// so callers may build arbitrary control messages; the constructors below
// cover the ones partyhost uses.
type ClientEvent map[string]any

// Type returns the event's "type" field.
func (e ClientEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}

// ClearInputBuffer discards any audio the server buffered for the next turn.
func ClearInputBuffer() ClientEvent {
	return ClientEvent{"type": EventInputAudioBufferClear}
}

// AppendInputAudio appends base64 PCM16 audio to the server's input buffer.
func AppendInputAudio(b64 string) ClientEvent {
	return ClientEvent{"type": EventInputAudioBufferAppend, "audio": b64}
}

// CommitInputBuffer turns the buffered audio into a user message.
func CommitInputBuffer() ClientEvent {
	return ClientEvent{"type": EventInputAudioBufferCommit}
}

// CreateResponse asks the agent to respond.
func CreateResponse() ClientEvent {
	return ClientEvent{"type": EventResponseCreate}
}

// CancelResponse stops the in-flight response.
func CancelResponse() ClientEvent {
	return ClientEvent{"type": EventResponseCancel}
}

// UpdateSession reconfigures the live session.
func UpdateSession(p SessionParams) ClientEvent {
	return ClientEvent{"type": EventSessionUpdate, "session": p}
}

// UserMessage creates a user text message with the given item id.
func UserMessage(id, text string) ClientEvent {
	return ClientEvent{
		"type": EventConversationItemCreate,
		"item": map[string]any{
			"id":   id,
			"type": "message",
			"role": "user",
			"content": []map[string]string{
				{"type": "input_text", "text": text},
			},
		},
	}
}

// FunctionCallOutput returns a tool result to the agent.
func FunctionCallOutput(callID, output string) ClientEvent {
	return ClientEvent{
		"type": EventConversationItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

// ErrorDetail is the nested error object of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent is an event received from the remote agent. Only the fields
// partyhost consumes are decoded.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// ItemID identifies the conversation item a transcription or transcript
	// event belongs to.
	ItemID string `json:"item_id,omitempty"`

	// Delta carries transcript text or base64 audio, depending on Type.
	Delta string `json:"delta,omitempty"`

	// Transcript is the final text of a completed transcription.
	Transcript string `json:"transcript,omitempty"`

	// Function call fields.
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`
}

// ParseServerEvent decodes one inbound message.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ServerEvent{}, err
	}
	return evt, nil
}
