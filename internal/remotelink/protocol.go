// Package remotelink implements the full-duplex JSON wire protocol to the
// remote speech-to-speech service (spec.md §4.5, §6): a single WebSocket
// reader task demultiplexing inbound events by type, and an outbound writer
// serializing session.update, input_audio_buffer.append/commit, and
// response.create frames.
package remotelink

import "encoding/json"

// Soft error codes that must never trigger session termination or a retry
// (spec.md §7, Protocol.Transient).
const conversationAlreadyHasActiveResponse = "conversation_already_has_active_response"

// AudioSampleRate is the interchange sample rate for all audio crossing
// RemoteLink: 24kHz mono PCM16 little-endian (spec.md §6).
const AudioSampleRate = 24000

// AudioChunkSamples is the fixed chunk size for input_audio_buffer.append
// frames: 4800 samples at 24kHz is 200ms (spec.md §6).
const AudioChunkSamples = 4800

// ── outbound frames ─────────────────────────────────────────────────────

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model,omitempty"`
}

type sessionUpdateSession struct {
	InputAudioFormat        string                    `json:"input_audio_format"`
	Modalities              []string                  `json:"modalities,omitempty"`
	Instructions            string                    `json:"instructions,omitempty"`
	TurnDetection           *turnDetection            `json:"turn_detection"`
	InputAudioTranscription *inputAudioTranscription  `json:"input_audio_transcription,omitempty"`
}

type sessionUpdateFrame struct {
	Type    string               `json:"type"`
	Session sessionUpdateSession `json:"session"`
}

type audioAppendFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type audioCommitFrame struct {
	Type string `json:"type"`
}

type responseCreateBody struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type responseCreateFrame struct {
	Type     string              `json:"type"`
	Response responseCreateBody `json:"response"`
}

// ── inbound frames ──────────────────────────────────────────────────────

// serverEvent is the union of every inbound frame shape this client
// understands; unused fields are simply left zero for a given type.
type serverEvent struct {
	Type string `json:"type"`

	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`

	Response *responseEnvelope `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseEnvelope struct {
	ID string `json:"id"`
}

type serverErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) isSoftConflict() bool {
	return e != nil && e.Code == conversationAlreadyHasActiveResponse
}

func decodeServerEvent(data []byte) (serverEvent, error) {
	var evt serverEvent
	err := json.Unmarshal(data, &evt)
	return evt, err
}
