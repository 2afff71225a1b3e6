package remotelink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxbridge/simulcast/internal/scheduler"
)

// SessionConfig carries the initial session.update parameters sent once a
// Link is established (spec.md §6).
type SessionConfig struct {
	Modalities      []string
	Instructions    string
	TurnDetection   bool // true for SERVER_VAD preset; otherwise turn_detection is null
	TranscriptModel string
}

// SchedulerEventKind classifies an inbound frame routed to the Scheduler.
type SchedulerEventKind int

const (
	ResponseCreated SchedulerEventKind = iota
	ResponseDone
	ResponseSoftError
)

// SchedulerEvent is a response.created/response.done/error frame, demuxed
// and forwarded to the Scheduler.
type SchedulerEvent struct {
	Kind       SchedulerEventKind
	ResponseID string
}

// TranscriptEvent is a conversation.item.input_audio_transcription.completed
// frame, forwarded to TextPath.
type TranscriptEvent struct {
	Transcript string
}

// TranslationDelta is a response.audio_transcript.delta/.done frame pair,
// forwarded to VoicePath.
type TranslationDelta struct {
	Text string
	Done bool
}

// AudioDelta is a response.audio.delta/.done frame pair, forwarded to
// VoicePath and PlaybackQueue.
type AudioDelta struct {
	PCM  []byte // decoded PCM16 little-endian, empty on Done
	Done bool
}

// SpeechBoundaryKind classifies an input_audio_buffer.speech_started/
// .speech_stopped frame, emitted by the remote service's own VAD when
// turn_detection is configured to server_vad (SessionConfig.TurnDetection).
type SpeechBoundaryKind int

const (
	SpeechBoundaryStart SpeechBoundaryKind = iota
	SpeechBoundaryStop
)

// SpeechBoundaryEvent is a server-originated speech-start/speech-stop
// signal, forwarded to the Conductor's capture task so it can drive the
// Segmenter directly in SERVER_VAD mode (spec.md §4.2).
type SpeechBoundaryEvent struct {
	Kind SpeechBoundaryKind
}

// Link is the full-duplex connection to the remote speech service. A single
// reader goroutine demultiplexes inbound frames by type onto typed
// channels; writes are serialized through a mutex since the underlying
// websocket connection permits only one writer at a time.
type Link struct {
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex

	transcripts chan TranscriptEvent
	translation chan TranslationDelta
	audio       chan AudioDelta
	events      chan SchedulerEvent
	boundaries  chan SpeechBoundaryEvent

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
}

// Dial opens a WebSocket connection to url, authenticating with authToken,
// and starts the reader goroutine. ctx bounds the connection's lifetime;
// cancelling it closes the socket.
func Dial(ctx context.Context, url, authToken string) (*Link, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + authToken},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("remotelink: dial: %w", err)
	}

	l := &Link{
		conn:        conn,
		ctx:         ctx,
		transcripts: make(chan TranscriptEvent, 16),
		translation: make(chan TranslationDelta, 64),
		audio:       make(chan AudioDelta, 64),
		events:      make(chan SchedulerEvent, 16),
		boundaries:  make(chan SpeechBoundaryEvent, 16),
	}
	go l.readLoop()
	return l, nil
}

// Transcripts returns the channel of completed input-audio transcriptions.
func (l *Link) Transcripts() <-chan TranscriptEvent { return l.transcripts }

// TranslationText returns the channel of translated-text stream deltas.
func (l *Link) TranslationText() <-chan TranslationDelta { return l.translation }

// Audio returns the channel of synthesized audio stream deltas.
func (l *Link) Audio() <-chan AudioDelta { return l.audio }

// SchedulerEvents returns the channel of response lifecycle events bound for
// the Scheduler.
func (l *Link) SchedulerEvents() <-chan SchedulerEvent { return l.events }

// SpeechBoundaries returns the channel of server-originated speech-start/
// speech-stop events, populated only when the session was configured with
// turn_detection: server_vad.
func (l *Link) SpeechBoundaries() <-chan SpeechBoundaryEvent { return l.boundaries }

// Err returns the error that terminated the read loop, if any. A nil error
// after the channels close means the context was cancelled deliberately.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Connected reports whether the socket is still open and the read loop has
// not recorded a terminal error. Used as a readiness check.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.err == nil
}

// SendSessionUpdate transmits the initial session.update frame (spec.md §6).
func (l *Link) SendSessionUpdate(cfg SessionConfig) error {
	var td *turnDetection
	if cfg.TurnDetection {
		td = &turnDetection{Type: "server_vad"}
	}
	var transcription *inputAudioTranscription
	if cfg.TranscriptModel != "" {
		transcription = &inputAudioTranscription{Model: cfg.TranscriptModel}
	}
	return l.writeJSON(sessionUpdateFrame{
		Type: "session.update",
		Session: sessionUpdateSession{
			InputAudioFormat:        "pcm16",
			Modalities:              cfg.Modalities,
			Instructions:            cfg.Instructions,
			TurnDetection:           td,
			InputAudioTranscription: transcription,
		},
	})
}

// AppendAudio streams pcm (24kHz mono PCM16 little-endian bytes) as one or
// more input_audio_buffer.append frames, chunked at AudioChunkSamples
// samples (200ms) per frame (spec.md §6).
func (l *Link) AppendAudio(pcm []byte) error {
	const chunkBytes = AudioChunkSamples * 2 // 2 bytes/sample
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := audioAppendFrame{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(pcm[off:end]),
		}
		if err := l.writeJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

// CommitAudio sends input_audio_buffer.commit, terminating the current
// utterance.
func (l *Link) CommitAudio() error {
	return l.writeJSON(audioCommitFrame{Type: "input_audio_buffer.commit"})
}

// SendResponseCreate implements [scheduler.Transport], letting the Scheduler
// drive response.create frames without depending on this package's types.
func (l *Link) SendResponseCreate(ctx context.Context, req scheduler.ResponseRequest) error {
	return l.writeJSON(responseCreateFrame{
		Type: "response.create",
		Response: responseCreateBody{
			Modalities:   req.Modalities,
			Instructions: req.Instructions,
		},
	})
}

func (l *Link) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remotelink: marshal: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(l.ctx, websocket.MessageText, data)
}

// readLoop reads frames until the socket closes or ctx is cancelled,
// demultiplexing each by type. It owns and closes all five channels on
// exit, per spec.md §4.5's single-reader-task design.
func (l *Link) readLoop() {
	defer l.closeChannels()

	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.setErr(err)
				slog.Warn("remotelink: read loop terminated", "err", err)
			}
			return
		}

		evt, err := decodeServerEvent(data)
		if err != nil {
			slog.Warn("remotelink: dropping malformed frame", "err", err)
			continue
		}
		l.dispatch(evt)
	}
}

func (l *Link) dispatch(evt serverEvent) {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.completed":
		l.sendTranscript(TranscriptEvent{Transcript: evt.Transcript})

	case "response.created":
		if evt.Response != nil {
			l.sendEvent(SchedulerEvent{Kind: ResponseCreated, ResponseID: evt.Response.ID})
		}

	case "response.done":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		l.sendEvent(SchedulerEvent{Kind: ResponseDone, ResponseID: id})

	case "response.audio_transcript.delta":
		l.sendTranslation(TranslationDelta{Text: evt.Delta})
	case "response.audio_transcript.done":
		l.sendTranslation(TranslationDelta{Done: true})

	case "input_audio_buffer.speech_started":
		l.sendBoundary(SpeechBoundaryEvent{Kind: SpeechBoundaryStart})
	case "input_audio_buffer.speech_stopped":
		l.sendBoundary(SpeechBoundaryEvent{Kind: SpeechBoundaryStop})

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("remotelink: malformed audio delta", "err", err)
			return
		}
		l.sendAudio(AudioDelta{PCM: pcm})
	case "response.audio.done":
		l.sendAudio(AudioDelta{Done: true})

	case "error":
		if evt.Error.isSoftConflict() {
			l.sendEvent(SchedulerEvent{Kind: ResponseSoftError})
			return
		}
		msg := "unknown error"
		if evt.Error != nil {
			msg = evt.Error.Message
		}
		slog.Error("remotelink: server error", "message", msg)
	}
}

func (l *Link) sendTranscript(e TranscriptEvent) {
	select {
	case l.transcripts <- e:
	case <-l.ctx.Done():
	}
}

func (l *Link) sendTranslation(d TranslationDelta) {
	select {
	case l.translation <- d:
	case <-l.ctx.Done():
	}
}

func (l *Link) sendAudio(a AudioDelta) {
	select {
	case l.audio <- a:
	case <-l.ctx.Done():
	}
}

func (l *Link) sendEvent(e SchedulerEvent) {
	select {
	case l.events <- e:
	case <-l.ctx.Done():
	}
}

func (l *Link) sendBoundary(e SpeechBoundaryEvent) {
	select {
	case l.boundaries <- e:
	case <-l.ctx.Done():
	}
}

func (l *Link) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *Link) closeChannels() {
	l.closeOnce.Do(func() {
		close(l.transcripts)
		close(l.translation)
		close(l.audio)
		close(l.events)
		close(l.boundaries)
	})
}

// Close terminates the connection and stops the read loop. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return l.conn.Close(websocket.StatusNormalClosure, "session closed")
}
