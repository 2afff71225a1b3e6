package remotelink_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/simulcast/internal/remotelink"
	"github.com/voxbridge/simulcast/internal/scheduler"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func dialTest(t *testing.T, srv *httptest.Server) *remotelink.Link {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	link, err := remotelink.Dial(ctx, wsURL(srv), "test-token")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link
}

func TestDial_SendsAuthHeader(t *testing.T) {
	authHeader := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		<-conn.CloseRead(context.Background()).Done()
	})
	dialTest(t, srv)

	select {
	case auth := <-authHeader:
		if auth != "Bearer test-token" {
			t.Errorf("Authorization = %q, want Bearer test-token", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dial")
	}
}

func TestSendSessionUpdate_SerializesExpectedFields(t *testing.T) {
	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat string   `json:"input_audio_format"`
			Modalities       []string `json:"modalities"`
			Instructions     string   `json:"instructions"`
			TurnDetection    any      `json:"turn_detection"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	err := link.SendSessionUpdate(remotelink.SessionConfig{
		Modalities:   []string{"text", "audio"},
		Instructions: "translate to english",
	})
	if err != nil {
		t.Fatalf("SendSessionUpdate: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q, want session.update", msg.Type)
		}
		if msg.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input_audio_format = %q, want pcm16", msg.Session.InputAudioFormat)
		}
		if msg.Session.Instructions != "translate to english" {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.TurnDetection != nil {
			t.Errorf("turn_detection = %v, want null (non-SERVER_VAD)", msg.Session.TurnDetection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestAppendAudio_ChunksAtFixedSize(t *testing.T) {
	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	chunks := make(chan appendMsg, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for i := 0; i < 2; i++ {
			var msg appendMsg
			readJSON(t, conn, &msg)
			chunks <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	// 1.5 chunks' worth of samples: should split into one full chunk and one
	// partial chunk.
	pcm := make([]byte, int(1.5*remotelink.AudioChunkSamples)*2)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := link.AppendAudio(pcm); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	var total int
	for i := 0; i < 2; i++ {
		select {
		case msg := <-chunks:
			if msg.Type != "input_audio_buffer.append" {
				t.Errorf("type = %q, want input_audio_buffer.append", msg.Type)
			}
			decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				t.Fatalf("base64 decode: %v", err)
			}
			total += len(decoded)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}
	if total != len(pcm) {
		t.Errorf("total decoded bytes = %d, want %d", total, len(pcm))
	}
}

func TestCommitAudio_SendsCommitFrame(t *testing.T) {
	type commitMsg struct {
		Type string `json:"type"`
	}
	received := make(chan commitMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg commitMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	if err := link.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Type != "input_audio_buffer.commit" {
			t.Errorf("type = %q, want input_audio_buffer.commit", msg.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for commit frame")
	}
}

func TestSendResponseCreate_ImplementsSchedulerTransport(t *testing.T) {
	type createMsg struct {
		Type     string `json:"type"`
		Response struct {
			Modalities   []string `json:"modalities"`
			Instructions string   `json:"instructions"`
		} `json:"response"`
	}
	received := make(chan createMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg createMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	var transport scheduler.Transport = link
	err := transport.SendResponseCreate(context.Background(), scheduler.ResponseRequest{
		SegmentID:    1,
		Modalities:   []string{"text"},
		Instructions: "be terse",
	})
	if err != nil {
		t.Fatalf("SendResponseCreate: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "response.create" {
			t.Errorf("type = %q, want response.create", msg.Type)
		}
		if msg.Response.Instructions != "be terse" {
			t.Errorf("instructions = %q", msg.Response.Instructions)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestDispatch_TranscriptEvent(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hello there",
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	select {
	case evt, ok := <-link.Transcripts():
		if !ok {
			t.Fatal("Transcripts channel closed unexpectedly")
		}
		if evt.Transcript != "hello there" {
			t.Errorf("transcript = %q, want %q", evt.Transcript, "hello there")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript event")
	}
}

func TestDispatch_ResponseLifecycleEvents(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-1"}})
		writeJSON(t, conn, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp-1"}})
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	select {
	case evt := <-link.SchedulerEvents():
		if evt.Kind != remotelink.ResponseCreated || evt.ResponseID != "resp-1" {
			t.Errorf("first event = %+v, want Created/resp-1", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.created")
	}
	select {
	case evt := <-link.SchedulerEvents():
		if evt.Kind != remotelink.ResponseDone || evt.ResponseID != "resp-1" {
			t.Errorf("second event = %+v, want Done/resp-1", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.done")
	}
}

func TestDispatch_SoftConflictRoutesToSchedulerEvent(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"code":    "conversation_already_has_active_response",
				"message": "already active",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	select {
	case evt := <-link.SchedulerEvents():
		if evt.Kind != remotelink.ResponseSoftError {
			t.Errorf("event = %+v, want SoftError", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for soft-error event")
	}
}

func TestDispatch_OtherErrorDoesNotCrashAndIsNotForwarded(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"message": "some other problem"},
		})
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-2"}})
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	select {
	case evt := <-link.SchedulerEvents():
		if evt.Kind != remotelink.ResponseCreated {
			t.Errorf("event = %+v, want the response.created that follows the generic error", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.created after generic error")
	}
}

func TestDispatch_AudioDeltaDecodesBase64(t *testing.T) {
	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": encoded})
		writeJSON(t, conn, map[string]any{"type": "response.audio.done"})
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	select {
	case chunk, ok := <-link.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk.PCM) != string(wantPCM) || chunk.Done {
			t.Errorf("chunk = %+v, want decoded PCM %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio delta")
	}
	select {
	case chunk, ok := <-link.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if !chunk.Done {
			t.Errorf("chunk = %+v, want Done=true", chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio done")
	}
}

func TestDispatch_TranslationTextDeltaAndDone(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "bonjour"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)

	select {
	case d := <-link.TranslationText():
		if d.Text != "bonjour" || d.Done {
			t.Errorf("delta = %+v, want text=bonjour done=false", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for translation delta")
	}
	select {
	case d := <-link.TranslationText():
		if !d.Done {
			t.Errorf("delta = %+v, want done=true", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for translation done")
	}
}

func TestClose_ClosesAllChannelsAndIsIdempotent(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link, err := remotelink.Dial(ctx, wsURL(srv), "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := link.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, open := <-link.Audio():
		if open {
			t.Error("Audio channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}
}

func TestErr_NilBeforeAnyFailure(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	link := dialTest(t, srv)
	if got := link.Err(); got != nil {
		t.Errorf("Err() = %v, want nil", got)
	}
}
