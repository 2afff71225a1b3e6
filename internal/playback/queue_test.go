package playback

import (
	"sync"
	"testing"
	"time"
)

func collectOutput() (Output, func() [][]byte) {
	var mu sync.Mutex
	var got [][]byte
	out := func(pcm []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, append([]byte(nil), pcm...))
	}
	return out, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), got...)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPlaybackQueue_DeliversChunksInOrder(t *testing.T) {
	out, snapshot := collectOutput()
	q := New(out, true)
	defer q.Close()

	q.Enqueue(Chunk{ResponseID: "r1", Seq: 0, PCM: []byte{1}})
	q.Enqueue(Chunk{ResponseID: "r1", Seq: 1, PCM: []byte{2}})
	q.Enqueue(Chunk{ResponseID: "r2", Seq: 0, PCM: []byte{3}})

	waitFor(t, func() bool { return len(snapshot()) == 3 })

	got := snapshot()
	want := [][]byte{{1}, {2}, {3}}
	for i := range want {
		if string(got[i]) != string(want[i]) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPlaybackQueue_DisabledDrainsWithoutCallingOutput(t *testing.T) {
	var calls int
	var mu sync.Mutex
	out := func(pcm []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	q := New(out, false)
	defer q.Close()

	q.Enqueue(Chunk{ResponseID: "r1", PCM: []byte{1}})
	q.Enqueue(Chunk{ResponseID: "r1", PCM: []byte{2}})

	waitFor(t, func() bool { return q.Depth() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("output called %d times while disabled, want 0", calls)
	}
}

func TestPlaybackQueue_ClearForResponseDropsOnlyMatching(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var once sync.Once

	out, snapshot := collectOutput()
	wrapped := func(pcm []byte) {
		once.Do(func() {
			started <- struct{}{}
			<-block // hold the first chunk in-flight so later enqueues queue up
		})
		out(pcm)
	}

	q := New(wrapped, true)
	defer q.Close()

	q.Enqueue(Chunk{ResponseID: "r1", Seq: 0, PCM: []byte{1}})
	<-started // first chunk is now stuck in Output

	q.Enqueue(Chunk{ResponseID: "r1", Seq: 1, PCM: []byte{2}})
	q.Enqueue(Chunk{ResponseID: "r2", Seq: 0, PCM: []byte{3}})

	q.ClearForResponse("r1")
	close(block)

	waitFor(t, func() bool { return len(snapshot()) == 2 })

	got := snapshot()
	if string(got[0]) != string([]byte{1}) {
		t.Errorf("first delivered chunk = %v, want the in-flight r1 chunk {1}", got[0])
	}
	if string(got[1]) != string([]byte{3}) {
		t.Errorf("second delivered chunk = %v, want r2's chunk {3} (r1's queued chunk dropped)", got[1])
	}
}

func TestPlaybackQueue_CloseIsIdempotentAndStopsDispatch(t *testing.T) {
	var calls int
	var mu sync.Mutex
	out := func(pcm []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	q := New(out, true)

	if err := q.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	q.Enqueue(Chunk{ResponseID: "r1", PCM: []byte{9}})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("output called after Close, want 0 calls")
	}
}

func TestPlaybackQueue_DepthReflectsPendingChunks(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var once sync.Once
	out := func(pcm []byte) {
		once.Do(func() {
			started <- struct{}{}
			<-block
		})
	}
	q := New(out, true)
	defer func() {
		close(block)
		q.Close()
	}()

	q.Enqueue(Chunk{ResponseID: "r1", PCM: []byte{1}})
	<-started

	q.Enqueue(Chunk{ResponseID: "r1", PCM: []byte{2}})
	q.Enqueue(Chunk{ResponseID: "r1", PCM: []byte{3}})

	waitFor(t, func() bool { return q.Depth() == 2 })
}
