package segqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxbridge/simulcast/internal/vad"
)

// DefaultCapacity is the SegmentQueue's default bound (spec.md §4.3).
const DefaultCapacity = 16

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("segqueue: queue is full")

// Release is the segment result handed to the Conductor once both paths
// reach terminal state, in strict id order.
type Release struct {
	Segment vad.Segment
	Text    PathResult
	Voice   PathResult
}

// entry tracks one in-flight segment's per-path state and audio-upload
// barrier.
type entry struct {
	seg vad.Segment

	text  PathResult
	voice PathResult

	audioUploaded bool
	uploadWaiters []chan struct{}
}

func (e *entry) bothTerminal() bool {
	return e.text.Terminal() && e.voice.Terminal()
}

// SegmentQueue is a bounded FIFO that dispatches each Segment to two
// independent paths exactly once, enforces the audio-upload barrier between
// them, and releases completed segments to the Conductor strictly in id
// order. All exported methods are safe for concurrent use; internally the
// queue's map and order slice are mutated only while holding mu (spec.md §5:
// "SegmentQueue internal map is mutated only by its own task").
type SegmentQueue struct {
	capacity int
	onDrop   func(seg vad.Segment, reason string)

	mu       sync.Mutex
	entries  map[int64]*entry
	order    []int64 // ids in enqueue order, strictly increasing
	released int       // count of leading ids in order already released

	releaseCh chan Release
}

// New builds a SegmentQueue with the given capacity (DefaultCapacity if <=
// 0). onDrop, if non-nil, is invoked (outside the queue's lock) whenever a
// segment is rejected or dropped, e.g. for metrics.
func New(capacity int, onDrop func(seg vad.Segment, reason string)) *SegmentQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SegmentQueue{
		capacity:  capacity,
		onDrop:    onDrop,
		entries:   make(map[int64]*entry),
		releaseCh: make(chan Release, capacity),
	}
}

// Releases returns the channel the Conductor drains for in-id-order
// completed segments.
func (q *SegmentQueue) Releases() <-chan Release {
	return q.releaseCh
}

// Enqueue admits a newly segmented utterance. Returns ErrFull if the queue
// is at capacity, in which case the caller should drop the segment (with a
// warning) rather than block, per spec.md §5's back-pressure policy.
func (q *SegmentQueue) Enqueue(seg vad.Segment) error {
	q.mu.Lock()
	inFlight := len(q.order) - q.released
	if inFlight >= q.capacity {
		q.mu.Unlock()
		if q.onDrop != nil {
			q.onDrop(seg, "queue_full")
		}
		return ErrFull
	}

	q.entries[seg.ID] = &entry{seg: seg}
	q.order = append(q.order, seg.ID)
	q.mu.Unlock()
	return nil
}

// MarkAudioUploaded records that TextPath has committed segment id's audio
// bytes to the wire. Idempotent. Wakes any VoicePath goroutine blocked in
// WaitAudioUploaded for this id.
func (q *SegmentQueue) MarkAudioUploaded(id int64) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if e.audioUploaded {
		q.mu.Unlock()
		return
	}
	e.audioUploaded = true
	waiters := e.uploadWaiters
	e.uploadWaiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// WaitAudioUploaded blocks until segment id's audio has been uploaded by
// TextPath, implementing the ordering barrier: "VoicePath must not begin
// its response creation for segment id N until TextPath has signalled
// audio_uploaded=true for segment N" (spec.md §4.3). Returns ctx.Err() if
// ctx is cancelled first, or an error if id is unknown.
func (q *SegmentQueue) WaitAudioUploaded(ctx context.Context, id int64) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("segqueue: unknown segment id %d", id)
	}
	if e.audioUploaded {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.uploadWaiters = append(e.uploadWaiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkPathComplete records path's terminal result for segment id.
// Idempotent per (id, path) — a second call for an already-terminal path is
// ignored. When both paths have reached a terminal state, the segment (and
// any now-eligible successors) are released to the Conductor in strict id
// order.
func (q *SegmentQueue) MarkPathComplete(id int64, path Path, result PathResult) {
	if !result.Terminal() {
		panic("segqueue: MarkPathComplete called with a non-terminal result")
	}

	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		slog.Warn("segqueue: path completion for unknown segment", "segment_id", id, "path", path)
		return
	}

	switch path {
	case TextPath:
		if e.text.Terminal() {
			q.mu.Unlock()
			return
		}
		e.text = result
	case VoicePath:
		if e.voice.Terminal() {
			q.mu.Unlock()
			return
		}
		e.voice = result
	}

	releases := q.drainReleasable()
	q.mu.Unlock()

	for _, r := range releases {
		q.releaseCh <- r
	}
}

// drainReleasable must be called with mu held. It pops and returns every
// leading entry (in id order) that has reached bothTerminal, advancing
// q.released and deleting the entries from the map.
func (q *SegmentQueue) drainReleasable() []Release {
	var out []Release
	for q.released < len(q.order) {
		id := q.order[q.released]
		e := q.entries[id]
		if e == nil || !e.bothTerminal() {
			break
		}
		out = append(out, Release{Segment: e.seg, Text: e.text, Voice: e.voice})
		delete(q.entries, id)
		q.released++
	}
	// Compact order occasionally so it doesn't grow unbounded over a long
	// session.
	if q.released > 0 && q.released == len(q.order) {
		q.order = q.order[:0]
		q.released = 0
	}
	return out
}

// Shutdown forces every in-flight segment to a cancelled release, as Clear
// does, then closes the release channel so a consumer ranging over
// Releases() terminates once the cancelled releases have been drained.
// Must be called at most once, after no further Enqueue calls are possible.
func (q *SegmentQueue) Shutdown() {
	q.Clear()
	close(q.releaseCh)
}

// Len returns the number of segments currently in flight (enqueued but not
// yet released).
func (q *SegmentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order) - q.released
}

// Clear rejects every in-flight segment with reason "cancelled" by marking
// both paths terminal-error and releasing them, then resets the queue for
// the next session. Used by the Conductor on session stop (spec.md §4.7).
func (q *SegmentQueue) Clear() {
	q.mu.Lock()
	var releases []Release
	for i := q.released; i < len(q.order); i++ {
		id := q.order[i]
		e := q.entries[id]
		if e == nil {
			continue
		}
		if !e.text.Terminal() {
			e.text = PathResult{State: Error, Reason: "cancelled"}
		}
		if !e.voice.Terminal() {
			e.voice = PathResult{State: Error, Reason: "cancelled"}
		}
		releases = append(releases, Release{Segment: e.seg, Text: e.text, Voice: e.voice})
		delete(q.entries, id)
	}
	q.order = q.order[:0]
	q.released = 0
	q.mu.Unlock()

	for _, r := range releases {
		q.releaseCh <- r
	}
}
