package vad

import "time"

// Segment is one detected utterance: the Segmenter's output, consumed by
// the SegmentQueue. Audio is 16-bit PCM at 24kHz, mono.
type Segment struct {
	ID         int64
	StartTime  time.Time
	EndTime    time.Time
	Audio      []int16
	SourceLang string // initially empty; set by language auto-detection
}

// Segmenter accumulates conditioned, resampled (24kHz PCM16) audio into a
// scratch buffer and finalizes a [Segment] on SpeechEnd, provided the span
// meets the preset's minimum speech duration. Owned by exactly one task
// (spec.md §5's VAD+Segmenter task).
type Segmenter struct {
	minSpeech time.Duration

	scratch    []int16
	startIndex int // -1 when not in an active span
	startTime  time.Time

	nextID int64

	onSegment func(Segment)
}

// NewSegmenter builds a Segmenter with the given preset's minimum speech
// duration and a callback invoked for every finalized segment, in id order
// (the Segmenter only ever produces ids in increasing order itself).
func NewSegmenter(preset Preset, onSegment func(Segment)) *Segmenter {
	_, minSpeech, _ := PresetParams(preset)
	return &Segmenter{
		minSpeech:  minSpeech,
		startIndex: -1,
		nextID:     1,
		onSegment:  onSegment,
	}
}

// Append adds resampled PCM16 samples to the scratch buffer. Must be called
// once per frame, in order. While no span is active the samples are
// discarded, so the buffer holds only the current span's audio.
func (s *Segmenter) Append(samples []int16) {
	if s.startIndex < 0 {
		return
	}
	s.scratch = append(s.scratch, samples...)
}

// StartBoundary starts a new speech span with an empty scratch buffer.
// Called on SpeechStart.
func (s *Segmenter) StartBoundary(at time.Time) {
	s.scratch = s.scratch[:0]
	s.startIndex = 0
	s.startTime = at
}

// EndBoundary finalizes the active span as a [Segment] if its duration
// meets the minimum speech requirement, invoking onSegment; otherwise the
// span is dropped silently. Called on SpeechEnd. Returns whether a segment
// was emitted.
func (s *Segmenter) EndBoundary(at time.Time) bool {
	if s.startIndex < 0 {
		return false
	}
	span := s.scratch
	duration := at.Sub(s.startTime)

	s.scratch = nil
	s.startIndex = -1

	if duration < s.minSpeech {
		return false
	}
	if len(span) == 0 {
		return false
	}

	audio := make([]int16, len(span))
	copy(audio, span)

	seg := Segment{
		ID:        s.nextID,
		StartTime: s.startTime,
		EndTime:   at,
		Audio:     audio,
	}
	s.nextID++
	if s.onSegment != nil {
		s.onSegment(seg)
	}
	return true
}

// Active reports whether a speech span is currently being accumulated.
func (s *Segmenter) Active() bool {
	return s.startIndex >= 0
}
