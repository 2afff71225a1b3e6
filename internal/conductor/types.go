// Package conductor wires the capture-to-playback pipeline together: DSP
// conditioning, VAD segmentation, the dual text/voice per-segment paths, the
// remote speech-to-speech link, and playback, under one cancellable session
// (spec.md §4.7, §5).
package conductor

import "time"

// AudioFrame is one block of samples from Capture, at Capture's native
// sample rate.
type AudioFrame struct {
	Samples []float32
	At      time.Time
}

// Capture is the device-facing audio source driving the pipeline. Its
// implementation (platform mic/system capture) lives outside this package;
// spec.md §5 names it a device callback task external to the core.
type Capture interface {
	Frames() <-chan AudioFrame
	SampleRate() float64
}

// Outcome classifies how a segment's processing concluded, for the Result
// emitted to the UI adapter.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTextError   Outcome = "text_error"
	OutcomeVoiceError  Outcome = "voice_error"
	OutcomeCancelled   Outcome = "cancelled"
)

// Result is one segment's final outcome, emitted to the UI adapter strictly
// in segment-id order (spec.md §5's ordering guarantee).
type Result struct {
	SegmentID   int64
	SourceLang  string
	Transcript  string
	Translation string
	Outcome     Outcome
}
