// Package segqueue implements the bounded FIFO SegmentQueue that
// coordinates the independent TextPath and VoicePath processing of each
// detected Segment, enforcing the audio-upload barrier and releasing
// completed segments to the Conductor in strict id order.
package segqueue

import "fmt"

// Path identifies one of the two independent per-segment processing paths.
type Path int

const (
	TextPath Path = iota
	VoicePath
)

func (p Path) String() string {
	if p == VoicePath {
		return "voice-path"
	}
	return "text-path"
}

// ResultState is the terminal/pending state of one path's result.
type ResultState int

const (
	Pending ResultState = iota
	Ok
	Error
)

// PathResult is the outcome of a path's processing of a segment: pending,
// ok with a payload, or error with a reason. Zero value is Pending.
type PathResult struct {
	State   ResultState
	Payload string // set when State == Ok
	Reason  string // set when State == Error
}

func (r PathResult) String() string {
	switch r.State {
	case Ok:
		return fmt.Sprintf("ok(%s)", r.Payload)
	case Error:
		return fmt.Sprintf("error(%s)", r.Reason)
	default:
		return "pending"
	}
}

// Terminal reports whether the result has reached a terminal state.
func (r PathResult) Terminal() bool {
	return r.State != Pending
}
