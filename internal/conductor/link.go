package conductor

import (
	"github.com/voxbridge/simulcast/internal/remotelink"
	"github.com/voxbridge/simulcast/internal/scheduler"
)

// Link is the subset of *remotelink.Link the Conductor depends on, kept as
// an interface so the pipeline can be exercised against a fake in tests.
// *remotelink.Link satisfies it directly, including [scheduler.Transport]
// for the Scheduler it is handed to separately.
type Link interface {
	scheduler.Transport

	SendSessionUpdate(cfg remotelink.SessionConfig) error
	AppendAudio(pcm []byte) error
	CommitAudio() error

	Transcripts() <-chan remotelink.TranscriptEvent
	TranslationText() <-chan remotelink.TranslationDelta
	Audio() <-chan remotelink.AudioDelta
	SchedulerEvents() <-chan remotelink.SchedulerEvent
	SpeechBoundaries() <-chan remotelink.SpeechBoundaryEvent

	Close() error
}
