package conductor

import (
	"context"
	"time"

	"github.com/voxbridge/simulcast/internal/remotelink"
	"github.com/voxbridge/simulcast/internal/segqueue"
	"github.com/voxbridge/simulcast/internal/vad"
)

// transcriptWaiter is one TextPath goroutine blocked for its segment's
// transcription-completed event, registered in commit order.
type transcriptWaiter struct {
	segmentID int64
	ch        chan remotelink.TranscriptEvent
}

// runTranscriptRouter is the single reader of link.Transcripts(). The
// realtime protocol delivers exactly one transcription-completed event per
// commit, in commit order, so a plain FIFO correlates each event to the
// oldest still-waiting TextPath.
func (c *Conductor) runTranscriptRouter(ctx context.Context) {
	for {
		select {
		case evt, ok := <-c.link.Transcripts():
			if !ok {
				return
			}
			c.transcriptMu.Lock()
			if len(c.transcriptQueue) == 0 {
				c.transcriptMu.Unlock()
				continue
			}
			w := c.transcriptQueue[0]
			c.transcriptQueue = c.transcriptQueue[1:]
			c.transcriptMu.Unlock()
			w.ch <- evt
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conductor) awaitTranscript(segmentID int64) <-chan remotelink.TranscriptEvent {
	ch := make(chan remotelink.TranscriptEvent, 1)
	c.transcriptMu.Lock()
	c.transcriptQueue = append(c.transcriptQueue, &transcriptWaiter{segmentID: segmentID, ch: ch})
	c.transcriptMu.Unlock()
	return ch
}

func (c *Conductor) dropTranscriptWaiter(segmentID int64) {
	c.transcriptMu.Lock()
	defer c.transcriptMu.Unlock()
	for i, w := range c.transcriptQueue {
		if w.segmentID == segmentID {
			c.transcriptQueue = append(c.transcriptQueue[:i], c.transcriptQueue[i+1:]...)
			return
		}
	}
}

// runTextPath is the TextPath worker (spec.md §5): upload the segment's
// audio, commit, signal the upload barrier, then await its transcript.
// turn/done serialize the append-and-commit phase across segments in id
// order, since the remote service's input audio buffer is a single shared
// stream — not one per segment.
func (c *Conductor) runTextPath(ctx context.Context, seg vad.Segment, turn <-chan struct{}, done chan struct{}) {
	select {
	case <-turn:
	case <-ctx.Done():
		close(done)
		c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Error, Reason: "cancelled"})
		return
	}

	if c.cfg.TurnDetection {
		// SERVER_VAD: processFrame already streamed this segment's audio to
		// the remote service frame by frame as it was captured, and the
		// server commits its own input buffer on speech_stopped — there is
		// nothing left to append or commit here.
		c.queue.MarkAudioUploaded(seg.ID)
		close(done)
	} else {
		pcm := pcm16LEBytes(seg.Audio)
		if err := c.link.AppendAudio(pcm); err != nil {
			close(done)
			c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Error, Reason: "link_closed"})
			return
		}
		if err := c.link.CommitAudio(); err != nil {
			close(done)
			c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Error, Reason: "link_closed"})
			return
		}
		c.queue.MarkAudioUploaded(seg.ID)
		close(done)
	}

	transcriptCh := c.awaitTranscript(seg.ID)
	select {
	case evt, ok := <-transcriptCh:
		if !ok {
			c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Error, Reason: "link_closed"})
			return
		}
		c.stashLang(seg.ID, DetectLanguage(evt.Transcript))
		c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Ok, Payload: evt.Transcript})

	case <-time.After(c.cfg.TranscriptTimeout):
		c.dropTranscriptWaiter(seg.ID)
		c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Error, Reason: "timeout"})

	case <-ctx.Done():
		c.dropTranscriptWaiter(seg.ID)
		c.queue.MarkPathComplete(seg.ID, segqueue.TextPath, segqueue.PathResult{State: segqueue.Error, Reason: "cancelled"})
	}
}
