package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxbridge/simulcast/internal/playback"
	"github.com/voxbridge/simulcast/internal/remotelink"
	"github.com/voxbridge/simulcast/internal/scheduler"
	"github.com/voxbridge/simulcast/internal/segqueue"
	"github.com/voxbridge/simulcast/internal/vad"
)

// responseBinding ties the server-assigned response id to the segment that
// requested it, for the lifetime of one response.
type responseBinding struct {
	responseID string
	segmentID  int64
}

// bindResponse pops the oldest segment awaiting a response.created event and
// binds it to responseID. Since the Scheduler admits at most one request in
// flight at a time and transmits pending requests strictly in arrival
// order, the FIFO order of awaitingResponse always matches the order
// response.created events arrive in.
func (c *Conductor) bindResponse(responseID string) {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	if len(c.awaitingResponse) == 0 {
		return
	}
	segID := c.awaitingResponse[0]
	c.awaitingResponse = c.awaitingResponse[1:]
	c.currentBinding = &responseBinding{responseID: responseID, segmentID: segID}
	c.seq = 0
	c.translationBuilder.Reset()

	c.stashResponseID(segID, responseID)
}

// enqueueVoiceRequest admits req to the Scheduler and, only on success,
// registers its segment id in awaitingResponse — both under pumpMu so the
// registration can never race a response.created event for this request.
func (c *Conductor) enqueueVoiceRequest(req scheduler.ResponseRequest) error {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	if err := c.sched.Enqueue(req); err != nil {
		return err
	}
	c.awaitingResponse = append(c.awaitingResponse, req.SegmentID)
	return nil
}

// runResponseStreamPump is the single reader of link.Audio() and
// link.TranslationText(). Only one response is ever in flight (the
// Scheduler's single-active-response invariant), so a single current
// binding is sufficient to attribute every delta to the right segment and
// response id.
func (c *Conductor) runResponseStreamPump(ctx context.Context) {
	for {
		select {
		case delta, ok := <-c.link.Audio():
			if !ok {
				return
			}
			c.handleAudioDelta(delta)
		case delta, ok := <-c.link.TranslationText():
			if !ok {
				return
			}
			c.handleTranslationDelta(delta)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conductor) handleAudioDelta(delta remotelink.AudioDelta) {
	c.pumpMu.Lock()
	binding := c.currentBinding
	seq := c.seq
	if binding != nil && !delta.Done {
		c.seq++
	}
	c.pumpMu.Unlock()

	if binding == nil || delta.Done || len(delta.PCM) == 0 {
		return
	}
	c.pbq.Enqueue(playback.Chunk{ResponseID: binding.responseID, Seq: seq, PCM: delta.PCM})
}

func (c *Conductor) handleTranslationDelta(delta remotelink.TranslationDelta) {
	c.pumpMu.Lock()
	binding := c.currentBinding
	if binding == nil {
		c.pumpMu.Unlock()
		return
	}
	if !delta.Done {
		c.translationBuilder.WriteString(delta.Text)
		c.pumpMu.Unlock()
		return
	}
	text := c.translationBuilder.String()
	segID := binding.segmentID
	c.pumpMu.Unlock()

	c.stashTranslation(segID, text)
}

func (c *Conductor) buildInstructions() string {
	if c.cfg.TargetLang == "" {
		return c.cfg.Instructions
	}
	return fmt.Sprintf("%s Translate the speaker's audio into %s.", c.cfg.Instructions, c.cfg.TargetLang)
}

// runResolutionRouter is the single reader of sched.Resolutions(). Unlike
// transcripts, resolutions already carry their segment id, so dispatch is a
// direct map lookup rather than a FIFO.
func (c *Conductor) runResolutionRouter(ctx context.Context) {
	for {
		select {
		case res, ok := <-c.sched.Resolutions():
			if !ok {
				return
			}
			c.resolutionMu.Lock()
			ch := c.resolutionWaiters[res.SegmentID]
			delete(c.resolutionWaiters, res.SegmentID)
			c.resolutionMu.Unlock()
			if ch != nil {
				ch <- res
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conductor) awaitResolution(segmentID int64) <-chan scheduler.Resolution {
	ch := make(chan scheduler.Resolution, 1)
	c.resolutionMu.Lock()
	c.resolutionWaiters[segmentID] = ch
	c.resolutionMu.Unlock()
	return ch
}

func (c *Conductor) dropResolutionWaiter(segmentID int64) {
	c.resolutionMu.Lock()
	delete(c.resolutionWaiters, segmentID)
	c.resolutionMu.Unlock()
}

// runVoicePath is the VoicePath worker (spec.md §5): wait for TextPath's
// audio-upload barrier, enqueue a response request, retrying on ErrBusy,
// then await the terminal resolution.
func (c *Conductor) runVoicePath(ctx context.Context, seg vad.Segment) {
	if err := c.queue.WaitAudioUploaded(ctx, seg.ID); err != nil {
		c.queue.MarkPathComplete(seg.ID, segqueue.VoicePath, segqueue.PathResult{State: segqueue.Error, Reason: "cancelled"})
		return
	}

	req := scheduler.ResponseRequest{
		SegmentID:    seg.ID,
		Modalities:   c.cfg.Modalities,
		Instructions: c.buildInstructions(),
		TargetLang:   c.cfg.TargetLang,
	}

	resCh := c.awaitResolution(seg.ID)
	defer c.dropResolutionWaiter(seg.ID)

	for {
		err := c.enqueueVoiceRequest(req)
		if err == nil {
			break
		}
		if !errors.Is(err, scheduler.ErrBusy) {
			c.queue.MarkPathComplete(seg.ID, segqueue.VoicePath, segqueue.PathResult{State: segqueue.Error, Reason: err.Error()})
			return
		}
		select {
		case <-c.sched.IdleSignal():
		case <-ctx.Done():
			c.queue.MarkPathComplete(seg.ID, segqueue.VoicePath, segqueue.PathResult{State: segqueue.Error, Reason: "cancelled"})
			return
		}
	}

	select {
	case res := <-resCh:
		if res.Outcome == scheduler.OutcomeDone {
			c.queue.MarkPathComplete(seg.ID, segqueue.VoicePath, segqueue.PathResult{State: segqueue.Ok, Payload: c.takeTranslation(seg.ID)})
			return
		}
		c.clearPlaybackFor(seg.ID)
		c.queue.MarkPathComplete(seg.ID, segqueue.VoicePath, segqueue.PathResult{State: segqueue.Error, Reason: res.Outcome.String()})
	case <-ctx.Done():
		c.clearPlaybackFor(seg.ID)
		c.queue.MarkPathComplete(seg.ID, segqueue.VoicePath, segqueue.PathResult{State: segqueue.Error, Reason: "cancelled"})
	}
}

// clearPlaybackFor drops any already-enqueued playback audio for the
// response bound to segID, per spec.md §4.6: a response abandoned by
// timeout, soft conflict, or session cancellation must not keep draining to
// the output device.
func (c *Conductor) clearPlaybackFor(segID int64) {
	if responseID := c.takeResponseID(segID); responseID != "" {
		c.pbq.ClearForResponse(responseID)
	}
}
