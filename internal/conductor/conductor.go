package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/simulcast/internal/dsp"
	"github.com/voxbridge/simulcast/internal/observe"
	"github.com/voxbridge/simulcast/internal/playback"
	"github.com/voxbridge/simulcast/internal/remotelink"
	"github.com/voxbridge/simulcast/internal/scheduler"
	"github.com/voxbridge/simulcast/internal/segqueue"
	"github.com/voxbridge/simulcast/internal/vad"
)

// metricsSampleInterval controls how often the gauge-style Scheduler/
// PlaybackQueue metrics are sampled.
const metricsSampleInterval = 2 * time.Second

// Config holds the tunables a Conductor needs beyond its wired components
// (spec.md §6's configuration surface, minus the pieces already folded into
// the component configs it is handed at construction).
type Config struct {
	Instructions      string
	Modalities        []string // default ["text", "audio"]
	TargetLang        string
	TranscriptModel   string
	TurnDetection     bool // true for the SERVER_VAD preset
	TranscriptTimeout time.Duration // default 30s, TextPath's transcript wait
	SegmentQueueCapacity int

	Preset      vad.Preset
	VAD         vad.Config
	Conditioner dsp.ConditionerConfig
	Scheduler   scheduler.Config

	CaptureSampleRate float64 // default 48000
	PlaybackEnabled   bool

	// Metrics receives segment/VAD/scheduler observability events. Defaults
	// to observe.DefaultMetrics() when nil.
	Metrics *observe.Metrics
}

func defaultConfig(cfg Config) Config {
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{"text", "audio"}
	}
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = 30 * time.Second
	}
	if cfg.SegmentQueueCapacity <= 0 {
		cfg.SegmentQueueCapacity = segqueue.DefaultCapacity
	}
	if cfg.CaptureSampleRate <= 0 {
		cfg.CaptureSampleRate = 48000
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// refBufferSamples bounds the AEC reference ring buffer: a few seconds at
// 24kHz is ample headroom for the largest expected echo delay.
const refBufferSamples = 24000 * 2

// Conductor is the top-level coordinator: it owns session lifetime, wires
// every pipeline component, and emits per-segment results to the UI adapter
// in segment-id order (spec.md §4.7).
type Conductor struct {
	cfg Config

	capture Capture
	link    Link

	conditioner *dsp.Conditioner
	resampler   *dsp.Resampler
	refRing     *dsp.RingBuffer
	detector    *vad.Detector
	segmenter   *vad.Segmenter
	queue       *segqueue.SegmentQueue
	sched       *scheduler.Scheduler
	pbq         *playback.PlaybackQueue

	onResult func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	// captureWG tracks runCapture specifically: Stop must join it before
	// pathWG.Wait(), since runCapture is the sole caller of handleSegment and
	// joining it first guarantees pathWG's count can no longer grow.
	captureWG sync.WaitGroup
	// pathWG tracks every in-flight runTextPath/runVoicePath goroutine,
	// separately from eg, so Stop can drain them before queue.Shutdown()
	// closes the release channel they write to.
	pathWG sync.WaitGroup

	// nextTextTurn serializes TextPath's audio-append+commit phase across
	// segments in id order; set only from handleSegment, which runs on the
	// single capture/VAD task.
	nextTextTurn <-chan struct{}

	transcriptMu    sync.Mutex
	transcriptQueue []*transcriptWaiter

	resolutionMu      sync.Mutex
	resolutionWaiters map[int64]chan scheduler.Resolution

	pumpMu             sync.Mutex
	awaitingResponse   []int64
	currentBinding     *responseBinding
	seq                int
	translationBuilder strings.Builder

	segMu         sync.Mutex
	segLangs      map[int64]string
	translations  map[int64]string
	segResponseID map[int64]string

	closers  []func() error
	stopOnce sync.Once
}

// New builds a Conductor wiring capture, link, and a device output callback
// together per cfg. The session does not start running until Start is
// called.
func New(capture Capture, link Link, deviceOutput playback.Output, cfg Config) (*Conductor, error) {
	if capture == nil {
		return nil, fmt.Errorf("conductor: capture is required")
	}
	if link == nil {
		return nil, fmt.Errorf("conductor: link is required")
	}
	cfg = defaultConfig(cfg)

	c := &Conductor{
		cfg:               cfg,
		capture:           capture,
		link:              link,
		resolutionWaiters: make(map[int64]chan scheduler.Resolution),
		segLangs:          make(map[int64]string),
		translations:      make(map[int64]string),
		segResponseID:     make(map[int64]string),
	}

	closedTurn := make(chan struct{})
	close(closedTurn)
	c.nextTextTurn = closedTurn

	// ── 1. reference tap + conditioner ──
	c.refRing = dsp.NewRingBuffer(refBufferSamples)
	c.conditioner = dsp.NewConditioner(cfg.Conditioner, c.refRing)
	c.resampler = dsp.NewResampler(cfg.CaptureSampleRate, remotelink.AudioSampleRate)

	// ── 2. VAD + Segmenter ──
	vadCfg := cfg.VAD
	vadCfg.Preset = cfg.Preset
	c.detector = vad.NewDetector(vadCfg)
	c.segmenter = vad.NewSegmenter(cfg.Preset, c.handleSegment)

	// ── 3. SegmentQueue ──
	c.queue = segqueue.New(cfg.SegmentQueueCapacity, func(seg vad.Segment, reason string) {
		slog.Warn("conductor: segment dropped", "segment_id", seg.ID, "reason", reason)
	})

	// ── 4. PlaybackQueue, wrapping deviceOutput with the AEC reference tap ──
	ref := c.refRing
	wrapped := func(pcm []byte) {
		ref.Write(pcm16ToFloat32(pcm))
		if deviceOutput != nil {
			deviceOutput(pcm)
		}
	}
	c.pbq = playback.New(wrapped, cfg.PlaybackEnabled)
	c.closers = append(c.closers, c.pbq.Close)

	return c, nil
}

// OnResult sets the callback invoked for each segment's final Result, in
// segment-id order. Must be set before Start.
func (c *Conductor) OnResult(fn func(Result)) {
	c.onResult = fn
}

// Start begins the session: it opens the wire-level session configuration,
// starts the VAD calibration and capture-driven pipeline, and launches the
// long-running tasks of spec.md §5's concurrency table. ctx bounds the
// session's lifetime: cancelling it ends the capture and event-reading
// tasks, but only Stop clears the Scheduler and SegmentQueue, ends the
// result emitter, runs the closers, and closes the link.
func (c *Conductor) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(c.ctx)
	c.eg = eg

	schedCfg := c.cfg.Scheduler
	schedCfg.OnRetry = func() { c.cfg.Metrics.SchedulerRetries.Add(c.ctx, 1) }
	c.sched = scheduler.New(c.ctx, c.link, schedCfg)

	if err := c.link.SendSessionUpdate(remotelink.SessionConfig{
		Modalities:      c.cfg.Modalities,
		Instructions:    c.cfg.Instructions,
		TurnDetection:   c.cfg.TurnDetection,
		TranscriptModel: c.cfg.TranscriptModel,
	}); err != nil {
		c.cancel()
		return fmt.Errorf("conductor: send initial session config: %w", err)
	}

	eg.Go(func() error { c.runSchedulerEventReader(egCtx); return nil })
	eg.Go(func() error { c.runResponseStreamPump(egCtx); return nil })
	eg.Go(func() error { c.runTranscriptRouter(egCtx); return nil })
	eg.Go(func() error { c.runResolutionRouter(egCtx); return nil })
	eg.Go(func() error { c.runResultEmitter(); return nil })
	c.captureWG.Add(1)
	eg.Go(func() error {
		defer c.captureWG.Done()
		return c.runCapture(egCtx)
	})
	eg.Go(func() error { c.runMetricsSampler(egCtx); return nil })

	slog.Info("conductor: session started", "preset", c.cfg.Preset.String(), "target_lang", c.cfg.TargetLang)
	return nil
}

// Stop ends the session: it stops accepting new capture frames, clears the
// Scheduler and SegmentQueue (rejecting in-flight work as cancelled), and
// tears down wired resources in reverse-init order (spec.md §4.7, §5's
// cancellation contract). Idempotent.
func (c *Conductor) Stop() error {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		// Join runCapture before anything else: it is the only caller of
		// handleSegment, so once it has returned, pathWG's count can no
		// longer grow and waiting on it below is race-free.
		c.captureWG.Wait()

		if c.sched != nil {
			c.sched.Clear()
		}

		// Every runTextPath/runVoicePath goroutine must finish its last
		// queue.MarkPathComplete call before queue.Shutdown() closes the
		// release channel they send to — otherwise a worker descheduled
		// between computing its release and sending it can panic on a send
		// to a closed channel.
		c.pathWG.Wait()

		if c.queue != nil {
			c.queue.Shutdown()
		}
		if c.eg != nil {
			if err := c.eg.Wait(); err != nil {
				slog.Warn("conductor: task returned error during shutdown", "err", err)
			}
		}
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil {
				slog.Warn("conductor: closer error", "index", i, "err", err)
			}
		}
		if err := c.link.Close(); err != nil {
			slog.Warn("conductor: link close error", "err", err)
		}
	})
	slog.Info("conductor: session stopped")
	return nil
}

// runCapture is the single task that owns the Detector and Segmenter. In
// SERVER_VAD mode it also reads link.SpeechBoundaries(): the remote
// service's own VAD replaces the local one as the source of segment
// boundaries, but both must be driven from this one goroutine to honour
// the Segmenter/Detector's single-owner, lock-free design.
func (c *Conductor) runCapture(ctx context.Context) error {
	frames := c.capture.Frames()
	boundaries := c.link.SpeechBoundaries()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			c.processFrame(frame)
		case evt, ok := <-boundaries:
			if !ok {
				boundaries = nil
				continue
			}
			c.handleServerBoundary(evt)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conductor) processFrame(frame AudioFrame) {
	samples := append([]float32(nil), frame.Samples...)
	c.conditioner.Process(samples)
	resampled := c.resampler.Process(samples)
	if len(resampled) == 0 {
		return
	}

	pcm := float32ToPCM16(resampled)
	c.segmenter.Append(pcm)

	energy, zcr := vad.FrameEnergyZCR(pcm)
	event := c.detector.Feed(energy, zcr, frame.At)

	if c.cfg.TurnDetection {
		// SERVER_VAD: the remote service decides speech boundaries from the
		// continuous stream below (relayed back via handleServerBoundary);
		// the local Detector keeps running so its Confidence()/Threshold()
		// telemetry stays warm, but advanceStateMachine suppresses its
		// events in this mode and they're discarded here.
		if err := c.link.AppendAudio(pcm16LEBytes(pcm)); err != nil {
			slog.Warn("conductor: server_vad audio stream append failed", "err", err)
		}
		return
	}

	switch event {
	case vad.SpeechStart:
		c.segmenter.StartBoundary(frame.At)
		c.cfg.Metrics.RecordVADEvent(c.ctx, "start")
	case vad.SpeechEnd:
		c.segmenter.EndBoundary(frame.At)
		c.cfg.Metrics.RecordVADEvent(c.ctx, "end")
	}
}

// handleServerBoundary applies a server-originated speech_started/
// speech_stopped event directly to the Segmenter, bypassing the local
// Detector's (suppressed) event stream. Only reachable via runCapture's
// select loop, preserving the Segmenter's single-owner invariant.
func (c *Conductor) handleServerBoundary(evt remotelink.SpeechBoundaryEvent) {
	switch evt.Kind {
	case remotelink.SpeechBoundaryStart:
		c.segmenter.StartBoundary(time.Now())
		c.cfg.Metrics.RecordVADEvent(c.ctx, "start")
	case remotelink.SpeechBoundaryStop:
		c.segmenter.EndBoundary(time.Now())
		// Keep the local Detector's state machine in sync with the
		// server's decision so its Confidence()/Threshold() telemetry
		// doesn't drift stuck in stateSpeaking.
		c.detector.ForceEnd()
		c.cfg.Metrics.RecordVADEvent(c.ctx, "end")
	}
}

// handleSegment is the Segmenter's onSegment callback. It runs synchronously
// on the single capture/VAD task, so the nextTextTurn handoff needs no lock.
func (c *Conductor) handleSegment(seg vad.Segment) {
	if err := c.queue.Enqueue(seg); err != nil {
		slog.Warn("conductor: segment queue full, dropping segment", "segment_id", seg.ID, "err", err)
		return
	}

	turn := c.nextTextTurn
	done := make(chan struct{})
	c.nextTextTurn = done

	c.pathWG.Add(2)
	go func() {
		defer c.pathWG.Done()
		c.runTextPath(c.ctx, seg, turn, done)
	}()
	go func() {
		defer c.pathWG.Done()
		c.runVoicePath(c.ctx, seg)
	}()
}

// runResultEmitter ranges over Releases() rather than also selecting on a
// context: Stop calls queue.Shutdown(), which forces every in-flight
// segment to a cancelled release and then closes the channel, so draining
// until close is the only way to guarantee every release reaches onResult
// rather than racing the session context's cancellation.
func (c *Conductor) runResultEmitter() {
	for rel := range c.queue.Releases() {
		c.emitResult(rel)
	}
}

func (c *Conductor) emitResult(rel segqueue.Release) {
	res := Result{
		SegmentID: rel.Segment.ID,
		SourceLang: c.takeLang(rel.Segment.ID),
	}
	if rel.Text.State == segqueue.Ok {
		res.Transcript = rel.Text.Payload
	}
	if rel.Voice.State == segqueue.Ok {
		res.Translation = rel.Voice.Payload
	}

	switch {
	case isCancelled(rel.Text) || isCancelled(rel.Voice):
		res.Outcome = OutcomeCancelled
	case rel.Text.State == segqueue.Error:
		res.Outcome = OutcomeTextError
	case rel.Voice.State == segqueue.Error:
		res.Outcome = OutcomeVoiceError
	default:
		res.Outcome = OutcomeOK
	}

	c.cfg.Metrics.RecordSegmentOutcome(c.ctx, string(res.Outcome))
	if !rel.Segment.StartTime.IsZero() {
		c.cfg.Metrics.SegmentLatency.Record(c.ctx, time.Since(rel.Segment.StartTime).Seconds())
	}

	if c.onResult != nil {
		c.onResult(res)
	}
}

func isCancelled(r segqueue.PathResult) bool {
	return r.State == segqueue.Error && r.Reason == "cancelled"
}

func (c *Conductor) runSchedulerEventReader(ctx context.Context) {
	for {
		select {
		case evt, ok := <-c.link.SchedulerEvents():
			if !ok {
				return
			}
			switch evt.Kind {
			case remotelink.ResponseCreated:
				c.sched.HandleResponseCreated(evt.ResponseID)
				c.bindResponse(evt.ResponseID)
			case remotelink.ResponseDone:
				c.sched.HandleResponseDone(evt.ResponseID)
			case remotelink.ResponseSoftError:
				c.cfg.Metrics.SoftErrors.Add(ctx, 1)
				c.sched.HandleSoftError()
			}
		case <-ctx.Done():
			return
		}
	}
}

// runMetricsSampler periodically reports the Scheduler's in-flight count and
// the PlaybackQueue's depth as gauges. Both are UpDownCounters, so each tick
// records the delta since the previous sample rather than the absolute value.
func (c *Conductor) runMetricsSampler(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	var lastInFlight, lastDepth int64
	for {
		select {
		case <-ticker.C:
			inFlight := int64(c.sched.InFlightCount())
			if delta := inFlight - lastInFlight; delta != 0 {
				c.cfg.Metrics.InFlightResponses.Add(ctx, delta)
				lastInFlight = inFlight
			}
			depth := int64(c.pbq.Depth())
			if delta := depth - lastDepth; delta != 0 {
				c.cfg.Metrics.PlaybackQueueDepth.Add(ctx, delta)
				lastDepth = depth
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conductor) stashLang(id int64, lang string) {
	c.segMu.Lock()
	c.segLangs[id] = lang
	c.segMu.Unlock()
}

func (c *Conductor) takeLang(id int64) string {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	lang := c.segLangs[id]
	delete(c.segLangs, id)
	return lang
}

func (c *Conductor) stashTranslation(id int64, text string) {
	c.segMu.Lock()
	c.translations[id] = text
	c.segMu.Unlock()
}

func (c *Conductor) takeTranslation(id int64) string {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	text := c.translations[id]
	delete(c.translations, id)
	return text
}

func (c *Conductor) stashResponseID(id int64, responseID string) {
	c.segMu.Lock()
	c.segResponseID[id] = responseID
	c.segMu.Unlock()
}

func (c *Conductor) takeResponseID(id int64) string {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	responseID := c.segResponseID[id]
	delete(c.segResponseID, id)
	return responseID
}

func pcm16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

func float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

func pcm16LEBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
