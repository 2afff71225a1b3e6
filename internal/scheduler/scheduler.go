package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned by [Scheduler.Enqueue] when a response is already
// in-flight; the caller must wait (see [Scheduler.IdleSignal]) and retry.
var ErrBusy = errors.New("scheduler: a response is already in-flight")

// ResponseRequest is the remote-facing instruction carrying a segment's
// translation request (spec.md §3).
type ResponseRequest struct {
	SegmentID    int64
	Modalities   []string
	Instructions string
	TargetLang   string
}

// Outcome classifies how a ResponseRequest was finally resolved.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeCancelled
	OutcomeTimeout
	OutcomeSoftConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeSoftConflict:
		return "soft_conflict"
	default:
		return "done"
	}
}

// Resolution reports the final disposition of a ResponseRequest.
type Resolution struct {
	SegmentID  int64
	ResponseID string // set only for OutcomeDone
	Outcome    Outcome
}

// Transport sends a response.create frame over RemoteLink. Implemented by
// internal/remotelink; kept as an interface here so scheduler has no
// dependency on the wire layer.
type Transport interface {
	SendResponseCreate(ctx context.Context, req ResponseRequest) error
}

// tracked is a ResponseRequest plus its per-request state machine and retry
// bookkeeping, held either in pending or as the sole in-flight entry.
type tracked struct {
	req     ResponseRequest
	state   *RequestState
	retries int
	timer   *time.Timer
}

// Config holds Scheduler tunables.
type Config struct {
	// MaxRetries is the number of retry attempts after a timeout. Default 2.
	MaxRetries int
	// Timeout is the per-request response timeout. Default 30s.
	Timeout time.Duration
	// BackoffBase is the exponential back-off base (1s, 2s, 4s, ...). Default 1s.
	BackoffBase time.Duration
	// OnRetry, if set, is called once per retry attempt (observability hook).
	OnRetry func()
}

func defaultConfig(cfg Config) Config {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	return cfg
}

// Scheduler owns the single-active-response invariant: at most one
// ResponseRequest is in-flight to the remote service at any instant. Not
// safe for the caller to share a single Enqueue attempt across goroutines,
// but all exported methods are individually safe for concurrent use.
type Scheduler struct {
	cfg       Config
	transport Transport
	ctx       context.Context

	mu        sync.Mutex
	pending   []*tracked
	inFlight  *tracked
	idleCh    chan struct{}

	resolutions chan Resolution
}

// New builds a Scheduler bound to transport for sending response.create
// frames. ctx bounds the lifetime of any timers the Scheduler starts; it
// should be the session context (cancelled on session stop).
func New(ctx context.Context, transport Transport, cfg Config) *Scheduler {
	cfg = defaultConfig(cfg)
	s := &Scheduler{
		cfg:         cfg,
		transport:   transport,
		ctx:         ctx,
		idleCh:      make(chan struct{}),
		resolutions: make(chan Resolution, 16),
	}
	close(s.idleCh) // starts idle
	return s
}

// Resolutions returns the channel of terminal outcomes for enqueued
// requests, consumed by VoicePath to unblock the caller awaiting
// response.done.
func (s *Scheduler) Resolutions() <-chan Resolution {
	return s.resolutions
}

// IdleSignal returns a channel that is closed when the Scheduler becomes (or
// already is) idle — i.e. a subsequent Enqueue call is likely to succeed.
// Callers that receive [ErrBusy] from Enqueue should select on this channel
// before retrying.
func (s *Scheduler) IdleSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleCh
}

// Enqueue admits req. Returns [ErrBusy] immediately if a response is
// already in-flight — per spec.md §4.4 this is a non-blocking rejection,
// not a wait; the caller is expected to retry after IdleSignal fires.
func (s *Scheduler) Enqueue(req ResponseRequest) error {
	s.mu.Lock()
	if s.inFlight != nil {
		s.mu.Unlock()
		return ErrBusy
	}

	t := &tracked{req: req, state: NewRequestState()}
	s.pending = append(s.pending, t)
	s.mu.Unlock()

	s.consume()
	return nil
}

// consume moves the pending head into in-flight and transmits
// response.create, if nothing is currently in-flight and pending is
// non-empty.
func (s *Scheduler) consume() {
	s.mu.Lock()
	if s.inFlight != nil || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	s.inFlight = t
	s.markBusy()
	s.mu.Unlock()

	s.transmit(t)
}

// markBusy must be called with mu held; it replaces idleCh with a fresh,
// unclosed channel so IdleSignal callers block until the next idle
// transition.
func (s *Scheduler) markBusy() {
	s.idleCh = make(chan struct{})
}

// markIdle must be called with mu held; it closes idleCh to release any
// goroutines waiting in IdleSignal.
func (s *Scheduler) markIdle() {
	close(s.idleCh)
}

func (s *Scheduler) transmit(t *tracked) {
	// Walk the request from Idle up to ResponsePending. A retry also starts
	// in Idle, since handleTimeout gives it a fresh RequestState.
	if t.state.State() == Idle {
		_ = t.state.Transition(AudioBuffering)
		_ = t.state.Transition(AudioCommitted)
	}
	if err := t.state.Transition(ResponsePending); err != nil {
		slog.Error("scheduler: invalid state for response.create", "segment_id", t.req.SegmentID, "err", err)
	}

	if err := s.transport.SendResponseCreate(s.ctx, t.req); err != nil {
		slog.Warn("scheduler: response.create transmit failed", "segment_id", t.req.SegmentID, "err", err)
	}

	t.timer = time.AfterFunc(s.cfg.Timeout, func() { s.handleTimeout(t) })
}

// HandleResponseCreated binds the server-assigned response id to the
// current in-flight request.
func (s *Scheduler) HandleResponseCreated(responseID string) {
	s.mu.Lock()
	t := s.inFlight
	s.mu.Unlock()
	if t == nil {
		slog.Warn("scheduler: response.created with no in-flight request", "response_id", responseID)
		return
	}
	if err := t.state.Transition(ResponseActive); err != nil {
		slog.Error("scheduler: invalid transition on response.created", "err", err)
	}
}

// HandleResponseCompleting marks the in-flight request as completing
// (translated text/audio streaming has finished, the terminal response.done
// has not yet arrived).
func (s *Scheduler) HandleResponseCompleting() {
	s.mu.Lock()
	t := s.inFlight
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.state.Transition(ResponseCompleting); err != nil {
		slog.Error("scheduler: invalid transition to response-completing", "err", err)
	}
}

// HandleResponseDone resolves the in-flight request and triggers the next
// consume step.
func (s *Scheduler) HandleResponseDone(responseID string) {
	s.mu.Lock()
	t := s.inFlight
	if t == nil {
		s.mu.Unlock()
		return
	}
	t.timer.Stop()
	s.inFlight = nil
	s.markIdle()
	s.mu.Unlock()

	_ = t.state.Transition(Idle)
	s.resolve(t, Resolution{SegmentID: t.req.SegmentID, ResponseID: responseID, Outcome: OutcomeDone})
	s.consume()
}

// HandleSoftError handles a distinguished server error
// ("conversation_already_has_active_response" and equivalents): the current
// in-flight request is abandoned without retry and consume() is not
// triggered here. The Scheduler is marked idle at once, so the next Enqueue
// transmits without waiting for the conflicting response's response.done;
// that response.done, when it arrives, finds no in-flight request and is
// ignored.
func (s *Scheduler) HandleSoftError() {
	s.mu.Lock()
	t := s.inFlight
	if t == nil {
		s.mu.Unlock()
		return
	}
	t.timer.Stop()
	s.inFlight = nil
	s.markIdle()
	s.mu.Unlock()

	slog.Info("scheduler: soft protocol conflict, abandoning in-flight request",
		"segment_id", t.req.SegmentID)
	s.resolve(t, Resolution{SegmentID: t.req.SegmentID, Outcome: OutcomeSoftConflict})
}

// handleTimeout fires when a response doesn't complete within cfg.Timeout.
// It retries up to cfg.MaxRetries times with exponential back-off before
// failing the request with OutcomeTimeout.
func (s *Scheduler) handleTimeout(t *tracked) {
	s.mu.Lock()
	if s.inFlight != t {
		// Already resolved by response.done/soft-error racing the timer.
		s.mu.Unlock()
		return
	}
	s.inFlight = nil
	s.markIdle()
	s.mu.Unlock()

	if t.retries >= s.cfg.MaxRetries {
		slog.Warn("scheduler: request timed out, retries exhausted", "segment_id", t.req.SegmentID)
		s.resolve(t, Resolution{SegmentID: t.req.SegmentID, Outcome: OutcomeTimeout})
		s.consume()
		return
	}

	t.retries++
	backoff := s.cfg.BackoffBase * time.Duration(1<<(t.retries-1))
	slog.Info("scheduler: request timed out, retrying",
		"segment_id", t.req.SegmentID, "attempt", t.retries, "backoff", backoff)
	if s.cfg.OnRetry != nil {
		s.cfg.OnRetry()
	}

	// The per-request state machine has no reverse edge from
	// ResponsePending/ResponseActive back to AudioCommitted, so a retry
	// starts a fresh RequestState; transmit() walks it back up to
	// ResponsePending.
	t.state = NewRequestState()
	time.AfterFunc(backoff, func() {
		s.mu.Lock()
		s.pending = append([]*tracked{t}, s.pending...)
		s.mu.Unlock()
		s.consume()
	})
}

// Clear rejects every pending and in-flight request with OutcomeCancelled,
// used by the Conductor on session stop (spec.md §4.4, §5).
func (s *Scheduler) Clear() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	inFlight := s.inFlight
	s.inFlight = nil
	if inFlight != nil {
		if inFlight.timer != nil {
			inFlight.timer.Stop()
		}
		s.markIdle()
	}
	s.mu.Unlock()

	for _, t := range pending {
		s.resolve(t, Resolution{SegmentID: t.req.SegmentID, Outcome: OutcomeCancelled})
	}
	if inFlight != nil {
		s.resolve(inFlight, Resolution{SegmentID: inFlight.req.SegmentID, Outcome: OutcomeCancelled})
	}
}

// InFlightCount returns 0 or 1 — the scheduler's single-active-response
// invariant (spec.md §8 property 5) expressed as an observable count for
// tests and metrics.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		return 0
	}
	return 1
}

func (s *Scheduler) resolve(t *tracked, res Resolution) {
	select {
	case s.resolutions <- res:
	case <-s.ctx.Done():
	default:
		// Resolutions channel full: should not happen given the
		// single-active-response invariant bounds concurrent resolutions,
		// but never block the scheduler's own goroutine on a slow consumer.
		slog.Warn("scheduler: resolutions channel full, dropping", "segment_id", t.req.SegmentID)
	}
}
