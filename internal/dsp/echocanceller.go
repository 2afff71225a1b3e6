package dsp

// EchoCancellerConfig holds the tunables for an [EchoCanceller].
type EchoCancellerConfig struct {
	// FilterLen is the NLMS filter length L in taps. Default 512 (~10.7ms @ 48kHz).
	FilterLen int
	// StepSize is the NLMS step size mu, 0 < mu < 1. Default 0.5.
	StepSize float64
	// Regularization is the epsilon added to the reference power sum to
	// avoid division by zero. Default 1e-3.
	Regularization float64
	// DTDThreshold is the mic/reference energy ratio above which coefficient
	// adaptation is frozen (double-talk detected). Default 0.5.
	DTDThreshold float64
	// ResidualThreshold is the output magnitude below which residual echo
	// suppression attenuates the sample further. Default 0.01.
	ResidualThreshold float64
	// MaxDelay is the maximum reference delay D in samples. Default 2400
	// (~50ms @ 48kHz). Process does not read it; the delay it uses is the
	// one returned by the DelayEstimator.
	MaxDelay int
}

// defaultEchoCancellerConfig fills zero fields of cfg with spec defaults.
func defaultEchoCancellerConfig(cfg EchoCancellerConfig) EchoCancellerConfig {
	if cfg.FilterLen <= 0 {
		cfg.FilterLen = 512
	}
	if cfg.StepSize <= 0 {
		cfg.StepSize = 0.5
	}
	if cfg.Regularization <= 0 {
		cfg.Regularization = 1e-3
	}
	if cfg.DTDThreshold <= 0 {
		cfg.DTDThreshold = 0.5
	}
	if cfg.ResidualThreshold <= 0 {
		cfg.ResidualThreshold = 0.01
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2400
	}
	return cfg
}

// DelayEstimator computes an estimated reference delay, in samples, from the
// reference ring buffer. The static fallback below never inspects ring and
// always returns the fixed delay the spec accepts as correct; a future
// cross-correlation search can be substituted here without touching the NLMS
// core.
type DelayEstimator func(ring *RingBuffer) int64

// staticDelayEstimator returns a fixed delay regardless of ring contents.
func staticDelayEstimator(delay int64) DelayEstimator {
	return func(*RingBuffer) int64 {
		return delay
	}
}

// EchoCanceller is an NLMS adaptive echo canceller with double-talk
// detection (coefficient-freeze) and residual echo suppression. Inputs are
// a microphone frame and the PlaybackQueue's reference [RingBuffer]; output
// is the echo-reduced frame, computed in place.
//
// Delay is re-estimated every reestimateEvery samples using DelayEstimator;
// the default estimator is the static 240-sample fallback the spec accepts
// for correctness.
type EchoCanceller struct {
	cfg EchoCancellerConfig

	weights []float64 // NLMS coefficients, length FilterLen
	ref     []float32 // scratch reference window, length FilterLen+frame capacity

	delay          int64
	estimator      DelayEstimator
	samplesSinceEst int64
	reestimateEvery int64

	// exponentially smoothed energy estimators for double-talk detection
	micEnergy float64
	refEnergy float64
	dtdAlpha  float64
}

// NewEchoCanceller builds an EchoCanceller from cfg, applying spec defaults
// to zero fields.
func NewEchoCanceller(cfg EchoCancellerConfig) *EchoCanceller {
	cfg = defaultEchoCancellerConfig(cfg)
	return &EchoCanceller{
		cfg:             cfg,
		weights:         make([]float64, cfg.FilterLen),
		estimator:       staticDelayEstimator(240),
		reestimateEvery: 4800, // 100ms @ 48kHz
		dtdAlpha:        0.95,
	}
}

// SetDelayEstimator overrides the delay estimation strategy. Intended for
// tests and for a future adaptive cross-correlation implementation.
func (e *EchoCanceller) SetDelayEstimator(est DelayEstimator) {
	e.estimator = est
}

// Process cancels acoustic echo from mic in place, using ref as the
// reference (playback) signal for this span of samples. The reference
// window read from ref covers len(mic) samples plus FilterLen taps of
// history, at the current delay.
func (e *EchoCanceller) Process(mic []float32, ref *RingBuffer) {
	L := e.cfg.FilterLen
	n := len(mic)

	if cap(e.ref) < L+n {
		e.ref = make([]float32, L+n)
	}
	refWindow := e.ref[:L+n]

	if e.samplesSinceEst <= 0 {
		e.delay = e.estimator(ref)
		e.samplesSinceEst = e.reestimateEvery
	}

	// refWindow holds samples aligned so that refWindow[L-1+i] is the
	// reference sample for mic[i] at the current delay: the last entry of
	// refWindow is `delay` samples behind the reference ring's write head,
	// and earlier entries extend further back to cover all L taps for the
	// first sample in the frame too.
	ref.Snapshot(refWindow, int(e.delay)-1)

	for i := 0; i < n; i++ {
		base := L - 1 + i

		var echoEst, power float64
		for k := 0; k < L; k++ {
			x := float64(refWindow[base-k])
			echoEst += e.weights[k] * x
			power += x * x
		}

		y := float64(mic[i]) - echoEst

		// Double-talk detection: freeze adaptation when near-end speech
		// dominates the reference.
		e.micEnergy = e.dtdAlpha*e.micEnergy + (1-e.dtdAlpha)*float64(mic[i])*float64(mic[i])
		e.refEnergy = e.dtdAlpha*e.refEnergy + (1-e.dtdAlpha)*float64(refWindow[base])*float64(refWindow[base])
		doubleTalk := e.micEnergy/(e.refEnergy+1e-10) > e.cfg.DTDThreshold

		if !doubleTalk {
			p := e.cfg.Regularization + power
			step := e.cfg.StepSize / p * y
			for k := 0; k < L; k++ {
				e.weights[k] += step * float64(refWindow[base-k])
			}
		}

		if abs64(y) < e.cfg.ResidualThreshold {
			y *= 0.1
		}

		mic[i] = float32(y)
	}

	e.samplesSinceEst -= int64(n)
}

// Reset clears the adaptive coefficients, energy estimators, and delay
// re-estimation schedule, as if the canceller had just been constructed.
func (e *EchoCanceller) Reset() {
	for i := range e.weights {
		e.weights[i] = 0
	}
	e.micEnergy = 0
	e.refEnergy = 0
	e.samplesSinceEst = 0
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
