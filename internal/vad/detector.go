// Package vad implements the self-calibrating voice activity detector and
// the Segmenter built on top of it. The detector classifies each conditioned
// audio frame as speech or silence using smoothed energy and zero-crossing
// rate, self-calibrating its threshold from an initial window of ambient
// noise rather than relying on a fixed level.
package vad

import (
	"log/slog"
	"math"
	"time"
)

// Preset selects the buffer size, minimum speech duration, and debounce
// window for a session, per spec.md §4.2.
type Preset int

const (
	Balanced Preset = iota
	Aggressive
	LowLatency
	ServerVAD
)

// String returns the preset's config key name.
func (p Preset) String() string {
	switch p {
	case Aggressive:
		return "AGGRESSIVE"
	case LowLatency:
		return "LOW_LATENCY"
	case ServerVAD:
		return "SERVER_VAD"
	default:
		return "BALANCED"
	}
}

// presetParams holds the buffer size (in samples at 24kHz), minimum speech
// duration, and debounce window for a [Preset].
type presetParams struct {
	bufferSamples int
	minSpeech     time.Duration
	debounce      time.Duration
}

var presetTable = map[Preset]presetParams{
	Balanced:   {bufferSamples: 6000, minSpeech: 500 * time.Millisecond, debounce: 400 * time.Millisecond},
	Aggressive: {bufferSamples: 8000, minSpeech: 800 * time.Millisecond, debounce: 500 * time.Millisecond},
	LowLatency: {bufferSamples: 4800, minSpeech: 400 * time.Millisecond, debounce: 250 * time.Millisecond},
	ServerVAD:  {bufferSamples: 4800, minSpeech: 0, debounce: 0},
}

// Sensitivity scales the calibrated threshold used by Feed; the hangover
// and debounce windows are not scaled.
type Sensitivity int

const (
	SensitivityMedium Sensitivity = iota
	SensitivityLow
	SensitivityHigh
)

// floorScale multiplies the calibrated threshold; LOW
// sensitivity requires a louder signal to trigger speech (higher floor),
// HIGH requires less.
func (s Sensitivity) floorScale() float64 {
	switch s {
	case SensitivityLow:
		return 1.5
	case SensitivityHigh:
		return 0.6
	default:
		return 1.0
	}
}

// state is the detector's Silent/Speaking classification.
type state int

const (
	stateSilent state = iota
	stateSpeaking
)

// Event is emitted by [Detector.Feed] on a speech boundary transition.
type Event int

const (
	// NoEvent means no boundary was crossed on this frame.
	NoEvent Event = iota
	// SpeechStart is emitted on the rising edge of voice activity.
	SpeechStart
	// SpeechEnd is emitted once hangover and debounce have both elapsed
	// without voice returning.
	SpeechEnd
)

// Config holds the tunables for a [Detector].
type Config struct {
	Preset          Preset
	Sensitivity     Sensitivity
	CalibrationK    int           // number of calibration frames, default 30
	ConfiguredFloor float64       // configured absolute energy floor
	Hangover        time.Duration // default 200ms
	SmoothingFrames int           // default 20
	FrameDuration   time.Duration // duration represented by one Feed call
}

func defaultConfig(cfg Config) Config {
	if cfg.CalibrationK <= 0 {
		cfg.CalibrationK = 30
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = 200 * time.Millisecond
	}
	if cfg.SmoothingFrames <= 0 {
		cfg.SmoothingFrames = 20
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 10 * time.Millisecond
	}
	return cfg
}

// Detector is a self-calibrating energy/zero-crossing-rate voice activity
// detector with a hangover + debounce state machine. Not safe for
// concurrent use — it is owned by exactly one task (the VAD+Segmenter task
// in spec.md §5).
type Detector struct {
	cfg Config

	calibrationSamples []float64
	calibrated         bool
	threshold          float64

	energyHistory []float64
	historyHead   int
	historyFilled int

	st state

	hangoverDeadline time.Time
	inHangover       bool
	debounceDeadline time.Time
	inDebounce       bool

	lastConfidence float64

	// serverMode suppresses SpeechStart/SpeechEnd emission while still
	// running calibration/smoothing bookkeeping, per the SERVER_VAD
	// decision recorded in DESIGN.md.
	serverMode bool
}

// NewDetector builds a Detector from cfg, applying spec defaults to zero
// fields.
func NewDetector(cfg Config) *Detector {
	cfg = defaultConfig(cfg)
	return &Detector{
		cfg:           cfg,
		energyHistory: make([]float64, cfg.SmoothingFrames),
		serverMode:    cfg.Preset == ServerVAD,
	}
}

// Calibrated reports whether the noise floor has finished calibrating.
func (d *Detector) Calibrated() bool {
	return d.calibrated
}

// Threshold returns the calibrated adaptive threshold. Zero before
// calibration completes.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Confidence returns the most recent frame's classification confidence in
// [0,1].
func (d *Detector) Confidence() float64 {
	return d.lastConfidence
}

// Feed classifies one frame given its RMS energy and zero-crossing rate,
// advancing the calibration and hangover/debounce state machines. now is
// the frame's capture timestamp, used to drive the hangover/debounce
// timers independent of wall-clock scheduling jitter.
func (d *Detector) Feed(energy, zcr float64, now time.Time) Event {
	if !d.calibrated {
		d.calibrationSamples = append(d.calibrationSamples, energy)
		if len(d.calibrationSamples) >= d.cfg.CalibrationK {
			d.finishCalibration()
		}
		return NoEvent
	}

	smoothed := d.smooth(energy)

	floorScale := d.cfg.Sensitivity.floorScale()
	theta := d.threshold * floorScale

	energyPass := smoothed > theta
	zcrBand := zcr > 0.05 && zcr < 0.8
	isVoice := energyPass || (smoothed > 0.5*theta && zcrBand)

	d.lastConfidence = (clamp01(smoothed/(2*theta)) + clamp01(zcr/0.3)) / 2

	return d.advanceStateMachine(isVoice, now)
}

// ForceEnd immediately ends an in-progress speech span. In SERVER_VAD mode
// the Segmenter's boundaries come from the remote service rather than
// advanceStateMachine's (suppressed) events; the Conductor calls ForceEnd on
// a server-reported speech_stopped so this Detector's own state machine
// stays in sync instead of drifting stuck in stateSpeaking.
func (d *Detector) ForceEnd() Event {
	if d.st != stateSpeaking {
		return NoEvent
	}
	d.st = stateSilent
	d.inHangover = false
	d.inDebounce = false
	return SpeechEnd
}

func (d *Detector) finishCalibration() {
	mean := meanOf(d.calibrationSamples)
	stddev := stddevOf(d.calibrationSamples, mean)
	d.threshold = math.Max(mean+3*stddev, d.cfg.ConfiguredFloor)
	d.calibrated = true
	slog.Info("vad calibration complete",
		"threshold", d.threshold,
		"mean", mean,
		"stddev", stddev,
		"frames", len(d.calibrationSamples))
}

// smooth maintains a moving average over the last SmoothingFrames energy
// values and returns the updated average.
func (d *Detector) smooth(energy float64) float64 {
	d.energyHistory[d.historyHead] = energy
	d.historyHead = (d.historyHead + 1) % len(d.energyHistory)
	if d.historyFilled < len(d.energyHistory) {
		d.historyFilled++
	}
	var sum float64
	for i := 0; i < d.historyFilled; i++ {
		sum += d.energyHistory[i]
	}
	return sum / float64(d.historyFilled)
}

func (d *Detector) advanceStateMachine(isVoice bool, now time.Time) Event {
	switch d.st {
	case stateSilent:
		if isVoice {
			d.st = stateSpeaking
			d.inHangover = false
			d.inDebounce = false
			if d.serverMode {
				return NoEvent
			}
			return SpeechStart
		}
		return NoEvent

	case stateSpeaking:
		if isVoice {
			// Voice returned — cancel any pending hangover/debounce.
			d.inHangover = false
			d.inDebounce = false
			return NoEvent
		}

		if !d.inHangover && !d.inDebounce {
			d.inHangover = true
			d.hangoverDeadline = now.Add(d.cfg.Hangover)
			return NoEvent
		}

		if d.inHangover {
			if now.Before(d.hangoverDeadline) {
				return NoEvent
			}
			d.inHangover = false
			d.inDebounce = true
			params := presetTable[d.cfg.Preset]
			d.debounceDeadline = now.Add(params.debounce)
			return NoEvent
		}

		// inDebounce
		if now.Before(d.debounceDeadline) {
			return NoEvent
		}
		d.inDebounce = false
		d.st = stateSilent
		if d.serverMode {
			return NoEvent
		}
		return SpeechEnd
	}
	return NoEvent
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// PresetParams returns the buffer size, minimum speech duration, and
// debounce window for p.
func PresetParams(p Preset) (bufferSamples int, minSpeech, debounce time.Duration) {
	params := presetTable[p]
	return params.bufferSamples, params.minSpeech, params.debounce
}
