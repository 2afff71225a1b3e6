package dsp

// ConditionerConfig configures the full capture-side DSP chain.
type ConditionerConfig struct {
	SampleRate     float64
	HighPassHz     float64 // default 100
	LowPassHz      float64 // default 8000
	Compressor     CompressorConfig
	EchoCanceller  EchoCancellerConfig
	GainLinear     float64 // default 1.0
}

// Conditioner runs the capture-side audio chain in order: high-pass,
// low-pass, dynamics compressor, gain, echo canceller. Each stage owns its
// own filter state; the Conditioner itself holds no cross-stage state.
// It is single-threaded and intended to be driven by exactly one task (see
// spec.md §5's Conditioner task).
type Conditioner struct {
	highPass   *BiquadFilter
	lowPass    *BiquadFilter
	compressor *Compressor
	gain       float32
	echo       *EchoCanceller

	ref *RingBuffer
}

// NewConditioner builds a Conditioner from cfg, applying spec defaults
// (100Hz high-pass, 8kHz low-pass, unity gain) to zero fields. ref is the
// reference ring buffer fed by PlaybackQueue; it must outlive the
// Conditioner.
func NewConditioner(cfg ConditionerConfig, ref *RingBuffer) *Conditioner {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.HighPassHz == 0 {
		cfg.HighPassHz = 100
	}
	if cfg.LowPassHz == 0 {
		cfg.LowPassHz = 8000
	}
	if cfg.GainLinear == 0 {
		cfg.GainLinear = 1.0
	}
	cfg.Compressor.SampleRate = cfg.SampleRate

	return &Conditioner{
		highPass:   NewBiquadFilter(HighPass, cfg.HighPassHz, cfg.SampleRate),
		lowPass:    NewBiquadFilter(LowPass, cfg.LowPassHz, cfg.SampleRate),
		compressor: NewCompressor(cfg.Compressor),
		gain:       float32(cfg.GainLinear),
		echo:       NewEchoCanceller(cfg.EchoCanceller),
		ref:        ref,
	}
}

// Process runs frame through the full chain in place.
func (c *Conditioner) Process(frame []float32) {
	c.highPass.Process(frame)
	c.lowPass.Process(frame)
	c.compressor.Process(frame)
	if c.gain != 1 {
		for i, s := range frame {
			frame[i] = s * c.gain
		}
	}
	c.echo.Process(frame, c.ref)
}

// Reset clears all stage state, as at session start.
func (c *Conditioner) Reset() {
	c.highPass.Reset()
	c.lowPass.Reset()
	c.compressor.Reset()
	c.echo.Reset()
}

// EchoCanceller exposes the underlying echo canceller, e.g. so the
// Conductor can install a non-default [DelayEstimator].
func (c *Conditioner) EchoCanceller() *EchoCanceller {
	return c.echo
}
