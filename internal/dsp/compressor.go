package dsp

import "math"

// CompressorConfig holds the tunables for a [Compressor].
type CompressorConfig struct {
	// ThresholdDB is the level above which gain reduction begins. Default -24.
	ThresholdDB float64
	// Ratio is the input:output ratio above threshold. Default 12 (12:1).
	Ratio float64
	// AttackMS is the gain-reduction attack time constant. Default 3ms.
	AttackMS float64
	// ReleaseMS is the gain-recovery time constant. Default 250ms.
	ReleaseMS float64
	// SampleRate is the frame's sample rate in Hz.
	SampleRate float64
}

// Compressor is a feed-forward dynamics compressor with separate
// exponential attack and release smoothing on the gain-reduction envelope,
// operating sample-by-sample to avoid audible pumping within a frame.
type Compressor struct {
	thresholdDB float64
	ratio       float64
	attackCoef  float64
	releaseCoef float64

	envelopeDB float64 // smoothed gain-reduction envelope, dB, <= 0
}

// NewCompressor builds a Compressor from cfg, filling zero fields with the
// spec defaults (-24dB threshold, 12:1 ratio, 3ms attack, 250ms release).
func NewCompressor(cfg CompressorConfig) *Compressor {
	if cfg.ThresholdDB == 0 {
		cfg.ThresholdDB = -24
	}
	if cfg.Ratio == 0 {
		cfg.Ratio = 12
	}
	if cfg.AttackMS == 0 {
		cfg.AttackMS = 3
	}
	if cfg.ReleaseMS == 0 {
		cfg.ReleaseMS = 250
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}

	return &Compressor{
		thresholdDB: cfg.ThresholdDB,
		ratio:       cfg.Ratio,
		attackCoef:  timeConstantCoef(cfg.AttackMS, cfg.SampleRate),
		releaseCoef: timeConstantCoef(cfg.ReleaseMS, cfg.SampleRate),
	}
}

// timeConstantCoef converts a time constant in milliseconds to a per-sample
// exponential smoothing coefficient at the given sample rate.
func timeConstantCoef(ms, sampleRate float64) float64 {
	if ms <= 0 {
		return 0
	}
	return math.Exp(-1.0 / (ms / 1000.0 * sampleRate))
}

// Process compresses frame in place.
func (c *Compressor) Process(frame []float32) {
	for i, x := range frame {
		level := math.Abs(float64(x))
		levelDB := -120.0
		if level > 1e-9 {
			levelDB = 20 * math.Log10(level)
		}

		targetDB := 0.0
		if levelDB > c.thresholdDB {
			overDB := levelDB - c.thresholdDB
			targetDB = -(overDB - overDB/c.ratio)
		}

		// Attack when gain reduction is increasing (more negative), release
		// when recovering toward 0.
		coef := c.releaseCoef
		if targetDB < c.envelopeDB {
			coef = c.attackCoef
		}
		c.envelopeDB = coef*c.envelopeDB + (1-coef)*targetDB

		gain := math.Pow(10, c.envelopeDB/20)
		frame[i] = float32(float64(x) * gain)
	}
}

// Reset clears the gain-reduction envelope.
func (c *Compressor) Reset() {
	c.envelopeDB = 0
}
