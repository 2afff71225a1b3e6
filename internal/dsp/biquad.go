package dsp

import "math"

// BiquadKind selects the filter response a [BiquadFilter] implements.
type BiquadKind int

const (
	// HighPass attenuates frequencies below the cutoff.
	HighPass BiquadKind = iota
	// LowPass attenuates frequencies above the cutoff.
	LowPass
)

// BiquadFilter is a direct-form-II-transposed biquad IIR filter, the
// standard building block for the conditioner's high-pass and low-pass
// stages. State is exclusively owned by the filter instance; it is never
// shared across sessions or goroutines.
type BiquadFilter struct {
	// coefficients, normalized so a0 == 1
	b0, b1, b2 float32
	a1, a2     float32

	// direct-form-II-transposed delay elements
	z1, z2 float32
}

// NewBiquadFilter designs a [BiquadFilter] of the given kind with cutoff
// (Hz) at the given sample rate, using a Butterworth Q of 1/sqrt(2).
func NewBiquadFilter(kind BiquadKind, cutoffHz, sampleRate float64) *BiquadFilter {
	const q = 0.7071067811865476 // 1/sqrt(2), maximally flat passband

	omega := 2 * math.Pi * cutoffHz / sampleRate
	sinOmega, cosOmega := math.Sin(omega), math.Cos(omega)
	alpha := sinOmega / (2 * q)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case LowPass:
		b0 = (1 - cosOmega) / 2
		b1 = 1 - cosOmega
		b2 = (1 - cosOmega) / 2
	default: // HighPass
		b0 = (1 + cosOmega) / 2
		b1 = -(1 + cosOmega)
		b2 = (1 + cosOmega) / 2
	}
	a0 = 1 + alpha
	a1 = -2 * cosOmega
	a2 = 1 - alpha

	return &BiquadFilter{
		b0: float32(b0 / a0),
		b1: float32(b1 / a0),
		b2: float32(b2 / a0),
		a1: float32(a1 / a0),
		a2: float32(a2 / a0),
	}
}

// Process filters frame in place. No allocation.
func (f *BiquadFilter) Process(frame []float32) {
	for i, x := range frame {
		y := f.b0*x + f.z1
		f.z1 = f.b1*x - f.a1*y + f.z2
		f.z2 = f.b2*x - f.a2*y
		frame[i] = y
	}
}

// Reset clears the filter's delay elements, as if no samples had ever been
// processed.
func (f *BiquadFilter) Reset() {
	f.z1, f.z2 = 0, 0
}
