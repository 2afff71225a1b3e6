package dsp

// Resampler converts a stream of float32 samples from one sample rate to
// another by linear interpolation, carrying its fractional read position
// across calls so a caller can feed it arbitrary-length frames and still get
// a continuous output stream (spec.md §6: capture is typically 48kHz and
// must land on the wire at 24kHz).
type Resampler struct {
	ratio float64 // srcRate / dstRate

	// pos is the fractional read position into the pending tail carried from
	// the previous Process call, expressed in source-sample units.
	pos  float64
	tail []float32 // last sample(s) of the previous call, for interpolation across the boundary
	have bool       // whether tail holds a valid carry-over sample
}

// NewResampler builds a Resampler converting srcRate to dstRate. If the
// rates are equal, Process is a no-op passthrough.
func NewResampler(srcRate, dstRate float64) *Resampler {
	if srcRate <= 0 || dstRate <= 0 {
		srcRate, dstRate = 1, 1
	}
	return &Resampler{ratio: srcRate / dstRate}
}

// Process resamples in and returns the output samples in a newly allocated
// slice. When the rates are equal it returns in itself.
func (r *Resampler) Process(in []float32) []float32 {
	if r.ratio == 1 {
		return in
	}
	if len(in) == 0 {
		return nil
	}

	src := in
	startPos := r.pos
	if r.have {
		src = append(append([]float32(nil), r.tail...), in...)
		startPos += float64(len(r.tail))
	}

	n := len(src)
	var out []float32
	pos := startPos
	for pos < float64(n-1) {
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := src[idx+1]
		out = append(out, s0+(s1-s0)*float32(frac))
		pos += r.ratio
	}

	// Carry the last source sample(s) forward so the next call can
	// interpolate across this call's boundary; track how far pos overshot
	// the consumed input so the next call resumes exactly where this one
	// left off.
	consumed := n - 1
	r.pos = pos - float64(consumed)
	r.tail = []float32{src[n-1]}
	r.have = true

	return out
}

// Reset clears carried-over state, as at session start.
func (r *Resampler) Reset() {
	r.pos = 0
	r.tail = nil
	r.have = false
}
