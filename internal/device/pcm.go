// Package device provides minimal stdio-backed Capture and playback.Output
// adapters. spec.md frames microphone/system-audio capture and device
// output as the job of an out-of-scope desktop shell host; this package is
// the seam such a host plugs into, and a standalone way to run the engine
// against a raw PCM16 stream (e.g. piped from a test fixture or another
// process) without that host present.
package device

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/voxbridge/simulcast/internal/conductor"
)

// frameSamples matches spec.md §3's AudioFrame shape: 128 samples per frame.
const frameSamples = 128

// StdinCapture reads PCM16 little-endian mono samples from an io.Reader and
// emits conductor.AudioFrame values of frameSamples each, at sampleRate.
// Grounded on the teacher pack's stdin audio-input variant (AUDIO_IN_TYPE_STDIN
// in doismellburning-samoyed's audio.go) — reading raw samples from stdin as
// one of several interchangeable capture strategies.
type StdinCapture struct {
	sampleRate float64
	frames     chan conductor.AudioFrame
	done       chan struct{}
}

// NewStdinCapture starts a background reader over r and returns a Capture
// ready to be handed to conductor.New. Call Close when the session ends.
func NewStdinCapture(r io.Reader, sampleRate float64) *StdinCapture {
	c := &StdinCapture{
		sampleRate: sampleRate,
		frames:     make(chan conductor.AudioFrame, 4),
		done:       make(chan struct{}),
	}
	go c.run(r)
	return c
}

func (c *StdinCapture) run(r io.Reader) {
	defer close(c.frames)

	br := bufio.NewReaderSize(r, frameSamples*2*8)
	buf := make([]byte, frameSamples*2)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			return
		}
		frame := conductor.AudioFrame{
			Samples: pcm16LEToFloat32(buf),
			At:      time.Now(),
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

// Frames implements conductor.Capture.
func (c *StdinCapture) Frames() <-chan conductor.AudioFrame { return c.frames }

// SampleRate implements conductor.Capture.
func (c *StdinCapture) SampleRate() float64 { return c.sampleRate }

// Close stops the background reader. Safe to call once.
func (c *StdinCapture) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func pcm16LEToFloat32(buf []byte) []float32 {
	out := make([]float32, len(buf)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// StdoutOutput returns a playback.Output-compatible callback that writes
// PCM16 little-endian bytes to w, scaled by volume (spec.md §6's
// OUTPUT_VOLUME). volume <= 0 is treated as 1.0 (no attenuation) since a
// silenced session should instead set PLAYBACK_ENABLED=false.
func StdoutOutput(w io.Writer, volume float64) func(pcm []byte) {
	if volume <= 0 {
		volume = 1.0
	}
	return func(pcm []byte) {
		if volume != 1.0 {
			pcm = scaleVolume(pcm, volume)
		}
		w.Write(pcm)
	}
}

func scaleVolume(pcm []byte, volume float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * volume
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	return out
}
