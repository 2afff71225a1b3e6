package device

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func samplesToPCM(t *testing.T, samples []int16) []byte {
	t.Helper()
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestStdinCapture_EmitsFramesOfFixedSize(t *testing.T) {
	samples := make([]int16, frameSamples*3)
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	r := bytes.NewReader(samplesToPCM(t, samples))

	c := NewStdinCapture(r, 48000)
	defer c.Close()

	for i := 0; i < 3; i++ {
		select {
		case frame, ok := <-c.Frames():
			if !ok {
				t.Fatalf("frame %d: channel closed early", i)
			}
			if len(frame.Samples) != frameSamples {
				t.Errorf("frame %d: got %d samples, want %d", i, len(frame.Samples), frameSamples)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d: timed out", i)
		}
	}

	select {
	case _, ok := <-c.Frames():
		if ok {
			t.Error("expected channel closed after exhausting input (partial trailing frame dropped)")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestStdinCapture_SampleRate(t *testing.T) {
	c := NewStdinCapture(bytes.NewReader(nil), 44100)
	defer c.Close()
	if c.SampleRate() != 44100 {
		t.Errorf("got %v, want 44100", c.SampleRate())
	}
}

func TestPCM16LEToFloat32_RoundTrip(t *testing.T) {
	buf := samplesToPCM(t, []int16{0, 32767, -32768, 16384})
	out := pcm16LEToFloat32(buf)
	want := []float32{0, 32767.0 / 32768, -1.0, 16384.0 / 32768}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestStdoutOutput_VolumeScaling(t *testing.T) {
	var buf bytes.Buffer
	out := StdoutOutput(&buf, 0.5)

	pcm := samplesToPCM(t, []int16{1000, -1000, 20000})
	out(pcm)

	got := buf.Bytes()
	if len(got) != len(pcm) {
		t.Fatalf("got %d bytes, want %d", len(got), len(pcm))
	}
	gotSamples := make([]int16, 3)
	for i := range gotSamples {
		gotSamples[i] = int16(binary.LittleEndian.Uint16(got[i*2:]))
	}
	want := []int16{500, -500, 10000}
	for i, w := range want {
		if gotSamples[i] != w {
			t.Errorf("sample %d: got %d, want %d", i, gotSamples[i], w)
		}
	}
}

func TestStdoutOutput_ClampsOnOverflow(t *testing.T) {
	var buf bytes.Buffer
	out := StdoutOutput(&buf, 3.0)

	pcm := samplesToPCM(t, []int16{20000, -20000})
	out(pcm)

	got := buf.Bytes()
	s0 := int16(binary.LittleEndian.Uint16(got[0:]))
	s1 := int16(binary.LittleEndian.Uint16(got[2:]))
	if s0 != 32767 {
		t.Errorf("positive overflow: got %d, want clamp to 32767", s0)
	}
	if s1 != -32768 {
		t.Errorf("negative overflow: got %d, want clamp to -32768", s1)
	}
}

func TestStdoutOutput_ZeroVolumeTreatedAsUnity(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	zero := StdoutOutput(&buf1, 0)
	unity := StdoutOutput(&buf2, 1.0)

	pcm := samplesToPCM(t, []int16{1234, -4321})
	zero(pcm)
	unity(pcm)

	if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Error("volume <= 0 should behave like unity gain")
	}
}
