package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/livegate/pkg/audio"
)

func pcm(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	equalSamples(t, samples(audio.MonoToStereo(pcm(1, -2, 3))), []int16{1, 1, -2, -2, 3, 3})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	equalSamples(t, samples(audio.StereoToMono(pcm(100, 200, -100, -200, 32767, 32767))), []int16{150, -150, 32767})
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []byte
		src, dst int
		wantLen  int
	}{
		{name: "same rate", in: pcm(1, 2, 3, 4), src: 16000, dst: 16000, wantLen: 4},
		{name: "downsample 3x", in: pcm(make([]int16, 480)...), src: 48000, dst: 16000, wantLen: 160},
		{name: "upsample 1.5x", in: pcm(make([]int16, 160)...), src: 16000, dst: 24000, wantLen: 240},
		{name: "invalid rate", in: pcm(1, 2), src: 0, dst: 16000, wantLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.ResampleMono16(tt.in, tt.src, tt.dst)
			if len(got)/2 != tt.wantLen {
				t.Errorf("samples: got %d, want %d", len(got)/2, tt.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	t.Parallel()
	// Doubling the rate inserts midpoints.
	got := samples(audio.ResampleMono16(pcm(0, 100, 200), 8000, 16000))
	equalSamples(t, got, []int16{0, 50, 100, 150, 200, 200})
}

func TestConverter(t *testing.T) {
	t.Parallel()

	t.Run("passthrough", func(t *testing.T) {
		t.Parallel()
		c := audio.Converter{Target: audio.FormatBackendInput}
		in := audio.AudioFrame{Data: pcm(1, 2), SampleRate: 16000, Channels: 1}
		out := c.Convert(in)
		if &out.Data[0] != &in.Data[0] {
			t.Error("expected the input buffer to be reused")
		}
	})

	t.Run("browser stereo to backend mono", func(t *testing.T) {
		t.Parallel()
		c := audio.Converter{Target: audio.FormatBackendInput}
		in := audio.AudioFrame{Data: pcm(make([]int16, 960)...), SampleRate: 48000, Channels: 2}
		out := c.Convert(in)
		if out.Format() != audio.FormatBackendInput {
			t.Errorf("format: got %v, want %v", out.Format(), audio.FormatBackendInput)
		}
		if len(out.Data)/2 != 160 {
			t.Errorf("samples: got %d, want 160", len(out.Data)/2)
		}
	})

	t.Run("odd byte count", func(t *testing.T) {
		t.Parallel()
		c := audio.Converter{Target: audio.FormatBackendInput}
		out := c.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1})
		if out.Data != nil {
			t.Errorf("expected nil data, got %d bytes", len(out.Data))
		}
	})
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	} {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("%#v: got %q, want %q", tt.f, got, tt.want)
		}
	}
}
