package audio

import (
	"testing"
	"time"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func samples16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return out
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name  string
		input []int16
		want  []int16
	}{
		{
			name:  "averages channels",
			input: []int16{100, 200, -100, 300},
			want:  []int16{150, 100},
		},
		{
			name:  "identical channels pass through",
			input: []int16{500, 500},
			want:  []int16{500},
		},
		{
			name:  "opposite extremes cancel",
			input: []int16{32767, -32768},
			want:  []int16{0},
		},
		{
			name:  "empty input",
			input: nil,
			want:  []int16{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := samples16(StereoToMono(pcm16(tt.input...)))
			if len(got) != len(tt.want) {
				t.Fatalf("StereoToMono returned %d samples, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate passes through", func(t *testing.T) {
		in := pcm16(1, 2, 3, 4)
		got := ResampleMono16(in, 48000, 48000)
		if &got[0] != &in[0] {
			t.Error("expected input slice to be returned unchanged")
		}
	})

	t.Run("downsampling halves sample count", func(t *testing.T) {
		in := pcm16(make([]int16, 960)...)
		got := ResampleMono16(in, 48000, 24000)
		if len(got)/2 != 480 {
			t.Errorf("resampled to %d samples, want 480", len(got)/2)
		}
	})

	t.Run("upsampling doubles sample count", func(t *testing.T) {
		in := pcm16(make([]int16, 160)...)
		got := ResampleMono16(in, 16000, 32000)
		if len(got)/2 != 320 {
			t.Errorf("resampled to %d samples, want 320", len(got)/2)
		}
	})

	t.Run("constant signal stays constant", func(t *testing.T) {
		samples := make([]int16, 480)
		for i := range samples {
			samples[i] = 1000
		}
		got := samples16(ResampleMono16(pcm16(samples...), 48000, 16000))
		for i, s := range got {
			if s != 1000 {
				t.Fatalf("sample %d = %d, want 1000", i, s)
			}
		}
	})

	t.Run("interpolates between samples", func(t *testing.T) {
		// Upsampling [0, 100] by 2x should place a midpoint near 50.
		got := samples16(ResampleMono16(pcm16(0, 100), 8000, 16000))
		if len(got) != 4 {
			t.Fatalf("got %d samples, want 4", len(got))
		}
		if got[1] != 50 {
			t.Errorf("interpolated sample = %d, want 50", got[1])
		}
	})
}

func TestFormatConverter(t *testing.T) {
	t.Run("matching format passes through", func(t *testing.T) {
		conv := FormatConverter{Target: Format{SampleRate: 16000, Channels: 1}}
		in := Frame{Data: pcm16(1, 2, 3), SampleRate: 16000, Channels: 1}
		got := conv.Convert(in)
		if &got.Data[0] != &in.Data[0] {
			t.Error("expected frame data to pass through unconverted")
		}
	})

	t.Run("stereo 48k to mono 16k", func(t *testing.T) {
		conv := FormatConverter{Target: Format{SampleRate: 16000, Channels: 1}}
		stereo := make([]int16, 960*2)
		in := Frame{Data: pcm16(stereo...), SampleRate: 48000, Channels: 2, Timestamp: 20 * time.Millisecond}
		got := conv.Convert(in)
		if got.SampleRate != 16000 || got.Channels != 1 {
			t.Errorf("converted format = %dHz %dch, want 16000Hz 1ch", got.SampleRate, got.Channels)
		}
		if len(got.Data)/2 != 320 {
			t.Errorf("converted to %d samples, want 320", len(got.Data)/2)
		}
		if got.Timestamp != 20*time.Millisecond {
			t.Errorf("timestamp = %v, want 20ms", got.Timestamp)
		}
	})

	t.Run("odd byte count drops data", func(t *testing.T) {
		conv := FormatConverter{Target: Format{SampleRate: 16000, Channels: 1}}
		got := conv.Convert(Frame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1})
		if len(got.Data) != 0 {
			t.Errorf("expected corrupt frame data to be dropped, got %d bytes", len(got.Data))
		}
	})
}

func TestConvertStream(t *testing.T) {
	in := make(chan Frame, 4)
	out := ConvertStream(in, Format{SampleRate: 16000, Channels: 1})

	in <- Frame{Data: pcm16(make([]int16, 960)...), SampleRate: 48000, Channels: 1}
	in <- Frame{Data: []byte{1}, SampleRate: 48000, Channels: 1} // corrupt, dropped
	in <- Frame{Data: pcm16(1, 2, 3), SampleRate: 16000, Channels: 1}
	close(in)

	var frames []Frame
	for f := range out {
		frames = append(frames, f)
	}
	if len(frames) != 2 {
		t.Fatalf("received %d frames, want 2", len(frames))
	}
	if len(frames[0].Data)/2 != 320 {
		t.Errorf("first frame has %d samples, want 320", len(frames[0].Data)/2)
	}
}

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  time.Duration
	}{
		{
			name:  "20ms mono at 16k",
			frame: Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1},
			want:  20 * time.Millisecond,
		},
		{
			name:  "20ms stereo at 48k",
			frame: Frame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2},
			want:  20 * time.Millisecond,
		},
		{
			name:  "empty frame",
			frame: Frame{SampleRate: 16000, Channels: 1},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Duration(); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}
