package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/umindsales/magus/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestEncodePCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []float32
		want []int16
	}{
		{name: "silence", in: []float32{0}, want: []int16{0}},
		{name: "full scale", in: []float32{1, -1}, want: []int16{32767, -32767}},
		{name: "clamped", in: []float32{1.5, -3}, want: []int16{32767, -32767}},
		{name: "half truncates toward zero", in: []float32{0.5, -0.5}, want: []int16{16383, -16383}},
		{name: "empty", in: nil, want: []int16{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.EncodePCM16(tt.in))
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodePCM16(t *testing.T) {
	t.Parallel()

	buf := audio.DecodePCM16(samplesToBytes([]int16{32767, -32767, 0}), audio.PlaybackRate)
	if buf.SampleRate != audio.PlaybackRate || buf.Channels != 1 {
		t.Fatalf("format = %d/%d, want %d/1", buf.SampleRate, buf.Channels, audio.PlaybackRate)
	}
	want := []float32{1, -1, 0}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, buf.Samples[i], want[i])
		}
	}
}

func TestDecodePCM16_OddByteIgnored(t *testing.T) {
	t.Parallel()

	data := append(samplesToBytes([]int16{100, 200}), 0x7f)
	buf := audio.DecodePCM16(data, audio.CaptureRate)
	if len(buf.Samples) != 2 {
		t.Fatalf("len = %d, want 2", len(buf.Samples))
	}
}

func TestPCM16_RoundTrip(t *testing.T) {
	t.Parallel()

	in := make([]float32, 2001)
	for i := range in {
		in[i] = float32(i-1000) / 1000 // -1 .. 1 in 0.001 steps
	}
	out := audio.DecodePCM16(audio.EncodePCM16(in), audio.CaptureRate)

	// One quantisation step, plus float32 rounding slack.
	const tolerance = 1.0/32767 + 1e-6
	for i := range in {
		if d := math.Abs(float64(out.Samples[i] - in[i])); d > tolerance {
			t.Fatalf("sample %d: |%v - %v| = %v > %v", i, out.Samples[i], in[i], d, tolerance)
		}
	}
}

func TestBase64_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, -1, 12345})
	got, err := audio.DecodeBase64(audio.EncodeBase64(pcm))
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("got %v, want %v", got, pcm)
	}

	if _, err := audio.DecodeBase64("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

// wav builds a minimal PCM WAV container around pcm.
func wav(pcm []byte, rate, channels int, dataSize uint32) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(pcm)
	return b.Bytes()
}

func TestStripWAV(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, 2, 3, 4})

	t.Run("container", func(t *testing.T) {
		t.Parallel()
		got, info, ok := audio.StripWAV(wav(pcm, 24000, 1, uint32(len(pcm))))
		if !ok {
			t.Fatal("expected RIFF container to be recognised")
		}
		if info.SampleRate != 24000 || info.Channels != 1 || info.BitsPerSample != 16 {
			t.Errorf("info = %+v", info)
		}
		if !bytes.Equal(got, pcm) {
			t.Errorf("pcm = %v, want %v", got, pcm)
		}
	})

	t.Run("streamed size", func(t *testing.T) {
		t.Parallel()
		got, info, ok := audio.StripWAV(wav(pcm, 22050, 1, 0xFFFFFFFF))
		if !ok || info.SampleRate != 22050 {
			t.Fatalf("ok=%v info=%+v", ok, info)
		}
		if !bytes.Equal(got, pcm) {
			t.Errorf("pcm = %v, want %v", got, pcm)
		}
	})

	t.Run("raw passthrough", func(t *testing.T) {
		t.Parallel()
		got, _, ok := audio.StripWAV(pcm)
		if ok {
			t.Error("raw PCM must not be treated as WAV")
		}
		if !bytes.Equal(got, pcm) {
			t.Error("raw PCM must be returned unchanged")
		}
	})
}

func TestErrDeviceUnavailable_Wrapping(t *testing.T) {
	t.Parallel()
	err := errors.Join(errors.New("no mic"), audio.ErrDeviceUnavailable)
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Error("expected errors.Is to match ErrDeviceUnavailable")
	}
}

func TestDecodeSpeech(t *testing.T) {
	t.Parallel()

	t.Run("stereo wav", func(t *testing.T) {
		t.Parallel()
		pcm := samplesToBytes([]int16{1000, 3000, -2000, -4000})
		buf, err := audio.DecodeSpeech(wav(pcm, 22050, 2, uint32(len(pcm))), 24000)
		if err != nil {
			t.Fatalf("DecodeSpeech: %v", err)
		}
		if buf.SampleRate != 22050 || buf.Channels != 1 || len(buf.Samples) != 2 {
			t.Fatalf("unexpected buffer: rate=%d channels=%d n=%d", buf.SampleRate, buf.Channels, len(buf.Samples))
		}
		if want := float32(2000) / 32767; math.Abs(float64(buf.Samples[0]-want)) > 1e-6 {
			t.Errorf("sample 0 = %v, want %v", buf.Samples[0], want)
		}
	})

	t.Run("raw pcm", func(t *testing.T) {
		t.Parallel()
		buf, err := audio.DecodeSpeech(samplesToBytes([]int16{-1, 0, 1}), 24000)
		if err != nil {
			t.Fatalf("DecodeSpeech: %v", err)
		}
		if buf.SampleRate != 24000 || len(buf.Samples) != 3 {
			t.Errorf("unexpected buffer: %+v", buf)
		}
	})

	t.Run("mp3", func(t *testing.T) {
		t.Parallel()
		_, err := audio.DecodeSpeech([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), 24000)
		if !errors.Is(err, audio.ErrUnsupportedEncoding) {
			t.Errorf("err = %v, want ErrUnsupportedEncoding", err)
		}
	})
}
