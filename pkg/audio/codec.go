package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// pcmScale maps a normalised float sample onto the int16 range. Negative full
// scale encodes as -32767, so -32768 never appears in encoded output.
const pcmScale = 32767

// EncodePCM16 converts normalised float samples to 16-bit signed little-endian
// PCM. Samples outside [-1, 1] are clamped; scaling truncates toward zero.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*pcmScale)))
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM into a mono [Buffer]
// tagged with sampleRate. A trailing odd byte is ignored.
func DecodePCM16(data []byte, sampleRate int) Buffer {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / pcmScale
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: 1}
}

// EncodeBase64 returns the wire representation of a PCM16 payload.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes a base64 wire payload back into PCM16 bytes.
func DecodeBase64(s string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return pcm, nil
}

// WAVInfo describes the format chunk of a RIFF/WAVE container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// StripWAV returns the PCM payload of a RIFF/WAVE container together with its
// format. Input without a RIFF header is returned unchanged with ok=false, so
// raw PCM can be passed through the same path.
func StripWAV(data []byte) (pcm []byte, info WAVInfo, ok bool) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return data, WAVInfo{}, false
	}
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if body+16 <= len(data) {
				info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
				info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			}
		case "data":
			end := body + size
			// Streamed WAV (e.g. espeak --stdout) leaves the size fields unset.
			if size == 0 || size == 0xFFFFFFFF || end > len(data) {
				end = len(data)
			}
			return data[body:end], info, true
		}
		pos = body + size + size%2
	}
	return nil, info, true
}

// ErrUnsupportedEncoding is returned for compressed payloads (MP3, Ogg) that
// have to be requested as PCM or WAV instead.
var ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")

// DecodeSpeech turns a synthesised speech payload into a mono [Buffer]. WAV
// containers are unwrapped and downmixed; anything else is taken as raw PCM16
// at rawRate.
func DecodeSpeech(data []byte, rawRate int) (Buffer, error) {
	pcm, info, ok := StripWAV(data)
	if !ok {
		if isCompressed(data) {
			return Buffer{}, ErrUnsupportedEncoding
		}
		return DecodePCM16(data, rawRate), nil
	}
	if info.BitsPerSample != 16 {
		return Buffer{}, fmt.Errorf("%w: %d-bit WAV", ErrUnsupportedEncoding, info.BitsPerSample)
	}
	buf := DecodePCM16(pcm, info.SampleRate)
	if info.Channels > 1 {
		buf.Channels = info.Channels
		buf = Downmix(buf)
	}
	return buf, nil
}

// isCompressed sniffs container magic: an ID3-tagged MP3 or an Ogg stream.
// Bare MP3 frame sync is not checked, it is indistinguishable from PCM.
func isCompressed(data []byte) bool {
	return bytes.HasPrefix(data, []byte("ID3")) || bytes.HasPrefix(data, []byte("OggS"))
}
