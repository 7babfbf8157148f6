package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Format returns the format of b.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Converter converts Buffers to a target format. It logs a warning on the
// first format mismatch. Create one per stream; not designed for shared use
// across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts b to the target format. If the source format already
// matches the target, b is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample.
func (c *Converter) Convert(b Buffer) Buffer {
	channels := max(b.Channels, 1)
	if b.SampleRate == c.Target.SampleRate && channels == max(c.Target.Channels, 1) {
		return b
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(b.SampleRate, channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	if channels > 1 && c.Target.Channels <= 1 {
		b = Downmix(b)
	}
	if b.SampleRate != c.Target.SampleRate {
		b = Resample(b, c.Target.SampleRate)
	}
	if b.Channels == 1 && c.Target.Channels == 2 {
		b = Upmix(b)
	}
	return b
}

// Upmix duplicates each mono sample into an interleaved stereo L+R pair.
func Upmix(b Buffer) Buffer {
	out := make([]float32, len(b.Samples)*2)
	for i, s := range b.Samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return Buffer{Samples: out, SampleRate: b.SampleRate, Channels: 2}
}

// Downmix averages all channels of each interleaved frame into a single mono
// sample. Mono input is returned unchanged.
func Downmix(b Buffer) Buffer {
	if b.Channels <= 1 {
		return b
	}
	frames := len(b.Samples) / b.Channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range b.Channels {
			sum += b.Samples[i*b.Channels+ch]
		}
		out[i] = sum / float32(b.Channels)
	}
	return Buffer{Samples: out, SampleRate: b.SampleRate, Channels: 1}
}

// Resample converts mono audio to dstRate using linear interpolation. If the
// rates already match, or either rate is unknown, b is returned unchanged.
func Resample(b Buffer, dstRate int) Buffer {
	if b.SampleRate <= 0 || dstRate <= 0 || b.SampleRate == dstRate || len(b.Samples) == 0 {
		return b
	}
	src := b.Samples
	dstLen := int(int64(len(src)) * int64(dstRate) / int64(b.SampleRate))
	out := make([]float32, dstLen)
	ratio := float64(b.SampleRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := src[srcIdx]
		s1 := s0
		if srcIdx+1 < len(src) {
			s1 = src[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return Buffer{Samples: out, SampleRate: dstRate, Channels: b.Channels}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
