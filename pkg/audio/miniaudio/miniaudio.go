// Package miniaudio implements [audio.Capture] and [audio.Player] on top of the
// host's default sound devices using malgo (miniaudio bindings).
//
// Both devices run in 32-bit float mono. Capture delivers blocks at
// [audio.CaptureRate]; playback runs at [audio.PlaybackRate] and converts
// anything else on the way in.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/umindsales/magus/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Capture = (*Capture)(nil)
	_ audio.Player  = (*Player)(nil)
)

// Context owns the miniaudio backend context shared by capture and playback
// devices.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the audio backend. A failure here means no device can
// be opened, so it is reported as [audio.ErrDeviceUnavailable].
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend context. Devices created from it must be closed
// first.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	return err
}

// ── Capture ──────────────────────────────────────────────────────────────────

// Capture is the default microphone.
type Capture struct {
	ctx        *Context
	sampleRate int

	mu     sync.Mutex
	device *malgo.Device
	out    chan audio.Buffer
}

// NewCapture returns a capture device bound to ctx. The device is not acquired
// until Open.
func NewCapture(ctx *Context) *Capture {
	return &Capture{ctx: ctx, sampleRate: audio.CaptureRate}
}

// Open acquires the microphone and starts streaming.
func (c *Capture) Open(ctx context.Context) (<-chan audio.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return nil, fmt.Errorf("miniaudio: capture already open")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(c.sampleRate)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	out := make(chan audio.Buffer, 32)
	sampleRate := c.sampleRate
	device, err := malgo.InitDevice(c.ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * 4
			if n == 0 || len(input) < n {
				return
			}
			buf := audio.Buffer{Samples: bytesToFloats(input[:n]), SampleRate: sampleRate, Channels: 1}
			select {
			case out <- buf:
			default:
				// Consumer is behind; dropping keeps the device callback real-time.
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("miniaudio: start capture: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	c.device = device
	c.out = out

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.device == device {
			c.closeLocked()
		}
	}()
	return out, nil
}

// Close stops the microphone and closes the stream channel.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		c.closeLocked()
	}
	return nil
}

func (c *Capture) closeLocked() {
	if c.device.IsStarted() {
		if err := c.device.Stop(); err != nil {
			slog.Warn("miniaudio: stop capture", "err", err)
		}
	}
	c.device.Uninit()
	c.device = nil
	close(c.out)
	c.out = nil
}

// ── Player ───────────────────────────────────────────────────────────────────

// Player is the default speaker. Buffers are appended to a [audio.Spool] that
// the device callback drains in real time.
type Player struct {
	device *malgo.Device
	conv   audio.Converter
	convMu sync.Mutex
	spool  audio.Spool

	closeOnce sync.Once
}

// NewPlayer opens and starts the default playback device.
func NewPlayer(ctx *Context) (*Player, error) {
	p := &Player{conv: audio.Converter{Target: audio.Format{SampleRate: audio.PlaybackRate, Channels: 1}}}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = audio.PlaybackRate
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = audio.PlaybackRate / 10
	cfg.Periods = 4

	var period []float32
	device, err := malgo.InitDevice(ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			if cap(period) < int(frameCount) {
				period = make([]float32, frameCount)
			}
			period = period[:frameCount]
			p.spool.Read(period)
			floatsToBytes(output, period)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init playback: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("miniaudio: start playback: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p.device = device
	return p, nil
}

// Play queues buf behind anything already pending.
func (p *Player) Play(buf audio.Buffer) error {
	p.convMu.Lock()
	buf = p.conv.Convert(buf)
	p.convMu.Unlock()
	p.spool.Write(buf.Samples)
	return nil
}

// Flush drops all pending audio; the device plays silence from the next period.
func (p *Player) Flush() {
	p.spool.Reset()
}

// Close stops the playback device.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.spool.Reset()
		if p.device.IsStarted() {
			_ = p.device.Stop()
		}
		p.device.Uninit()
	})
	return nil
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func floatsToBytes(dst []byte, samples []float32) {
	for i, s := range samples {
		if (i+1)*4 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
