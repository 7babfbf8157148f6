// Package espeak provides an on-device TTS provider that shells out to the
// espeak-ng binary. It needs no network and no credentials, which makes it the
// last entry of the TTS fallback chain.
package espeak

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// ErrUnavailable is returned by New when the binary cannot be found.
var ErrUnavailable = errors.New("espeak: binary not found")

// DefaultCommand is the binary looked up on PATH.
const DefaultCommand = "espeak-ng"

// espeak-ng writes 22.05 kHz WAV; used if the header is missing.
const nativeRate = 22050

// Option is a functional option for Provider.
type Option func(*Provider)

// WithCommand sets the binary name or path.
func WithCommand(cmd string) Option {
	return func(p *Provider) { p.command = cmd }
}

// WithWordsPerMinute sets the base speaking rate (espeak -s). Defaults to 160.
func WithWordsPerMinute(wpm int) Option {
	return func(p *Provider) { p.wpm = wpm }
}

// Provider implements tts.Provider with espeak-ng.
type Provider struct {
	command string
	wpm     int
}

// New resolves the binary and returns a Provider.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{command: DefaultCommand, wpm: 160}
	for _, o := range opts {
		o(p)
	}
	resolved, err := exec.LookPath(p.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	p.command = resolved
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "espeak" }

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.Buffer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Buffer{}, tts.ErrEmptyText
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.command, p.args(text, voice)...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return audio.Buffer{}, fmt.Errorf("espeak: %w: %s", err, msg)
		}
		return audio.Buffer{}, fmt.Errorf("espeak: %w", err)
	}
	if len(out) == 0 {
		return audio.Buffer{}, tts.ErrNoAudio
	}

	buf, err := audio.DecodeSpeech(out, nativeRate)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("espeak: %w", err)
	}
	if len(buf.Samples) == 0 {
		return audio.Buffer{}, tts.ErrNoAudio
	}
	return buf, nil
}

// args builds the command line. Text goes last, after "--", so input that
// starts with a dash is not read as a flag.
func (p *Provider) args(text string, voice tts.Voice) []string {
	voice = voice.WithDefaults()
	wpm := p.wpm
	if voice.SpeakingRate > 0 {
		wpm = int(float64(wpm) * voice.SpeakingRate)
	}
	args := []string{"--stdout", "-v", espeakVoice(voice), "-s", strconv.Itoa(wpm), "--", text}
	return args
}

// espeakVoice maps a BCP-47 language code ("pt-BR") onto an espeak voice
// ("pt-br"), with a "+f3" variant for female voices.
func espeakVoice(v tts.Voice) string {
	name := strings.ToLower(v.LanguageCode)
	if strings.EqualFold(v.Gender, "FEMALE") {
		name += "+f3"
	}
	return name
}
