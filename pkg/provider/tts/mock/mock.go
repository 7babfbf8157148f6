// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio and to verify the text and voice
// passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: audio.Buffer{Samples: []float32{0.1}, SampleRate: 24000, Channels: 1},
//	}
//	buf, _ := p.Synthesize(ctx, "olá", tts.DefaultVoice())
package mock

import (
	"context"
	"sync"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Result is returned by Synthesize when Err is nil.
	Result audio.Buffer

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	calls []SynthesizeCall
}

// Name implements tts.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	if p.Err != nil {
		return audio.Buffer{}, p.Err
	}
	return p.Result, nil
}

// ListVoices implements tts.VoiceLister.
func (p *Provider) ListVoices(_ context.Context, _ string) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.ListVoicesResult, nil
}

// SetErr replaces the Synthesize error while other goroutines may be calling.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Calls returns a copy of every Synthesize call so far.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
