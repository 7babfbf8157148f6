// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultModel is the speech model used when none is configured.
	DefaultModel = oai.SpeechModelGPT4oMiniTTS

	// DefaultVoice is used when the requested voice is not an OpenAI voice.
	DefaultVoice = oai.AudioSpeechNewParamsVoiceCoral

	// sampleRate of the "pcm" response format.
	sampleRate = 24000
)

var knownVoices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true, "echo": true, "fable": true,
	"nova": true, "onyx": true, "sage": true, "shimmer": true, "verse": true,
}

// Option is a functional option for Provider.
type Option func(*config)

type config struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

// WithModel sets the speech model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "openai" }

// Synthesize implements tts.Provider. Voices outside the OpenAI catalogue
// (such as the Google default) fall back to [DefaultVoice]; the language is
// inferred from the text.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.Buffer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Buffer{}, tts.ErrEmptyText
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          voiceFor(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeakingRate > 0 && voice.SpeakingRate != 1 {
		params.Speed = param.NewOpt(voice.SpeakingRate)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("openai: read speech: %w", err)
	}
	if len(pcm) < 2 {
		return audio.Buffer{}, tts.ErrNoAudio
	}
	return audio.DecodePCM16(pcm, sampleRate), nil
}

func voiceFor(v tts.Voice) oai.AudioSpeechNewParamsVoice {
	id := strings.ToLower(v.ID)
	if knownVoices[id] {
		return oai.AudioSpeechNewParamsVoice(id)
	}
	return DefaultVoice
}
