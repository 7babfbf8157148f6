// Package google provides a TTS provider backed by Google Cloud
// Text-to-Speech.
//
// Two transports are supported. With an API key the provider calls
// texttospeech.googleapis.com directly and requests LINEAR16 audio. With an
// edge client it calls the backend's text-to-speech-google function, which
// holds the key server-side:
//
//	p, _ := google.New(google.WithAPIKey(os.Getenv("GOOGLE_API_KEY")))
//	p, _ := google.New(google.WithEdge(client))
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/edge"
	"github.com/umindsales/magus/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultBaseURL = "https://texttospeech.googleapis.com"
	edgeFunction   = "text-to-speech-google"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey selects the direct transport.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithEdge selects the backend-function transport.
func WithEdge(c *edge.Client) Option {
	return func(p *Provider) { p.edge = c }
}

// WithBaseURL overrides the Google API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the instrumented default HTTP client of the direct
// transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// WithSampleRate sets the LINEAR16 output rate requested from the direct API.
// Defaults to [audio.PlaybackRate].
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements tts.Provider for Google Cloud TTS.
type Provider struct {
	apiKey     string
	edge       *edge.Client
	baseURL    string
	sampleRate int
	httpClient *http.Client
}

// New creates a Provider. Exactly one of [WithAPIKey] or [WithEdge] must be
// given.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		baseURL:    defaultBaseURL,
		sampleRate: audio.PlaybackRate,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if (p.apiKey == "") == (p.edge == nil) {
		return nil, errors.New("google: exactly one of an API key or an edge client is required")
	}
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "google" }

// ── Wire types ───────────────────────────────────────────────────────────────

type synthesizeRequest struct {
	Input       synthesisInput `json:"input"`
	Voice       voiceSelection `json:"voice"`
	AudioConfig audioConfig    `json:"audioConfig"`
}

type synthesisInput struct {
	Text string `json:"text"`
}

type voiceSelection struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name,omitempty"`
	SSMLGender   string `json:"ssmlGender,omitempty"`
}

type audioConfig struct {
	AudioEncoding   string  `json:"audioEncoding"`
	SampleRateHertz int     `json:"sampleRateHertz,omitempty"`
	SpeakingRate    float64 `json:"speakingRate"`
	Pitch           float64 `json:"pitch"`
	VolumeGainDB    float64 `json:"volumeGainDb"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// edgeRequest is the body of the text-to-speech-google function.
type edgeRequest struct {
	Text          string `json:"text"`
	Voice         string `json:"voice,omitempty"`
	LanguageCode  string `json:"languageCode,omitempty"`
	AudioEncoding string `json:"audioEncoding,omitempty"`
}

type edgeResponse struct {
	AudioContent string `json:"audioContent"`
	Provider     string `json:"provider"`
}

// ── Synthesize ───────────────────────────────────────────────────────────────

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.Buffer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Buffer{}, tts.ErrEmptyText
	}
	voice = voice.WithDefaults()

	var (
		content string
		err     error
	)
	if p.edge != nil {
		content, err = p.synthesizeEdge(ctx, text, voice)
	} else {
		content, err = p.synthesizeDirect(ctx, text, voice)
	}
	if err != nil {
		return audio.Buffer{}, err
	}
	if content == "" {
		return audio.Buffer{}, tts.ErrNoAudio
	}

	raw, err := audio.DecodeBase64(content)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("google: %w", err)
	}
	// LINEAR16 responses always come wrapped in a WAV header; anything else
	// is the MP3 the backend defaults to.
	if _, _, ok := audio.StripWAV(raw); !ok {
		return audio.Buffer{}, fmt.Errorf("google: %w: expected LINEAR16", audio.ErrUnsupportedEncoding)
	}
	buf, err := audio.DecodeSpeech(raw, p.sampleRate)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("google: %w", err)
	}
	return buf, nil
}

func (p *Provider) synthesizeDirect(ctx context.Context, text string, voice tts.Voice) (string, error) {
	body, err := json.Marshal(synthesizeRequest{
		Input: synthesisInput{Text: text},
		Voice: voiceSelection{
			LanguageCode: voice.LanguageCode,
			Name:         voice.ID,
			SSMLGender:   voice.Gender,
		},
		AudioConfig: audioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: p.sampleRate,
			SpeakingRate:    voice.SpeakingRate,
		},
	})
	if err != nil {
		return "", fmt.Errorf("google: encode request: %w", err)
	}

	endpoint := p.baseURL + "/v1/text:synthesize?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("google: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out synthesizeResponse
	if err := p.do(req, &out); err != nil {
		return "", fmt.Errorf("google: synthesize: %w", err)
	}
	return out.AudioContent, nil
}

func (p *Provider) synthesizeEdge(ctx context.Context, text string, voice tts.Voice) (string, error) {
	var out edgeResponse
	err := p.edge.Invoke(ctx, edgeFunction, edgeRequest{
		Text:          text,
		Voice:         voice.ID,
		LanguageCode:  voice.LanguageCode,
		AudioEncoding: "LINEAR16",
	}, &out)
	if err != nil {
		return "", fmt.Errorf("google: %w", err)
	}
	return out.AudioContent, nil
}

// ── ListVoices ───────────────────────────────────────────────────────────────

type voicesResponse struct {
	Voices []struct {
		LanguageCodes          []string `json:"languageCodes"`
		Name                   string   `json:"name"`
		SSMLGender             string   `json:"ssmlGender"`
		NaturalSampleRateHertz int      `json:"naturalSampleRateHertz"`
	} `json:"voices"`
}

// ListVoices implements tts.VoiceLister. Only the direct transport can list
// voices.
func (p *Provider) ListVoices(ctx context.Context, languageCode string) ([]tts.Voice, error) {
	if p.apiKey == "" {
		return nil, errors.New("google: list voices needs an API key")
	}
	q := url.Values{"key": {p.apiKey}}
	if languageCode != "" {
		q.Set("languageCode", languageCode)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("google: list voices: %w", err)
	}

	var vr voicesResponse
	if err := p.do(req, &vr); err != nil {
		return nil, fmt.Errorf("google: list voices: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		lang := ""
		if len(v.LanguageCodes) > 0 {
			lang = v.LanguageCodes[0]
		}
		voices = append(voices, tts.Voice{
			ID:           v.Name,
			Name:         v.Name,
			LanguageCode: lang,
			Gender:       v.SSMLGender,
			Provider:     "google",
			Metadata:     map[string]string{"natural_sample_rate": fmt.Sprint(v.NaturalSampleRateHertz)},
		})
	}
	return voices, nil
}

// do sends req and decodes a JSON response into out, turning API error
// bodies into errors.
func (p *Provider) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, ae.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
