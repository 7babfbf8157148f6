// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// Frames are JSON messages of the BidiGenerateContent protocol exchanged over
// a WebSocket. Microphone audio is streamed as base64 PCM realtimeInput
// chunks; reply audio arrives as inlineData parts of serverContent messages
// and reply text as output transcriptions.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/live"
)

// Compile-time assertions that Provider and codec satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Codec = (*codec)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	servicePath = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Gemini model, used when [live.Setup.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "gemini" }

// Capabilities implements live.Provider. Gemini Live takes and returns audio.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{AudioInput: true, AudioOutput: true}
}

// Dial opens the BidiGenerateContent WebSocket.
func (p *Provider) Dial(ctx context.Context) (live.Conn, error) {
	wsURL := fmt.Sprintf("%s/%s?key=%s", strings.TrimRight(p.baseURL, "/"), servicePath, url.QueryEscape(p.apiKey))
	conn, err := live.DialWebSocket(ctx, wsURL, http.Header{
		"Content-Type": []string{"application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return conn, nil
}

// NewCodec implements live.Provider.
func (p *Provider) NewCodec() live.Codec {
	return &codec{defaultModel: p.model}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	Temperature        *float64      `json:"temperature,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── codec ──────────────────────────────────────────────────────────────────────

// codec tracks the reply in progress so that text fragments can be reported
// cumulatively and closed with a StreamComplete on turnComplete.
type codec struct {
	defaultModel string

	inTurn bool
	text   strings.Builder
}

// Encode implements live.Codec.
func (c *codec) Encode(msg live.Message) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case live.Setup:
		v = c.setup(m)
	case live.ClientTurn:
		if m.AudioOnly() {
			chunks := make([]inlineData, len(m.Parts))
			for i, p := range m.Parts {
				chunks[i] = inlineData{MIMEType: mimeOrDefault(p.MIMEType), Data: audio.EncodeBase64(p.Audio)}
			}
			v = realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: chunks}}
			break
		}
		v = clientContentMessage{ClientContent: clientContent{
			Turns:        []content{{Role: geminiRole(m.Role), Parts: toParts(m.Parts)}},
			TurnComplete: m.TurnComplete,
		}}
	default:
		return nil, fmt.Errorf("gemini: unsupported message %T", msg)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal: %w", err)
	}
	return data, nil
}

func (c *codec) setup(s live.Setup) setupMessage {
	model := s.Model
	if model == "" {
		model = c.defaultModel
	}
	modalities := s.GenerationConfig.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	msg := setupMessage{Setup: setupConfig{
		Model: "models/" + strings.TrimPrefix(model, "models/"),
		GenerationConfig: generationConfig{
			ResponseModalities: modalities,
			Temperature:        s.GenerationConfig.Temperature,
			MaxOutputTokens:    s.GenerationConfig.MaxOutputTokens,
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}}

	if v := s.GenerationConfig.Voice; v != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: v}},
		}
	}

	instruction := s.SystemInstruction
	if s.KnowledgeContext != "" && !strings.Contains(instruction, s.KnowledgeContext) {
		instruction = strings.TrimSpace(instruction + "\n\n" + s.KnowledgeContext)
	}
	if instruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: instruction}}}
	}
	return msg
}

// Decode implements live.Codec.
func (c *codec) Decode(frame []byte) ([]live.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("gemini: %w: %w", live.ErrMalformedFrame, err)
	}

	var events []live.Event
	if msg.SetupComplete != nil {
		events = append(events, live.ConnectionEstablished{})
	}
	if ge := msg.Error; ge != nil {
		text := ge.Message
		if text == "" {
			text = "unknown error"
		}
		events = append(events, live.ErrorEvent{
			Message: text,
			Err:     fmt.Errorf("gemini: %w: %d %s: %s", live.ErrRemote, ge.Code, ge.Status, text),
		})
	}
	if sc := msg.ServerContent; sc != nil {
		events = c.serverContent(sc, events)
	}
	return events, nil
}

func (c *codec) serverContent(sc *serverContent, events []live.Event) []live.Event {
	if sc.Interrupted {
		c.inTurn = false
		c.text.Reset()
		events = append(events, live.Interrupted{})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				events = c.appendText(p.Text, events)
			}
			if p.InlineData == nil {
				continue
			}
			pcm, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil {
				events = append(events, live.ErrorEvent{
					Message: "invalid inline audio",
					Err:     fmt.Errorf("gemini: %w: %w", live.ErrMalformedFrame, err),
				})
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			events = c.startTurn(events)
			events = append(events, live.ModelTurn{
				Audio:      pcm,
				SampleRate: live.RateFromMIMEType(p.InlineData.MIMEType, audio.PlaybackRate),
			})
		}
	}

	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		events = c.appendText(t.Text, events)
	}

	if sc.TurnComplete && c.inTurn {
		events = append(events, live.StreamComplete{FinalText: c.text.String(), Provider: "gemini"})
		c.inTurn = false
		c.text.Reset()
	}
	return events
}

func (c *codec) startTurn(events []live.Event) []live.Event {
	if c.inTurn {
		return events
	}
	c.inTurn = true
	return append(events, live.StreamStart{})
}

func (c *codec) appendText(delta string, events []live.Event) []live.Event {
	events = c.startTurn(events)
	c.text.WriteString(delta)
	return append(events, live.StreamChunk{TextDelta: delta, CumulativeText: c.text.String()})
}

func toParts(in []live.Part) []part {
	out := make([]part, 0, len(in))
	for _, p := range in {
		if p.Text != "" {
			out = append(out, part{Text: p.Text})
		}
		if len(p.Audio) > 0 {
			out = append(out, part{InlineData: &inlineData{MIMEType: mimeOrDefault(p.MIMEType), Data: audio.EncodeBase64(p.Audio)}})
		}
	}
	return out
}

func geminiRole(role string) string {
	switch role {
	case "assistant", "model":
		return "model"
	default:
		return "user"
	}
}

func mimeOrDefault(m string) string {
	if m == "" {
		return live.PCMMIMEType(audio.CaptureRate)
	}
	return m
}
