// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// Frames are JSON events exchanged over a WebSocket. Microphone audio is
// streamed with input_audio_buffer.append and the server's voice activity
// detection decides when the user has finished speaking. Text turns become a
// conversation item followed by an explicit response.create. Reply audio
// arrives as base64 PCM16 at 24 kHz.
package openai

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
var (
	_ live.Provider     = (*Provider)(nil)
	_ live.Codec        = (*codec)(nil)
	_ live.FrameEncoder = (*codec)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// wireRate is the only PCM16 rate the Realtime API accepts and emits.
	wireRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model, used when [live.Setup.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
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
func (p *Provider) Name() string { return "openai" }

// Capabilities implements live.Provider. The Realtime API takes and returns
// audio.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{AudioInput: true, AudioOutput: true}
}

// Dial opens the Realtime WebSocket for the provider's default model. The
// model named in [live.Setup] cannot change the URL because the setup frame
// is only encoded after the connection exists.
func (p *Provider) Dial(ctx context.Context) (live.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", strings.TrimRight(p.baseURL, "/"), url.QueryEscape(p.model))
	conn, err := live.DialWebSocket(ctx, wsURL, http.Header{
		"Authorization": []string{"Bearer " + p.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return conn, nil
}

// NewCodec implements live.Provider.
func (p *Provider) NewCodec() live.Codec {
	return &codec{}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string           `json:"modalities,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
	Temperature             *float64           `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                `json:"max_response_output_tokens,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at wireRate
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

type typedMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── codec ──────────────────────────────────────────────────────────────────────

// codec tracks the response in progress so that transcript deltas can be
// reported cumulatively and closed with a StreamComplete on response.done.
type codec struct {
	inTurn bool
	text   strings.Builder
}

// Encode implements live.Codec. It returns the first frame of a message; use
// [live.EncodeFrames] to obtain all of them.
func (c *codec) Encode(msg live.Message) ([]byte, error) {
	frames, err := c.EncodeFrames(msg)
	if err != nil || len(frames) == 0 {
		return nil, err
	}
	return frames[0], nil
}

// EncodeFrames implements live.FrameEncoder.
func (c *codec) EncodeFrames(msg live.Message) ([][]byte, error) {
	var vs []any
	switch m := msg.(type) {
	case live.Setup:
		vs = append(vs, c.setup(m))
	case live.ClientTurn:
		if m.AudioOnly() {
			for _, p := range m.Parts {
				vs = append(vs, appendAudioMessage{Type: "input_audio_buffer.append", Audio: toWire(p)})
			}
			break
		}
		vs = append(vs, createItemMessage{Type: "conversation.item.create", Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: toContent(m.Parts),
		}})
		if m.TurnComplete {
			vs = append(vs, typedMessage{Type: "response.create"})
		}
	default:
		return nil, fmt.Errorf("openai: unsupported message %T", msg)
	}

	frames := make([][]byte, 0, len(vs))
	for _, v := range vs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal: %w", err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (c *codec) setup(s live.Setup) sessionUpdateMessage {
	voice := s.GenerationConfig.Voice
	if voice == "" {
		voice = defaultVoice
	}

	modalities := []string{"audio", "text"}
	if ms := s.GenerationConfig.ResponseModalities; len(ms) > 0 {
		modalities = modalities[:0]
		for _, m := range ms {
			modalities = append(modalities, strings.ToLower(m))
		}
		// Audio replies always carry a transcript.
		if len(modalities) == 1 && modalities[0] == "audio" {
			modalities = append(modalities, "text")
		}
	}

	instruction := s.SystemInstruction
	if s.KnowledgeContext != "" && !strings.Contains(instruction, s.KnowledgeContext) {
		instruction = strings.TrimSpace(instruction + "\n\n" + s.KnowledgeContext)
	}

	return sessionUpdateMessage{Type: "session.update", Session: sessionParams{
		Modalities:              modalities,
		Voice:                   voice,
		Instructions:            instruction,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionConf{Model: "whisper-1"},
		TurnDetection:           &turnDetection{Type: "server_vad"},
		Temperature:             s.GenerationConfig.Temperature,
		MaxResponseOutputTokens: s.GenerationConfig.MaxOutputTokens,
	}}
}

// Decode implements live.Codec.
func (c *codec) Decode(frame []byte) ([]live.Event, error) {
	var ev serverEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("openai: %w: %w", live.ErrMalformedFrame, err)
	}

	switch ev.Type {
	case "session.created":
		return []live.Event{live.ConnectionEstablished{}}, nil

	case "response.created":
		return c.startTurn(nil), nil

	case "response.audio_transcript.delta", "response.text.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		events := c.startTurn(nil)
		c.text.WriteString(ev.Delta)
		return append(events, live.StreamChunk{TextDelta: ev.Delta, CumulativeText: c.text.String()}), nil

	case "response.audio.delta":
		pcm, err := audio.DecodeBase64(ev.Delta)
		if err != nil {
			return []live.Event{live.ErrorEvent{
				Message: "invalid audio delta",
				Err:     fmt.Errorf("openai: %w: %w", live.ErrMalformedFrame, err),
			}}, nil
		}
		if len(pcm) == 0 {
			return nil, nil
		}
		return append(c.startTurn(nil), live.ModelTurn{Audio: pcm, SampleRate: wireRate}), nil

	case "response.done":
		if !c.inTurn {
			return nil, nil
		}
		final := c.text.String()
		c.inTurn = false
		c.text.Reset()
		return []live.Event{live.StreamComplete{FinalText: final, Provider: "openai"}}, nil

	case "input_audio_buffer.speech_started":
		// The user barged in; server VAD has already cancelled the response.
		if !c.inTurn {
			return nil, nil
		}
		c.inTurn = false
		c.text.Reset()
		return []live.Event{live.Interrupted{}}, nil

	case "error":
		text, detail := "unknown error", ""
		if e := ev.Error; e != nil {
			if e.Message != "" {
				text = e.Message
			}
			detail = strings.TrimSpace(e.Type + " " + e.Code)
		}
		return []live.Event{live.ErrorEvent{
			Message: text,
			Err:     fmt.Errorf("openai: %w: %s: %s", live.ErrRemote, detail, text),
		}}, nil
	}
	return nil, nil
}

func (c *codec) startTurn(events []live.Event) []live.Event {
	if c.inTurn {
		return events
	}
	c.inTurn = true
	return append(events, live.StreamStart{})
}

// toWire converts one audio part to base64 PCM16 at wireRate.
func toWire(p live.Part) string {
	rate := live.RateFromMIMEType(p.MIMEType, audio.CaptureRate)
	if rate == wireRate {
		return audio.EncodeBase64(p.Audio)
	}
	buf := audio.Resample(audio.DecodePCM16(p.Audio, rate), wireRate)
	return audio.EncodeBase64(audio.EncodePCM16(buf.Samples))
}

func toContent(in []live.Part) []conversationPart {
	out := make([]conversationPart, 0, len(in))
	for _, p := range in {
		if p.Text != "" {
			out = append(out, conversationPart{Type: "input_text", Text: p.Text})
		}
		if len(p.Audio) > 0 {
			out = append(out, conversationPart{Type: "input_audio", Audio: toWire(p)})
		}
	}
	return out
}
