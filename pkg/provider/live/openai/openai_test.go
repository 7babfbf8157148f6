package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/umindsales/magus/pkg/provider/live"
	"github.com/umindsales/magus/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeAll(t *testing.T, c live.Codec, frames ...string) []live.Event {
	t.Helper()
	var events []live.Event
	for _, f := range frames {
		evs, err := c.Decode([]byte(f))
		if err != nil {
			t.Fatalf("Decode(%s): %v", f, err)
		}
		events = append(events, evs...)
	}
	return events
}

func frameType(t *testing.T, frame []byte) string {
	t.Helper()
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m.Type
}

// ── Dial / setup ───────────────────────────────────────────────────────────────

func TestDial_SendsHeadersAndModel(t *testing.T) {
	t.Parallel()

	type request struct {
		auth, beta, model string
	}
	got := make(chan request, 1)
	setups := make(chan []byte, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- request{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, data, err := conn.Read(ctx); err == nil {
			setups <- data
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"session.created"}`))
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithModel("gpt-test"), openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := p.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	codec := p.NewCodec()
	frames, err := live.EncodeFrames(codec, live.Setup{SystemInstruction: "Você é MAGUS."})
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("setup frames = %d; want 1", len(frames))
	}
	if err := conn.WriteFrame(ctx, frames[0]); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	req := <-got
	if req.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", req.beta)
	}
	if req.model != "gpt-test" {
		t.Errorf("model = %q; want gpt-test", req.model)
	}

	select {
	case data := <-setups:
		if typ := frameType(t, data); typ != "session.update" {
			t.Errorf("setup type = %q; want session.update", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	ack, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	events := decodeAll(t, codec, string(ack))
	if len(events) != 1 {
		t.Fatalf("events = %v; want one ConnectionEstablished", events)
	}
	if _, ok := events[0].(live.ConnectionEstablished); !ok {
		t.Errorf("event = %T; want live.ConnectionEstablished", events[0])
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()
	p := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Dial(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Encode ─────────────────────────────────────────────────────────────────────

func TestEncode_SetupSession(t *testing.T) {
	t.Parallel()

	temp := 0.6
	frame, err := openai.New("k").NewCodec().Encode(live.Setup{
		SystemInstruction: "Você é MAGUS.",
		KnowledgeContext:  "Produto: CRM",
		GenerationConfig:  live.GenerationConfig{Voice: "verse", Temperature: &temp, ResponseModalities: []string{"AUDIO"}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var msg struct {
		Type    string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Voice             string   `json:"voice"`
			Instructions      string   `json:"instructions"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
			Temperature       *float64 `json:"temperature"`
			TurnDetection     struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	s := msg.Session
	if s.Voice != "verse" {
		t.Errorf("voice = %q; want verse", s.Voice)
	}
	if want := "Você é MAGUS.\n\nProduto: CRM"; s.Instructions != want {
		t.Errorf("instructions = %q; want %q", s.Instructions, want)
	}
	if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
		t.Errorf("formats = %q/%q; want pcm16", s.InputAudioFormat, s.OutputAudioFormat)
	}
	if len(s.Modalities) != 2 || s.Modalities[0] != "audio" || s.Modalities[1] != "text" {
		t.Errorf("modalities = %v; want [audio text]", s.Modalities)
	}
	if s.Temperature == nil || *s.Temperature != temp {
		t.Errorf("temperature = %v; want %v", s.Temperature, temp)
	}
	if s.TurnDetection.Type != "server_vad" {
		t.Errorf("turn_detection = %q; want server_vad", s.TurnDetection.Type)
	}
}

func TestEncode_SetupDefaultVoice(t *testing.T) {
	t.Parallel()
	frame, err := openai.New("k").NewCodec().Encode(live.Setup{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(frame), `"voice":"alloy"`) {
		t.Errorf("frame = %s; want default voice alloy", frame)
	}
}

func TestEncode_AudioTurnResampledTo24k(t *testing.T) {
	t.Parallel()

	// 160 samples at 16 kHz become 240 samples at 24 kHz.
	pcm := make([]byte, 320)
	frames, err := live.EncodeFrames(openai.New("k").NewCodec(), live.AudioTurn(pcm, 16000))
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d; want 1", len(frames))
	}

	var msg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "input_audio_buffer.append" {
		t.Errorf("type = %q", msg.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(raw) != 480 {
		t.Errorf("audio bytes = %d; want 480", len(raw))
	}
}

func TestEncode_AudioTurnAt24kPassesThrough(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	frame, err := openai.New("k").NewCodec().Encode(live.AudioTurn(pcm, 24000))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(frame), base64.StdEncoding.EncodeToString(pcm)) {
		t.Errorf("frame = %s; want untouched audio", frame)
	}
}

func TestEncode_TextTurnRequestsResponse(t *testing.T) {
	t.Parallel()

	frames, err := live.EncodeFrames(openai.New("k").NewCodec(), live.TextTurn("Olá"))
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d; want item + response.create", len(frames))
	}

	var item struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(frames[0], &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if item.Type != "conversation.item.create" || item.Item.Role != "user" {
		t.Errorf("item = %+v", item)
	}
	if c := item.Item.Content; len(c) != 1 || c[0].Type != "input_text" || c[0].Text != "Olá" {
		t.Errorf("content = %+v", c)
	}
	if typ := frameType(t, frames[1]); typ != "response.create" {
		t.Errorf("second frame = %q; want response.create", typ)
	}
}

func TestEncode_IncompleteTextTurnOnlyCreatesItem(t *testing.T) {
	t.Parallel()

	turn := live.TextTurn("parcial")
	turn.TurnComplete = false
	frames, err := live.EncodeFrames(openai.New("k").NewCodec(), turn)
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("frames = %d; want 1", len(frames))
	}
}

// ── Decode ─────────────────────────────────────────────────────────────────────

func TestDecode_ReplySequence(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	codec := openai.New("k").NewCodec()
	events := decodeAll(t, codec,
		`{"type":"response.created"}`,
		`{"type":"response.audio_transcript.delta","delta":"Olá"}`,
		`{"type":"response.audio.delta","delta":"`+base64.StdEncoding.EncodeToString(pcm)+`"}`,
		`{"type":"response.audio_transcript.delta","delta":", tudo bem?"}`,
		`{"type":"response.done"}`,
	)

	if len(events) != 5 {
		t.Fatalf("events = %d (%v); want 5", len(events), events)
	}
	if _, ok := events[0].(live.StreamStart); !ok {
		t.Errorf("events[0] = %T; want StreamStart", events[0])
	}
	if c, ok := events[1].(live.StreamChunk); !ok || c.CumulativeText != "Olá" {
		t.Errorf("events[1] = %+v", events[1])
	}
	if m, ok := events[2].(live.ModelTurn); !ok || m.SampleRate != 24000 || len(m.Audio) != len(pcm) {
		t.Errorf("events[2] = %+v", events[2])
	}
	if c, ok := events[3].(live.StreamChunk); !ok || c.TextDelta != ", tudo bem?" || c.CumulativeText != "Olá, tudo bem?" {
		t.Errorf("events[3] = %+v", events[3])
	}
	done, ok := events[4].(live.StreamComplete)
	if !ok {
		t.Fatalf("events[4] = %T; want StreamComplete", events[4])
	}
	if done.FinalText != "Olá, tudo bem?" || done.Provider != "openai" {
		t.Errorf("complete = %+v", done)
	}

	// A second response starts from empty text.
	events = decodeAll(t, codec,
		`{"type":"response.text.delta","delta":"De novo"}`,
		`{"type":"response.done"}`,
	)
	if len(events) != 3 {
		t.Fatalf("second reply events = %v", events)
	}
	if done := events[2].(live.StreamComplete); done.FinalText != "De novo" {
		t.Errorf("second final = %q", done.FinalText)
	}
}

func TestDecode_SpeechStartedInterrupts(t *testing.T) {
	t.Parallel()

	codec := openai.New("k").NewCodec()
	if evs := decodeAll(t, codec, `{"type":"input_audio_buffer.speech_started"}`); len(evs) != 0 {
		t.Errorf("idle barge-in events = %v; want none", evs)
	}
	events := decodeAll(t, codec,
		`{"type":"response.audio_transcript.delta","delta":"Eu ia dizer"}`,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"response.done"}`,
	)
	if len(events) != 3 {
		t.Fatalf("events = %v; want StreamStart, StreamChunk, Interrupted", events)
	}
	if _, ok := events[2].(live.Interrupted); !ok {
		t.Errorf("events[2] = %T; want Interrupted", events[2])
	}
}

func TestDecode_ErrorEvent(t *testing.T) {
	t.Parallel()

	events := decodeAll(t, openai.New("k").NewCodec(),
		`{"type":"error","error":{"type":"invalid_request_error","code":"bad_voice","message":"voice not found"}}`)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	ev, ok := events[0].(live.ErrorEvent)
	if !ok {
		t.Fatalf("event = %T; want ErrorEvent", events[0])
	}
	if ev.Message != "voice not found" {
		t.Errorf("message = %q", ev.Message)
	}
	if !errors.Is(ev.Err, live.ErrRemote) {
		t.Errorf("err = %v; want ErrRemote", ev.Err)
	}
}

func TestDecode_MalformedAndUnknown(t *testing.T) {
	t.Parallel()

	codec := openai.New("k").NewCodec()
	if _, err := codec.Decode([]byte("not json")); !errors.Is(err, live.ErrMalformedFrame) {
		t.Errorf("err = %v; want ErrMalformedFrame", err)
	}
	events := decodeAll(t, codec,
		`{"type":"rate_limits.updated"}`,
		`{"type":"response.done"}`,
	)
	if len(events) != 0 {
		t.Errorf("events = %v; want none", events)
	}

	evs := decodeAll(t, codec, `{"type":"response.audio.delta","delta":"!!!"}`)
	if len(evs) != 1 {
		t.Fatalf("events = %v", evs)
	}
	if ev, ok := evs[0].(live.ErrorEvent); !ok || !errors.Is(ev.Err, live.ErrMalformedFrame) {
		t.Errorf("event = %+v; want malformed ErrorEvent", evs[0])
	}
}
