package gemini_test

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
	"github.com/umindsales/magus/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// decodeAll decodes a sequence of server frames with one codec.
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

// ── Dial / setup ───────────────────────────────────────────────────────────────

func TestDial_SetupRoundTrip(t *testing.T) {
	t.Parallel()

	type setupFrame struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	got := make(chan setupFrame, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupFrame
		readJSON(t, conn, &msg)
		got <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-api-key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := p.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	codec := p.NewCodec()
	frame, err := codec.Encode(live.Setup{
		SystemInstruction: "Você é MAGUS.",
		GenerationConfig:  live.GenerationConfig{Voice: "Kore"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case msg := <-got:
		if want := "models/custom-model"; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
			t.Errorf("voice = %q; want Kore", v)
		}
		if m := msg.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
			t.Errorf("responseModalities = %v; want [AUDIO]", m)
		}
		if parts := msg.Setup.SystemInstruction.Parts; len(parts) != 1 || parts[0].Text != "Você é MAGUS." {
			t.Errorf("systemInstruction = %+v", parts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
	if key := <-keys; key != "test-api-key" {
		t.Errorf("key query param = %q; want test-api-key", key)
	}

	ack, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	events, err := codec.Decode(ack)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v; want one ConnectionEstablished", events)
	}
	if _, ok := events[0].(live.ConnectionEstablished); !ok {
		t.Errorf("event = %T; want live.ConnectionEstablished", events[0])
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Dial(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Encode ─────────────────────────────────────────────────────────────────────

func TestEncode_AudioTurnUsesRealtimeInput(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	frame, err := gemini.New("k").NewCodec().Encode(live.AudioTurn(pcm, 16000))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var msg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	chunks := msg.RealtimeInput.MediaChunks
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d; want 1", len(chunks))
	}
	if chunks[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q", chunks[0].MIMEType)
	}
	if chunks[0].Data != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("data = %q", chunks[0].Data)
	}
}

func TestEncode_TextTurnUsesClientContent(t *testing.T) {
	t.Parallel()

	frame, err := gemini.New("k").NewCodec().Encode(live.TextTurn("Olá"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var msg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cc := msg.ClientContent
	if !cc.TurnComplete {
		t.Error("turnComplete = false; want true")
	}
	if len(cc.Turns) != 1 || cc.Turns[0].Role != "user" || cc.Turns[0].Parts[0].Text != "Olá" {
		t.Errorf("turns = %+v", cc.Turns)
	}
}

// ── Decode ─────────────────────────────────────────────────────────────────────

func TestDecode_ReplySequence(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	audioFrame, _ := json.Marshal(map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)},
				}},
			},
		},
	})

	events := decodeAll(t, gemini.New("k").NewCodec(),
		string(audioFrame),
		`{"serverContent":{"outputTranscription":{"text":"Olá"}}}`,
		`{"serverContent":{"outputTranscription":{"text":", como posso ajudar?"}}}`,
		`{"serverContent":{"turnComplete":true}}`,
	)

	if len(events) != 5 {
		t.Fatalf("got %d events (%v); want 5", len(events), events)
	}
	if _, ok := events[0].(live.StreamStart); !ok {
		t.Errorf("events[0] = %T; want StreamStart", events[0])
	}
	if mt, ok := events[1].(live.ModelTurn); !ok || string(mt.Audio) != string(pcm) || mt.SampleRate != 24000 {
		t.Errorf("events[1] = %+v; want ModelTurn with audio", events[1])
	}
	if c, ok := events[2].(live.StreamChunk); !ok || c.TextDelta != "Olá" || c.CumulativeText != "Olá" {
		t.Errorf("events[2] = %+v", events[2])
	}
	if c, ok := events[3].(live.StreamChunk); !ok || c.CumulativeText != "Olá, como posso ajudar?" {
		t.Errorf("events[3] = %+v", events[3])
	}
	if c, ok := events[4].(live.StreamComplete); !ok || c.FinalText != "Olá, como posso ajudar?" {
		t.Errorf("events[4] = %+v", events[4])
	}
}

func TestDecode_TurnCompleteWithoutReplyIsSilent(t *testing.T) {
	t.Parallel()
	events := decodeAll(t, gemini.New("k").NewCodec(), `{"serverContent":{"turnComplete":true}}`)
	if len(events) != 0 {
		t.Errorf("events = %v; want none", events)
	}
}

func TestDecode_Interrupted(t *testing.T) {
	t.Parallel()

	c := gemini.New("k").NewCodec()
	events := decodeAll(t, c,
		`{"serverContent":{"outputTranscription":{"text":"parcial"}}}`,
		`{"serverContent":{"interrupted":true}}`,
		`{"serverContent":{"outputTranscription":{"text":"novo"}}}`,
		`{"serverContent":{"turnComplete":true}}`,
	)

	var sawInterrupt bool
	for _, ev := range events {
		if _, ok := ev.(live.Interrupted); ok {
			sawInterrupt = true
		}
	}
	if !sawInterrupt {
		t.Error("expected an Interrupted event")
	}
	last, ok := events[len(events)-1].(live.StreamComplete)
	if !ok || last.FinalText != "novo" {
		t.Errorf("last event = %+v; want StreamComplete{novo}", events[len(events)-1])
	}
}

func TestDecode_RemoteError(t *testing.T) {
	t.Parallel()

	events := decodeAll(t, gemini.New("k").NewCodec(), `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	ev, ok := events[0].(live.ErrorEvent)
	if !ok {
		t.Fatalf("event = %T; want ErrorEvent", events[0])
	}
	if ev.Message != "quota exceeded" {
		t.Errorf("message = %q", ev.Message)
	}
	if !errors.Is(ev.Err, live.ErrRemote) {
		t.Errorf("err = %v; want wrapping live.ErrRemote", ev.Err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	_, err := gemini.New("k").NewCodec().Decode([]byte(`{not json`))
	if !errors.Is(err, live.ErrMalformedFrame) {
		t.Errorf("err = %v; want ErrMalformedFrame", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("k").Capabilities()
	if !caps.AudioInput || !caps.AudioOutput {
		t.Errorf("capabilities = %+v; want audio in and out", caps)
	}
}
