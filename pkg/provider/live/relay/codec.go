package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/umindsales/magus/pkg/provider/live"
)

var _ live.Codec = (*codec)(nil)

// NewCodec returns a client-side relay codec.
func NewCodec() live.Codec {
	return &codec{}
}

// codec is the client-side relay codec. The protocol has no setup frame, so
// the knowledge context of the [live.Setup] is remembered and attached to
// every chat message.
type codec struct {
	knowledgeContext string
}

// Encode implements live.Codec. Audio-only turns have no relay
// representation and encode to nil.
func (c *codec) Encode(msg live.Message) ([]byte, error) {
	switch m := msg.(type) {
	case live.Setup:
		c.knowledgeContext = m.KnowledgeContext
		return nil, nil
	case live.ClientTurn:
		text := strings.TrimSpace(m.Text())
		if text == "" {
			return nil, nil
		}
		return json.Marshal(Frame{
			Type:             TypeChatMessage,
			Message:          text,
			KnowledgeContext: c.knowledgeContext,
		})
	default:
		return nil, fmt.Errorf("relay: unsupported message %T", msg)
	}
}

// Decode implements live.Codec.
func (c *codec) Decode(data []byte) ([]live.Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", live.ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeConnectionEstablished:
		return []live.Event{live.ConnectionEstablished{}}, nil
	case TypeStreamStart:
		return []live.Event{live.StreamStart{}}, nil
	case TypeStreamChunk:
		return []live.Event{live.StreamChunk{TextDelta: f.Chunk, CumulativeText: f.FullResponse}}, nil
	case TypeStreamComplete:
		return []live.Event{live.StreamComplete{FinalText: f.FullResponse, Provider: f.Provider}}, nil
	case TypeError:
		return []live.Event{live.ErrorEvent{
			Message: f.Message,
			Err:     fmt.Errorf("%w: %s", live.ErrRemote, f.Message),
		}}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", live.ErrMalformedFrame)
	default:
		slog.Debug("relay: ignoring unknown frame type", "type", f.Type)
		return nil, nil
	}
}
