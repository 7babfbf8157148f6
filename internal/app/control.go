package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/umindsales/magus/internal/session"
)

// statusView is the JSON shape of a session status.
type statusView struct {
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Partial   string `json:"partial,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Muted     bool   `json:"muted"`
	Queued    int    `json:"queued"`
	Active    bool   `json:"active"`
}

func viewOf(s session.Status) statusView {
	v := statusView{
		SessionID: s.SessionID,
		State:     s.State.String(),
		Attempt:   s.Attempt,
		Reply:     s.Reply,
		Partial:   s.Partial,
		Provider:  s.Provider,
		Muted:     s.Muted,
		Queued:    s.Queued,
		Active:    s.Active,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
		v.ErrorKind = string(session.Kind(s.Err))
	}
	return v
}

type startRequest struct {
	Topic string `json:"topic"`
}

type textRequest struct {
	Text string `json:"text"`
}

// registerControl adds the session control routes. Every route answers with
// the status after the action.
func (a *App) registerControl(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) { mux.Handle(pattern, wrap(fn)) }

	handle("GET /session", func(w http.ResponseWriter, _ *http.Request) {
		a.writeStatus(w, http.StatusOK)
	})

	handle("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		if err := a.StartConversation(r.Context(), req.Topic); err != nil {
			writeError(w, err)
			return
		}
		a.writeStatus(w, http.StatusOK)
	})

	handle("POST /session/stop", func(w http.ResponseWriter, _ *http.Request) {
		a.orch.StopConversation()
		a.writeStatus(w, http.StatusOK)
	})

	handle("POST /session/mute", func(w http.ResponseWriter, _ *http.Request) {
		a.orch.ToggleMute()
		a.writeStatus(w, http.StatusOK)
	})

	handle("POST /session/interrupt", func(w http.ResponseWriter, _ *http.Request) {
		a.orch.StopSpeaking()
		a.writeStatus(w, http.StatusOK)
	})

	handle("POST /session/text", func(w http.ResponseWriter, r *http.Request) {
		var req textRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		if err := a.orch.SendText(r.Context(), req.Text); err != nil {
			writeError(w, err)
			return
		}
		a.writeStatus(w, http.StatusAccepted)
	})
}

func (a *App) writeStatus(w http.ResponseWriter, code int) {
	writeJSON(w, code, viewOf(a.orch.Status()))
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrAuthRequired):
		code = http.StatusUnauthorized
	case errors.Is(err, session.ErrDeviceUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrInvalidState):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "errorKind": string(session.Kind(err))})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
