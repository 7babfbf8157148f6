package knowledge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// NoBasesMessage is reported when the caller can read no knowledge base.
const NoBasesMessage = "Nenhuma base de conhecimento encontrada"

type searchRequest struct {
	Query   string   `json:"query"`
	BaseIDs []string `json:"knowledgeBaseIds"`
	UserID  string   `json:"userId"`
}

type searchResponse struct {
	Results  []Result `json:"results"`
	Context  string   `json:"context"`
	Total    *int     `json:"totalKnowledgeBases,omitempty"`
	Query    string   `json:"searchQuery,omitempty"`
	Message  string   `json:"message,omitempty"`
	ErrorMsg string   `json:"error,omitempty"`
}

// Handler serves POST searches with a JSON body
// {"query", "knowledgeBaseIds", "userId"}.
func Handler(svc *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, searchResponse{Results: []Result{}, ErrorMsg: "method not allowed"})
			return
		}

		var req searchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, searchResponse{Results: []Result{}, ErrorMsg: "invalid request body"})
			return
		}

		answer, err := svc.Search(r.Context(), Query{Text: req.Query, UserID: req.UserID, BaseIDs: req.BaseIDs})
		switch {
		case errors.Is(err, ErrEmptyQuery):
			writeJSON(w, http.StatusBadRequest, searchResponse{Results: []Result{}, ErrorMsg: err.Error()})
			return
		case err != nil:
			slog.Error("knowledge: search failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, searchResponse{Results: []Result{}, ErrorMsg: err.Error()})
			return
		}

		if answer.Searched == 0 {
			writeJSON(w, http.StatusOK, searchResponse{Results: []Result{}, Message: NoBasesMessage})
			return
		}
		results := answer.Results
		if results == nil {
			results = []Result{}
		}
		writeJSON(w, http.StatusOK, searchResponse{
			Results: results,
			Context: answer.Context,
			Total:   &answer.Searched,
			Query:   req.Query,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("knowledge: write response", "err", err)
	}
}
