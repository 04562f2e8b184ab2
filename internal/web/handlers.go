package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/comigor/pycoder/internal/agent"
	"github.com/comigor/pycoder/internal/history"
	"github.com/comigor/pycoder/internal/llm"
	"github.com/comigor/pycoder/internal/logger"
)

type notice struct {
	Level string // "warning" or "error"
	Text  string
}

type pageData struct {
	Messages []history.Message
	Ready    bool
	Thinking bool // a request for this session is in flight
	Model    string
	Notices  []notice
}

// describe turns a controller error into the text shown to the user.
func describe(err error) notice {
	var e *llm.Error
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		return notice{Level: "warning", Text: "Type a question first."}
	case errors.As(err, &e) && e.Kind == llm.KindMissingCredential:
		return notice{Level: "warning", Text: "Please enter a valid Groq API key."}
	case errors.As(err, &e) && e.Kind == llm.KindInitialization:
		return notice{Level: "error", Text: "Error initializing the Groq client: " + detail(e)}
	case errors.As(err, &e) && e.Kind == llm.KindRequest:
		return notice{Level: "error", Text: "Error connecting to the Groq API: " + detail(e)}
	default:
		return notice{Level: "error", Text: err.Error()}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id, ctrl := s.session(w, r)

	st := ctrl.Status()
	data := pageData{
		Messages: ctrl.Messages(),
		Ready:    st.State == agent.StateReady,
		Thinking: st.State == agent.StateAwaitingResponse,
		Model:    s.cfg.LLM.Model,
		Notices:  s.registry.takeFlash(id),
	}
	if st.State == agent.StateIdle {
		if st.InitErr != nil {
			data.Notices = append(data.Notices, describe(st.InitErr))
		} else {
			data.Notices = append(data.Notices, notice{Level: "warning", Text: "No Groq API key configured. Add one to .env or enter it in the sidebar."})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		logger.ForSession(id).Error("render page", "error", err)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ctrl := s.session(w, r)

	if _, err := ctrl.Submit(r.Context(), r.FormValue("prompt")); err != nil {
		s.registry.pushFlash(id, describe(err))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	id, ctrl := s.session(w, r)

	if err := ctrl.SetCredential(r.FormValue("api_key")); err != nil && !llm.IsKind(err, llm.KindInitialization) {
		// initialization failures are shown from the controller state on every render
		s.registry.pushFlash(id, describe(err))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.registry.End(c.Value)
	}
	id, _ := s.registry.Get("")
	setSessionCookie(w, id)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// --- JSON API ---

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiHistoryResponse struct {
	SessionID string       `json:"session_id"`
	State     string       `json:"state"`
	Messages  []apiMessage `json:"messages"`
}

type apiSubmitRequest struct {
	Content string `json:"content"`
}

type apiCredentialRequest struct {
	APIKey string `json:"api_key"`
}

type apiError struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func toAPIMessages(msgs []history.Message) []apiMessage {
	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, apiMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (s *Server) handleAPIMessages(w http.ResponseWriter, r *http.Request) {
	id, ctrl := s.session(w, r)
	writeJSON(w, http.StatusOK, apiHistoryResponse{
		SessionID: id,
		State:     stateName(ctrl),
		Messages:  toAPIMessages(ctrl.Messages()),
	})
}

func (s *Server) handleAPISubmit(w http.ResponseWriter, r *http.Request) {
	_, ctrl := s.session(w, r)

	var req apiSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Kind: "bad request", Error: "invalid JSON body"})
		return
	}

	msg, err := ctrl.Submit(r.Context(), req.Content)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiMessage{Role: string(msg.Role), Content: msg.Content})
}

func (s *Server) handleAPICredential(w http.ResponseWriter, r *http.Request) {
	id, ctrl := s.session(w, r)

	var req apiCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Kind: "bad request", Error: "invalid JSON body"})
		return
	}
	if err := ctrl.SetCredential(req.APIKey); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiHistoryResponse{SessionID: id, State: stateName(ctrl), Messages: toAPIMessages(ctrl.Messages())})
}

func stateName(ctrl *agent.Controller) string {
	name, _ := ctrl.State().(string)
	return name
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	var e *llm.Error
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		status, kind = http.StatusBadRequest, "empty input"
	case errors.As(err, &e):
		kind = e.Kind.String()
		switch e.Kind {
		case llm.KindMissingCredential:
			status = http.StatusPreconditionRequired
		case llm.KindInitialization:
			status = http.StatusUnprocessableEntity
		case llm.KindRequest:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, apiError{Kind: kind, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("encode response", "error", err)
	}
}

func roleLabel(r history.Role) string {
	switch r {
	case history.RoleUser:
		return "You"
	case history.RoleAssistant:
		return "DSA Coder"
	default:
		return string(r)
	}
}

func detail(e *llm.Error) string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}
