package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/mxf/internal/admin"
	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/userinput"
	"github.com/haasonsaas/mxf/pkg/models"
)

// apiError is the uniform error body: a stable kind plus a detail
// string.
type apiError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind models.ErrorKind, detail string) {
	writeJSON(w, status, apiError{Kind: string(kind), Detail: detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, models.KindInvalidArgs, err.Error())
		return false
	}
	return true
}

// adminOnly wraps a handler with bearer admin-token authentication.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if err := s.admin.Authorize(token); err != nil {
			writeError(w, http.StatusUnauthorized, models.KindNotPermitted, "invalid admin token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// --- tasks ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec hub.TaskSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	task, err := s.hub.CreateTask(r.Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidTask):
			writeError(w, http.StatusBadRequest, models.KindInvalidArgs, err.Error())
		case errors.Is(err, hub.ErrChannelNotFound):
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.hub.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	err := s.hub.CancelTask(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
		case errors.Is(err, hub.ErrTaskTerminal):
			writeError(w, http.StatusConflict, models.KindInvalidArgs, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- user input ---

func (s *Server) handleListInputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.bridge.Open()})
}

func (s *Server) handleRespondInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.bridge.Respond(r.PathValue("id"), body.Value); err != nil {
		writeInputError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "responded"})
}

func (s *Server) handleCancelInput(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Cancel(r.PathValue("id")); err != nil {
		writeInputError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeInputError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, userinput.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
	case errors.Is(err, userinput.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, models.KindInvalidArgs, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
	}
}

// --- auth ---

func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChannelID string `json:"channel_id"`
		KeyID     string `json:"key_id"`
		SecretKey string `json:"secret_key"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	token, err := s.admin.Authenticate(r.Context(), body.ChannelID, body.KeyID, body.SecretKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, models.KindNotPermitted, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- admin ---

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var spec admin.ChannelSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	channel, err := s.admin.CreateChannel(r.Context(), spec)
	if err != nil {
		if errors.Is(err, admin.ErrChannelExists) {
			writeError(w, http.StatusConflict, models.KindInvalidArgs, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, models.KindInvalidArgs, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteChannel(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, admin.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	issued, err := s.admin.IssueKey(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, admin.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.admin.ListKeys(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
		return
	}
	// Hashes stay server-side.
	type keyView struct {
		KeyID     string `json:"key_id"`
		ChannelID string `json:"channel_id"`
		Revoked   bool   `json:"revoked"`
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{KeyID: k.KeyID, ChannelID: k.ChannelID, Revoked: k.Revoked})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.RevokeKey(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var spec admin.AgentSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	spec.ChannelID = r.PathValue("id")
	agent, err := s.admin.RegisterAgent(r.Context(), spec)
	if err != nil {
		if errors.Is(err, admin.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, models.KindInvalidArgs, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleRegisterMCPServer(w http.ResponseWriter, r *http.Request) {
	var spec models.MCPServerSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	if err := s.admin.RegisterMCPServer(r.Context(), r.PathValue("id"), spec); err != nil {
		if errors.Is(err, admin.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, models.KindInvalidArgs, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleUnregisterMCPServer(w http.ResponseWriter, r *http.Request) {
	err := s.admin.UnregisterMCPServer(r.Context(), r.PathValue("id"), r.PathValue("serverId"))
	if err != nil {
		if errors.Is(err, admin.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, models.KindInvalidArgs, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, models.KindInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"servers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.adapter.Status()})
}
