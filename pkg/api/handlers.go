package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aegisgate/core/pkg/apperr"
	"github.com/aegisgate/core/pkg/auth"
	"github.com/aegisgate/core/pkg/conversation"
)

// Handler serves the conversation endpoints.
type Handler struct {
	appender *conversation.Appender
}

// NewHandler wires the conversation appender.
func NewHandler(appender *conversation.Appender) *Handler {
	return &Handler{appender: appender}
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/conversations", h.createConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.appendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	return mux
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type createConversationRequest struct {
	TenantID    *string  `json:"tenant_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	ModelName   string   `json:"model_name,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		WriteErr(w, r, apperr.Unauthorized("missing credentials"))
		return
	}
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}

	var (
		c   conversation.Conversation
		err error
	)
	if req.TenantID != nil {
		c, err = h.appender.CreateTenant(r.Context(), p.UserID, *req.TenantID,
			req.Title, req.ModelName, req.Temperature)
	} else {
		c, err = h.appender.CreatePersonal(r.Context(), p.UserID,
			req.Title, req.ModelName, req.Temperature)
	}
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteOK(w, r, http.StatusCreated, c)
}

type appendMessageRequest struct {
	Content   string `json:"content"`
	InputType string `json:"input_type,omitempty"`
}

func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		WriteErr(w, r, apperr.Unauthorized("missing credentials"))
		return
	}
	var req appendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErr(w, r, err)
		return
	}

	msg, err := h.appender.AppendUserMessage(r.Context(), r.PathValue("id"),
		p.UserID, req.Content, conversation.InputType(req.InputType))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteOK(w, r, http.StatusCreated, msg)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		WriteErr(w, r, apperr.Unauthorized("missing credentials"))
		return
	}
	msgs, err := h.appender.ListMessages(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	WriteOK(w, r, http.StatusOK, map[string]any{"messages": msgs})
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return apperr.Validation("request body too large or unreadable")
	}
	if len(body) == 0 {
		return apperr.Validation("request body required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return apperr.Validation("malformed JSON body")
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}
