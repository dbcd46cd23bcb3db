// Package api exposes the gateway over HTTP. Every response, success or
// failure, uses the same envelope so clients can decode unconditionally:
//
//	{"ok": true,  "data": ..., "meta": {"request_id": "..."}}
//	{"ok": false, "error": {"code": "...", "message": "...", "details": [...]},
//	 "meta": {"request_id": "..."}}
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aegisgate/core/pkg/apperr"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *apperr.Error `json:"error,omitempty"`
	Meta  Meta          `json:"meta"`
}

// Meta carries per-request correlation fields.
type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

// WriteOK writes a success envelope.
func WriteOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, Envelope{OK: true, Data: data})
}

// WriteErr maps any error onto the envelope. Unknown errors become opaque
// 500s; their details are logged, never serialized.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	if ae.Code == apperr.CodeInternal {
		slog.Error("internal error", "path", r.URL.Path, "error", err)
	}
	writeEnvelope(w, r, ae.Status, Envelope{OK: false, Error: ae})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Meta.RequestID = RequestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
