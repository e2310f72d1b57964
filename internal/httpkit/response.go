// Package httpkit holds the small shared pieces of the HTTP surface:
// JSON encoding helpers, the error envelope, and CORS.
package httpkit

import (
	"encoding/json"
	"net/http"

	"reelforge/internal/pkg/errors"
)

type ErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	var env ErrorEnvelope
	env.Error.Code = code
	env.Error.Message = msg
	env.Error.Details = details

	WriteJSON(w, status, env)
}

// WriteError maps a coded error onto the envelope, deriving the HTTP
// status from the error code.
func WriteError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	WriteErr(w, errors.GetHTTPStatus(err), string(code), err.Error(), errors.GetFields(err))
}
