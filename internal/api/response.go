package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
)

type errorBody struct {
	Error             string     `json:"error"`
	Message           string     `json:"message"`
	Reason            string     `json:"reason,omitempty"`
	Field             string     `json:"field,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
	Debug             *debugInfo `json:"debug,omitempty"`
}

type debugInfo struct {
	Cause          string `json:"cause,omitempty"`
	ProviderStatus int    `json:"providerStatus,omitempty"`
	ProviderBody   string `json:"providerBody,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError turns any error into a JSON body with a stable error kind.
// Internal causes are only included when debug is set.
func writeError(w http.ResponseWriter, err error, debug bool) {
	status := apperr.HTTPStatus(err)
	body := errorBody{
		Error:   apperr.KindOf(err).String(),
		Message: "internal server error",
	}

	var e *apperr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Reason = e.Reason
		body.Field = e.Field
		if e.Kind == apperr.KindRateLimit {
			body.RetryAfterSeconds = apperr.RetryAfterSeconds(e.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
		}
	}

	if debug && status >= http.StatusInternalServerError {
		body.Debug = &debugInfo{Cause: err.Error()}
		if e != nil {
			body.Debug.ProviderStatus = e.ProviderStatus
			body.Debug.ProviderBody = e.ProviderBody
		}
	}

	writeJSON(w, status, body)
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	size          int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.WriteHeader(http.StatusOK)
	}
	size, err := r.ResponseWriter.Write(b)
	r.size += size
	return size, err
}
