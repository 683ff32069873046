package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/validator"
)

// Envelope is the JSON body of every answer.
type Envelope struct {
	Code  string         `json:"code,omitempty"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string              `json:"code"`
	Message string              `json:"message,omitempty"`
	Details map[string][]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respond(w http.ResponseWriter, status int, code string, data any, meta map[string]any) {
	writeJSON(w, status, Envelope{Code: code, Data: data, Meta: meta})
}

// respondError writes err's classification. 5xx causes are logged; the
// client only sees the status text.
func respondError(ctx context.Context, log *slog.Logger, w http.ResponseWriter, err error) {
	he := classify(err)
	msg := http.StatusText(he.Code)
	if he.Code >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "request failed", slog.Int("status", he.Code), logger.Error(err))
	} else if he == ErrBadRequest || he == ErrUnsupportedMedia {
		msg = err.Error()
	}
	if he.Code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	detail := &ErrorDetail{Code: he.Key, Message: msg}
	if he == ErrValidation {
		detail.Details = validator.ExtractValidationErrors(err).Details()
	}
	writeJSON(w, he.Code, Envelope{Code: he.Key, Error: detail})
}
