package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"confbridge-admin/internal/apperr"
	"confbridge-admin/internal/pbx"
)

const maxBodyBytes = 64 << 10

// envelope is the body of every API response. Payload keys are merged next
// to success and error.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, payload envelope) {
	body := envelope{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{"success": false, "error": msg})
}

// writeError maps service errors onto status codes. Unclassified errors are
// logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *pbx.ExternalCommandError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeFailure(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, apperr.ErrNotFound):
		writeFailure(w, http.StatusNotFound, notFoundMessage(err))
	case errors.Is(err, apperr.ErrConflict):
		writeFailure(w, http.StatusConflict, "concurrent update, retry the request")
	case errors.Is(err, apperr.ErrNotSupported):
		writeFailure(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &cerr):
		status := http.StatusBadGateway
		if cerr.Kind == pbx.KindTimeout {
			status = http.StatusGatewayTimeout
		}
		slog.Warn("pbx command failed", "path", r.URL.Path, "kind", cerr.Kind, "attempts", cerr.Attempts, "error", err)
		writeFailure(w, status, fmt.Sprintf("pbx %s: %s", cerr.Action, cerr.Kind))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) string {
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return err.Error()
}

func notFoundMessage(err error) string {
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	return err.Error()
}

// decodeBody reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Invalid("body", err.Error())
	}
	return nil
}
