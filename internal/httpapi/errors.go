package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/obs"
	"incidentdesk.org/internal/store"
)

// failureBody is the JSON shape of every domain failure.
type failureBody struct {
	Error     string             `json:"error"`
	Kind      apperr.Kind        `json:"kind,omitempty"`
	Field     string             `json:"field,omitempty"`
	Entity    string             `json:"entity,omitempty"`
	Persons   []apperr.PersonRef `json:"persons,omitempty"`
	Current   string             `json:"current,omitempty"`
	Attempted string             `json:"attempted,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindRoleConflict:      http.StatusConflict,
	apperr.KindStaleState:        http.StatusConflict,
	apperr.KindPermissionDenied:  http.StatusForbidden,
	apperr.KindInvalidAssignment: http.StatusUnprocessableEntity,
	apperr.KindValidation:        http.StatusUnprocessableEntity,
}

// handleError renders err: domain failures with their detail, missing
// records as 404, anything else as an opaque 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	if de, ok := apperr.As(err); ok {
		code, known := kindStatus[de.Kind]
		if !known {
			code = http.StatusInternalServerError
		}
		if de.Kind == apperr.KindPermissionDenied {
			_ = audit.LogDenied(r.Context(), r.Method+" "+obs.CanonicalPath(r.URL.Path), de.Message)
		}
		writeJSON(w, code, failureBody{
			Error:     de.Message,
			Kind:      de.Kind,
			Field:     de.Field,
			Entity:    de.Entity,
			Persons:   de.Persons,
			Current:   de.Current,
			Attempted: de.Attempted,
			RequestID: RequestIDFromContext(r.Context()),
		})
		return
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, "concurrent update, reload and retry")
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		obs.Log("error", "request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, failureBody{Error: msg, RequestID: RequestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads exactly one JSON object with no unknown fields. Decode
// failures come back as validation errors.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return err
		case errors.Is(err, io.EOF):
			return apperr.Validation("body", "request body is required")
		default:
			return apperr.Validation("body", "malformed JSON: %v", err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("body", "unexpected data after JSON body")
	}
	return nil
}

// ifVersion reads the optimistic-concurrency precondition from If-Match,
// falling back to the body value.
func ifVersion(r *http.Request, body int64) (int64, error) {
	raw := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if raw == "" {
		return body, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, apperr.Validation("If-Match", "version must be a positive integer")
	}
	return v, nil
}
