package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pcdeploy/services/orchestrator"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondServiceError maps orchestrator errors onto HTTP statuses and adds
// the structured detail callers need to correct the request.
func (a *API) respondServiceError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}

	var verr *orchestrator.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
		if len(verr.Values) > 0 {
			body["invalid"] = verr.Values
		}
		if len(verr.Allowed) > 0 {
			body["allowed"] = verr.Allowed
		}
	}
	var serr *orchestrator.StateError
	if errors.As(err, &serr) {
		body["current_status"] = serr.Current
		body["required_status"] = serr.Required
	}
	for k, v := range extra {
		body[k] = v
	}

	if status >= http.StatusInternalServerError {
		a.logger.Printf("ERROR %s %s: %v", r.Method, r.URL.Path, err)
	}
	respondJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrValidation),
		errors.Is(err, orchestrator.ErrStateConflict),
		errors.Is(err, orchestrator.ErrToolConfig):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrArchiveDisabled):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func deploymentID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid deployment id %q", raw)
	}
	return id, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
