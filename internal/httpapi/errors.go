package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/control"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/store"
	"soundboard.app/internal/upstream"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("httpapi: missing dependency")

var errBadRequest = errors.New("bad request")

// statusClientClosedRequest is written when the caller went away mid-request.
// Nobody reads the response; the code only shows up in access logs and metrics.
const statusClientClosedRequest = 499

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	RequestID   string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, description string) {
	writeJSON(w, code, errorBody{
		Error:       kind,
		Description: description,
		RequestID:   RequestIDFromContext(r.Context()),
	})
}

// handleError maps domain errors onto HTTP responses.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var clientErr *control.ClientError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="soundboard"`)
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "access token is missing, invalid or expired")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", "not a member of this group")
	case errors.Is(err, upstream.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "upstream_rate_limited", "identity provider is rate limiting, retry shortly")
	case errors.Is(err, upstream.ErrRequestFailed):
		writeError(w, r, http.StatusBadGateway, "upstream_failed", "identity provider request failed")
	case errors.Is(err, control.ErrNoExecutor):
		writeError(w, r, http.StatusServiceUnavailable, "executor_unavailable", "no playback executor is connected")
	case errors.Is(err, control.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "executor_timeout", "executor did not reply in time")
	case errors.Is(err, control.ErrBadReply):
		writeError(w, r, http.StatusBadGateway, "executor_failed", "executor sent an invalid reply")
	case errors.As(err, &clientErr):
		writeError(w, r, http.StatusConflict, "playback_rejected", clientErr.Error())
	case errors.Is(err, control.ErrMalformed), errors.Is(err, errBadRequest):
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, context.Canceled):
		a.log.Debug("client went away",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path))
		w.WriteHeader(statusClientClosedRequest)
	default:
		a.log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func groupIDFromPath(r *http.Request) (snowflake.ID, error) {
	id, err := snowflake.Parse(strings.TrimSpace(r.PathValue("group_id")))
	if err != nil {
		return 0, fmt.Errorf("%w: group_id must be a non-zero integer id", errBadRequest)
	}
	return id, nil
}
