package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"soundboard.app/internal/audit"
	"soundboard.app/internal/auth"
	"soundboard.app/internal/control"
	"soundboard.app/internal/snowflake"
)

type playRequest struct {
	FileID    snowflake.ID  `json:"file_id"`
	ChannelID *snowflake.ID `json:"channel_id,omitempty"`
}

type commandResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

type queueResponse struct {
	GroupID snowflake.ID         `json:"group_id"`
	Queue   []control.QueueEntry `json:"queue"`
}

type groupsResponse struct {
	Groups []snowflake.ID `json:"groups"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.handleError(w, r, auth.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// handleGroups lists the caller's groups the bot is active in.
func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	m, err := a.auth.Membership(r.Context(), token)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	active, err := a.catalog.ActiveGroups(r.Context(), m.Groups())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if active == nil {
		active = []snowflake.ID{}
	}
	writeJSON(w, http.StatusOK, groupsResponse{Groups: active})
}

func (a *API) handlePlay(w http.ResponseWriter, r *http.Request) {
	group, _ := groupIDFromPath(r)
	var req playRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.FileID.IsZero() {
		writeError(w, r, http.StatusBadRequest, "bad_request", "file_id is required")
		return
	}
	file, err := a.catalog.FindFile(r.Context(), req.FileID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if file.GroupID != group {
		// Files of other groups are indistinguishable from missing ones.
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	a.dispatch(w, r, control.Play(group, req.FileID, req.ChannelID), zap.Stringer("file_id", req.FileID))
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	group, _ := groupIDFromPath(r)
	a.dispatch(w, r, control.Stop(group))
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	group, _ := groupIDFromPath(r)
	a.dispatch(w, r, control.Skip(group))
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	group, _ := groupIDFromPath(r)
	env, err := a.commands.Dispatch(r.Context(), control.GetQueue(group))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	queue := env.Queue
	if queue == nil {
		queue = []control.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, queueResponse{GroupID: group, Queue: queue})
}

func (a *API) dispatch(w http.ResponseWriter, r *http.Request, cmd control.Command, fields ...zap.Field) {
	env, err := a.commands.Dispatch(r.Context(), cmd)
	fields = append(fields,
		zap.String("op", string(cmd.Op)),
		zap.Stringer("group_id", cmd.Control.GroupID),
		zap.Bool("ok", err == nil))
	_ = audit.LogEvent(r.Context(), "playback.command", fields...)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Status: "ok", MessageID: env.MessageID})
}

// handleRevokeSession forgets every cached lookup for the caller's token.
func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		a.handleError(w, r, auth.ErrUnauthenticated)
		return
	}
	a.auth.Revoke(token)
	_ = audit.LogEvent(r.Context(), "auth.session.revoked", zap.String("token_fp", auth.Fingerprint(token)))
	w.WriteHeader(http.StatusNoContent)
}
