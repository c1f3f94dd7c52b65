package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/control"
	"soundboard.app/internal/wsconn"
)

// handleExecutorWS accepts the bot connection. It carries command replies and
// the group state feed that hydrates dashboard topics.
func (a *API) handleExecutorWS(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		a.handleError(w, r, errors.Join(auth.ErrUnauthenticated, err))
		return
	}
	claims, err := a.executors.Verify(token)
	if err != nil {
		a.handleError(w, r, errors.Join(auth.ErrUnauthenticated, err))
		return
	}

	ws, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("executor upgrade failed", zap.Error(err))
		return
	}
	conn := wsconn.New(ws, a.settings.Heartbeat, wsconn.WithLogger(a.log), wsconn.WithBuffer(256))
	log := a.log.With(zap.String("conn_id", conn.ID()), zap.String("executor", claims.Subject))
	ingest := control.NewIngest(conn)

	ctx := r.Context()
	if err := a.commands.Attach(ctx, conn); err != nil {
		log.Error("attach executor failed", zap.Error(err))
		conn.Close()
		return
	}
	if err := a.subs.SetIngest(ctx, ingest); err != nil {
		log.Error("register ingest failed", zap.Error(err))
	}
	log.Info("executor connected")

	err = conn.Run(ctx, func(frame []byte) { a.handleExecutorFrame(ctx, log, frame) })
	log.Info("executor disconnected", zap.Error(err))

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.commands.Detach(cleanup, conn); err != nil {
		log.Warn("detach executor failed", zap.Error(err))
	}
	if err := a.subs.ClearIngest(cleanup, ingest); err != nil {
		log.Warn("clear ingest failed", zap.Error(err))
	}
}

func (a *API) handleExecutorFrame(ctx context.Context, log *zap.Logger, frame []byte) {
	env, err := control.ParseEnvelope(frame)
	if err != nil {
		log.Warn("executor frame dropped", zap.Error(err))
		return
	}
	switch {
	case env.Op.IsReply():
		err = a.commands.Resolve(ctx, env)
	case env.Op == control.OpState:
		err = a.subs.Update(ctx, env.Control.GroupID, env.State)
	case env.Op == control.OpGuildsChanged:
		a.auth.InvalidateMemberships()
		a.reconciler.Trigger()
	case env.Op == control.OpConnection:
		// handshake echo
	default:
		log.Warn("unexpected executor op dropped", zap.String("op", string(env.Op)))
	}
	if err != nil {
		log.Warn("executor frame not applied", zap.String("op", string(env.Op)), zap.Error(err))
	}
}
