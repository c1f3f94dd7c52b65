package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/pubsub"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/wsconn"
)

type dashboardFrame struct {
	Op          string       `json:"op"`
	AccessToken string       `json:"access_token,omitempty"`
	GroupID     snowflake.ID `json:"group_id,omitempty"`
}

// dashboardSession is one dashboard websocket. Frames are handled on the read
// goroutine; the re-auth timer runs on its own, hence the mutex.
type dashboardSession struct {
	api  *API
	conn *wsconn.Conn
	log  *zap.Logger

	mu         sync.Mutex
	token      string
	identity   *auth.Identity
	topic      *snowflake.ID
	challenged time.Time // zero unless an Identify is outstanding
}

func (a *API) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(a.settings.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(a.settings.AllowedOrigins))
		for _, o := range a.settings.AllowedOrigins {
			allowed[strings.TrimSuffix(o, "/")] = struct{}{}
		}
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowed, origin)
		}
	}
	return u
}

func (a *API) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("dashboard upgrade failed", zap.Error(err))
		return
	}
	conn := wsconn.New(ws, a.settings.Heartbeat, wsconn.WithLogger(a.log))
	s := &dashboardSession{
		api:        a,
		conn:       conn,
		log:        a.log.With(zap.String("conn_id", conn.ID()), zap.String("side", "dashboard")),
		challenged: time.Now(),
	}
	s.log.Debug("dashboard connected")

	ctx := r.Context()
	go s.reauthLoop(ctx)
	err = conn.Run(ctx, func(frame []byte) { s.handle(ctx, frame) })
	s.log.Debug("dashboard disconnected", zap.Error(err))

	s.mu.Lock()
	topic := s.topic
	s.mu.Unlock()
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.subs.Disconnect(cleanup, conn.ID(), topic); err != nil {
		s.log.Warn("unsubscribe on disconnect failed", zap.Error(err))
	}
}

// reauthLoop challenges the client every ReauthInterval and terminates the
// connection if no valid Identify arrives within ReauthGrace. A fresh
// connection is treated as already challenged.
func (s *dashboardSession) reauthLoop(ctx context.Context) {
	interval := s.api.settings.ReauthInterval
	grace := s.api.settings.ReauthGrace
	check := time.NewTicker(grace / 2)
	defer check.Stop()

	var challenge <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		challenge = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			return
		case <-challenge:
			s.mu.Lock()
			if s.challenged.IsZero() {
				s.challenged = time.Now()
			}
			s.mu.Unlock()
			s.conn.Send(pubsub.FrameReidentify)
		case now := <-check.C:
			s.mu.Lock()
			expired := !s.challenged.IsZero() && now.Sub(s.challenged) >= grace
			s.mu.Unlock()
			if expired {
				s.log.Info("identify not received in time, terminating")
				s.conn.CloseAfter(pubsub.FrameTerminated)
				return
			}
		}
	}
}

func (s *dashboardSession) handle(ctx context.Context, raw []byte) {
	var frame dashboardFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log.Debug("malformed dashboard frame dropped", zap.Error(err))
		return
	}
	switch frame.Op {
	case "Identify":
		s.identify(ctx, frame.AccessToken)
	case "Subscribe":
		s.subscribe(ctx, frame.GroupID)
	default:
		s.log.Debug("unknown dashboard op dropped", zap.String("op", frame.Op))
	}
}

func (s *dashboardSession) identify(ctx context.Context, token string) {
	id, err := s.api.auth.Authenticate(ctx, token)
	if err != nil {
		s.log.Info("dashboard identify failed", zap.Error(err))
		s.conn.CloseAfter(pubsub.FrameTerminated)
		return
	}

	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.identity = id
	s.challenged = time.Time{}
	topic := s.topic
	s.mu.Unlock()

	s.conn.Send(pubsub.FrameIdentified)

	// A new token may have lost access to the group being watched.
	if topic != nil && s.api.auth.Authorize(ctx, token, *topic) != nil {
		s.mu.Lock()
		s.topic = nil
		s.mu.Unlock()
		if err := s.api.subs.Disconnect(ctx, s.conn.ID(), topic); err != nil {
			s.log.Warn("unsubscribe after re-identify failed", zap.Error(err))
		}
	}
}

func (s *dashboardSession) subscribe(ctx context.Context, group snowflake.ID) {
	s.mu.Lock()
	token, identified, prev := s.token, s.identity != nil, s.topic
	s.mu.Unlock()

	if !identified {
		s.log.Debug("subscribe before identify dropped")
		return
	}
	if group.IsZero() {
		s.log.Debug("subscribe without group dropped")
		return
	}
	if err := s.api.auth.Authorize(ctx, token, group); err != nil {
		s.log.Info("subscribe rejected", zap.Stringer("group_id", group), zap.Error(err))
		return
	}
	if err := s.api.subs.Subscribe(ctx, s.conn.ID(), group, prev, s.conn); err != nil {
		s.log.Warn("subscribe failed", zap.Stringer("group_id", group), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.topic = &group
	s.mu.Unlock()
}
