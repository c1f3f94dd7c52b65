package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/control"
	"soundboard.app/internal/obs"
	"soundboard.app/internal/pubsub"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/store"
)

// ReadyProbe: простая проверка готовности (ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Authenticator resolves access tokens; satisfied by *auth.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
	Membership(ctx context.Context, token string) (*auth.Membership, error)
	Authorize(ctx context.Context, token string, group snowflake.ID) error
	Revoke(token string)
	InvalidateMemberships()
}

// Commands is the command router; satisfied by *control.Router.
type Commands interface {
	Attach(ctx context.Context, ex control.Executor) error
	Detach(ctx context.Context, ex control.Executor) error
	Dispatch(ctx context.Context, cmd control.Command) (control.Envelope, error)
	Resolve(ctx context.Context, env control.Envelope) error
	Executors(ctx context.Context) (int, error)
}

// Subscriptions is the topic registry; satisfied by *pubsub.Registry.
type Subscriptions interface {
	Subscribe(ctx context.Context, connID string, topic snowflake.ID, previous *snowflake.ID, sub pubsub.Subscriber) error
	Disconnect(ctx context.Context, connID string, current *snowflake.ID) error
	Update(ctx context.Context, topic snowflake.ID, state json.RawMessage) error
	SetIngest(ctx context.Context, in pubsub.Ingest) error
	ClearIngest(ctx context.Context, in pubsub.Ingest) error
	Stats(ctx context.Context) (pubsub.Stats, error)
}

// Catalog reads persisted groups and files; satisfied by *pg.Store.
type Catalog interface {
	FindFile(ctx context.Context, id snowflake.ID) (store.File, error)
	ActiveGroups(ctx context.Context, candidates []snowflake.ID) ([]snowflake.ID, error)
}

// ExecutorVerifier checks executor credentials; satisfied by *auth.ExecutorTokens.
type ExecutorVerifier interface {
	Verify(token string) (*auth.ExecutorClaims, error)
}

// Reconciler accepts requests for an early membership sync.
type Reconciler interface {
	Trigger()
}

// Deps are the collaborators the HTTP layer needs. All are required.
type Deps struct {
	Auth          Authenticator
	Commands      Commands
	Subscriptions Subscriptions
	Catalog       Catalog
	Executors     ExecutorVerifier
	Reconciler    Reconciler
	Ready         ReadyProbe
	Logger        *zap.Logger
}

// Settings tune the HTTP layer.
type Settings struct {
	Version        string
	Heartbeat      time.Duration
	ReauthInterval time.Duration
	ReauthGrace    time.Duration
	RateBurst      int
	RatePerSec     float64
	AllowedOrigins []string
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	auth       Authenticator
	commands   Commands
	subs       Subscriptions
	catalog    Catalog
	executors  ExecutorVerifier
	reconciler Reconciler
	readyProbe ReadyProbe
	log        *zap.Logger
	settings   Settings
}

// New wires routes. A nil collaborator is a startup error, never a runtime panic.
func New(deps Deps, settings Settings) (*API, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"Auth", deps.Auth != nil},
		{"Commands", deps.Commands != nil},
		{"Subscriptions", deps.Subscriptions != nil},
		{"Catalog", deps.Catalog != nil},
		{"Executors", deps.Executors != nil},
		{"Reconciler", deps.Reconciler != nil},
	}
	for _, dep := range required {
		if !dep.ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, dep.name)
		}
	}
	if deps.Logger == nil {
		deps.Logger = obs.Named("httpapi")
	}
	if settings.RateBurst <= 0 {
		settings.RateBurst = 20
	}
	if settings.RatePerSec <= 0 {
		settings.RatePerSec = 10
	}
	if settings.ReauthGrace <= 0 {
		settings.ReauthGrace = 30 * time.Second
	}

	a := &API{
		mux:        http.NewServeMux(),
		auth:       deps.Auth,
		commands:   deps.Commands,
		subs:       deps.Subscriptions,
		catalog:    deps.Catalog,
		executors:  deps.Executors,
		reconciler: deps.Reconciler,
		readyProbe: deps.Ready,
		log:        deps.Logger,
		settings:   settings,
	}

	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/me", a.handleMe)
	a.mux.HandleFunc("GET /v1/groups", a.handleGroups)
	a.mux.HandleFunc("POST /v1/groups/{group_id}/play", a.requireMember(a.handlePlay))
	a.mux.HandleFunc("POST /v1/groups/{group_id}/stop", a.requireMember(a.handleStop))
	a.mux.HandleFunc("POST /v1/groups/{group_id}/skip", a.requireMember(a.handleSkip))
	a.mux.HandleFunc("GET /v1/groups/{group_id}/queue", a.requireMember(a.handleQueue))
	a.mux.HandleFunc("DELETE /v1/auth/session", a.handleRevokeSession)

	a.mux.HandleFunc("GET /v1/ws", a.handleDashboardWS)
	a.mux.HandleFunc("GET /v1/executor/ws", a.handleExecutorWS)

	// (опционально) корень: 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a, nil
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.settings.RateBurst, a.settings.RatePerSec)
	h = CORS(h, a.settings.AllowedOrigins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Recover(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "soundboard",
		"version": a.settings.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	executors, err := a.commands.Executors(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	stats, err := a.subs.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"executor_connected": executors > 0,
		"topics":             stats.Topics,
		"subscribers":        stats.Subscribers,
	})
}
