// Package reconcile periodically re-syncs the persisted group table with the
// groups the bot is actually in upstream.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"soundboard.app/internal/obs"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/store"
	"soundboard.app/internal/upstream"
)

// GuildSource lists every group the bot belongs to.
type GuildSource interface {
	AllBotGuilds(ctx context.Context) ([]upstream.Guild, error)
}

// Result counts the rows a run changed.
type Result struct {
	Activated   int `json:"activated"`
	Deactivated int `json:"deactivated"`
}

// Job is the reconciliation task.
type Job struct {
	source   GuildSource
	store    store.MembershipStore
	interval time.Duration
	log      *zap.Logger
	trigger  chan struct{}
}

// New builds a job that runs every interval once Run is called.
func New(source GuildSource, st store.MembershipStore, interval time.Duration, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		source:   source,
		store:    st,
		interval: interval,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// RunOnce fetches the upstream list and applies the diff in one transaction.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	guilds, err := j.source.AllBotGuilds(ctx)
	if err != nil {
		obs.ReconcileRuns.WithLabelValues("fetch_error").Inc()
		return Result{}, fmt.Errorf("fetch guilds: %w", err)
	}
	fetched := make([]snowflake.ID, 0, len(guilds))
	for _, g := range guilds {
		fetched = append(fetched, g.ID)
	}
	// Pagination already yields ascending ids; sort anyway since Diff depends on it.
	slices.SortFunc(fetched, snowflake.Compare)
	fetched = slices.Compact(fetched)

	var res Result
	err = j.store.WithMembershipTx(ctx, func(tx store.MembershipTx) error {
		persisted, err := tx.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if !slices.IsSortedFunc(persisted, func(a, b store.Membership) int {
			return snowflake.Compare(a.GroupID, b.GroupID)
		}) {
			return fmt.Errorf("load snapshot: rows not ordered by id")
		}
		plan := Diff(fetched, persisted)
		for _, id := range plan.Activate {
			if err := tx.Activate(ctx, id); err != nil {
				return fmt.Errorf("activate %s: %w", id, err)
			}
		}
		for _, id := range plan.Deactivate {
			if err := tx.Deactivate(ctx, id); err != nil {
				return fmt.Errorf("deactivate %s: %w", id, err)
			}
		}
		res = Result{Activated: len(plan.Activate), Deactivated: len(plan.Deactivate)}
		return nil
	})
	if err != nil {
		obs.ReconcileRuns.WithLabelValues("store_error").Inc()
		return Result{}, err
	}
	obs.ReconcileRuns.WithLabelValues("ok").Inc()
	obs.ReconcileChanges.WithLabelValues("activated").Add(float64(res.Activated))
	obs.ReconcileChanges.WithLabelValues("deactivated").Add(float64(res.Deactivated))
	return res, nil
}

// Trigger requests an immediate run without blocking.
func (j *Job) Trigger() {
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles immediately and then on every tick or trigger until ctx ends.
// Failed runs are logged; the loop keeps going.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		case <-j.trigger:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	started := time.Now()
	res, err := j.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.log.Error("reconcile failed", zap.Error(err))
		return
	}
	j.log.Info("reconcile complete",
		zap.Int("activated", res.Activated),
		zap.Int("deactivated", res.Deactivated),
		zap.Duration("took", time.Since(started)))
}
