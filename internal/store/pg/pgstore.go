package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/store"
)

type Store struct {
	db *sql.DB
}

var (
	_ store.MembershipStore = (*Store)(nil)
	_ auth.IdentityRecorder = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool, e.g. a sqlmock in tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction; a non-nil error from fn rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) WithMembershipTx(ctx context.Context, fn func(store.MembershipTx) error) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(membershipTx{tx: tx})
	})
}

type membershipTx struct {
	tx *sql.Tx
}

// Snapshot must come back sorted: the reconciliation diff binary-searches it.
// Ids are stored as bigint, so ids at or above 2^63 come back negative and a
// SQL order by would put them first. Sort in unsigned order here instead.
func (m membershipTx) Snapshot(ctx context.Context) ([]store.Membership, error) {
	rows, err := m.tx.QueryContext(ctx, `select id, active from guilds`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Membership
	for rows.Next() {
		var (
			id     int64
			active bool
		)
		if err := rows.Scan(&id, &active); err != nil {
			return nil, err
		}
		out = append(out, store.Membership{GroupID: snowflake.ID(id), Active: active})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b store.Membership) int {
		return snowflake.Compare(a.GroupID, b.GroupID)
	})
	return out, nil
}

func (m membershipTx) Activate(ctx context.Context, id snowflake.ID) error {
	_, err := m.tx.ExecContext(ctx, `
		insert into guilds(id, active, updated_at)
		values ($1, true, now())
		on conflict (id) do update
		set active = true, updated_at = now()
	`, int64(id))
	return err
}

func (m membershipTx) Deactivate(ctx context.Context, id snowflake.ID) error {
	_, err := m.tx.ExecContext(ctx, `update guilds set active = false, updated_at = now() where id = $1`, int64(id))
	return err
}

// RecordIdentity upserts the user row for a freshly resolved identity.
func (s *Store) RecordIdentity(ctx context.Context, id auth.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, global_name, avatar, last_seen_at)
		values ($1, $2, $3, $4, now())
		on conflict (id) do update
		set username = excluded.username,
		    global_name = excluded.global_name,
		    avatar = excluded.avatar,
		    last_seen_at = now()
	`, int64(id.UserID), id.Username, id.GlobalName, id.Avatar)
	return err
}

// FindFile loads a sound file; ErrNotFound if missing.
func (s *Store) FindFile(ctx context.Context, id snowflake.ID) (store.File, error) {
	var (
		f       store.File
		fileID  int64
		groupID int64
	)
	err := s.db.QueryRowContext(ctx, `select id, guild_id, name, created_at from files where id=$1`, int64(id)).
		Scan(&fileID, &groupID, &f.Name, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.File{}, store.ErrNotFound
	}
	if err != nil {
		return store.File{}, err
	}
	f.ID = snowflake.ID(fileID)
	f.GroupID = snowflake.ID(groupID)
	return f, nil
}

// ActiveGroups filters candidates down to groups the bot is currently in, ascending.
func (s *Store) ActiveGroups(ctx context.Context, candidates []snowflake.ID) ([]snowflake.ID, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = int64(c)
	}
	rows, err := s.db.QueryContext(ctx, `select id from guilds where active and id = any($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []snowflake.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, snowflake.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, snowflake.Compare)
	return out, nil
}
