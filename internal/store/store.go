// Package store holds the persisted records the control plane reads and the
// transactional contract the reconciliation job needs.
package store

import (
	"context"
	"errors"
	"time"

	"soundboard.app/internal/snowflake"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Membership is one row of the bot's group table.
type Membership struct {
	GroupID snowflake.ID
	Active  bool
}

// File is an uploaded sound.
type File struct {
	ID        snowflake.ID
	GroupID   snowflake.ID
	Name      string
	CreatedAt time.Time
}

// MembershipTx is the view of the group table inside one transaction.
type MembershipTx interface {
	// Snapshot returns every row ordered by id ascending.
	Snapshot(ctx context.Context) ([]Membership, error)
	// Activate inserts id as active or reactivates it.
	Activate(ctx context.Context, id snowflake.ID) error
	// Deactivate marks id inactive.
	Deactivate(ctx context.Context, id snowflake.ID) error
}

// MembershipStore runs fn in a transaction that commits only if fn returns nil.
type MembershipStore interface {
	WithMembershipTx(ctx context.Context, fn func(MembershipTx) error) error
}
