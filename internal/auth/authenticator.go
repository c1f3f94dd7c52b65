package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"soundboard.app/internal/cache"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/upstream"
)

// IdentitySource resolves identities and memberships from an access token.
type IdentitySource interface {
	CurrentUser(ctx context.Context, accessToken string) (upstream.User, error)
	CurrentUserGuilds(ctx context.Context, accessToken string) ([]upstream.Guild, error)
}

// IdentityRecorder persists freshly resolved identities. Failures are logged only.
type IdentityRecorder interface {
	RecordIdentity(ctx context.Context, id Identity) error
}

// Authenticator resolves and authorizes access tokens through two coalescing caches.
type Authenticator struct {
	source      IdentitySource
	identities  *cache.Cache[*Identity]
	memberships *cache.Cache[*Membership]
	recorder    IdentityRecorder
	log         *zap.Logger
}

// NewAuthenticator wires the caches; recorder may be nil.
func NewAuthenticator(source IdentitySource, identities *cache.Cache[*Identity], memberships *cache.Cache[*Membership], recorder IdentityRecorder, log *zap.Logger) (*Authenticator, error) {
	if source == nil || identities == nil || memberships == nil {
		return nil, errors.New("auth: identity source and caches are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{
		source:      source,
		identities:  identities,
		memberships: memberships,
		recorder:    recorder,
		log:         log,
	}, nil
}

// Authenticate returns the identity bound to token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	id, err := a.identities.GetOrPopulate(ctx, token, func(ctx context.Context) (*Identity, error) {
		u, err := a.source.CurrentUser(ctx, token)
		if err != nil {
			return nil, err
		}
		id := identityFromUser(u)
		if a.recorder != nil {
			if err := a.recorder.RecordIdentity(ctx, *id); err != nil {
				a.log.Warn("record identity failed", zap.Stringer("user_id", id.UserID), zap.Error(err))
			}
		}
		return id, nil
	})
	if err != nil {
		return nil, mapUpstream(err)
	}
	return id, nil
}

// Membership returns the groups the token's user belongs to.
func (a *Authenticator) Membership(ctx context.Context, token string) (*Membership, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	m, err := a.memberships.GetOrPopulate(ctx, token, func(ctx context.Context) (*Membership, error) {
		guilds, err := a.source.CurrentUserGuilds(ctx, token)
		if err != nil {
			return nil, err
		}
		ids := make([]snowflake.ID, 0, len(guilds))
		for _, g := range guilds {
			ids = append(ids, g.ID)
		}
		return NewMembership(ids), nil
	})
	if err != nil {
		return nil, mapUpstream(err)
	}
	return m, nil
}

// Authorize fails with ErrForbidden unless the token's user is a member of group.
func (a *Authenticator) Authorize(ctx context.Context, token string, group snowflake.ID) error {
	m, err := a.Membership(ctx, token)
	if err != nil {
		return err
	}
	if !m.Contains(group) {
		return ErrForbidden
	}
	return nil
}

// Revoke forgets everything cached for token.
func (a *Authenticator) Revoke(token string) {
	a.identities.Invalidate(token)
	a.memberships.Invalidate(token)
}

// InvalidateMemberships drops every cached membership list, e.g. after a guild sync push.
func (a *Authenticator) InvalidateMemberships() {
	a.memberships.InvalidateAll()
}

func mapUpstream(err error) error {
	if errors.Is(err, upstream.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return err
}
