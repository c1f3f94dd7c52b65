package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/upstream"
)

// Identity is the upstream user bound to an access token. Values are shared
// read-only between every request carrying the same token.
type Identity struct {
	UserID     snowflake.ID `json:"id"`
	Username   string       `json:"username"`
	GlobalName string       `json:"global_name,omitempty"`
	Avatar     string       `json:"avatar,omitempty"`
}

func identityFromUser(u upstream.User) *Identity {
	return &Identity{
		UserID:     u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Avatar:     u.Avatar,
	}
}

// Membership is the immutable, sorted list of groups an identity belongs to.
type Membership struct {
	groups []snowflake.ID
}

// NewMembership copies and sorts ids.
func NewMembership(ids []snowflake.ID) *Membership {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, snowflake.Compare)
	return &Membership{groups: slices.Compact(sorted)}
}

// Contains reports membership of group.
func (m *Membership) Contains(group snowflake.ID) bool {
	if m == nil {
		return false
	}
	_, ok := slices.BinarySearchFunc(m.groups, group, snowflake.Compare)
	return ok
}

// Groups returns a copy of the ids in ascending order.
func (m *Membership) Groups() []snowflake.ID {
	if m == nil {
		return nil
	}
	return slices.Clone(m.groups)
}

// Fingerprint is a log-safe stand-in for an access token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
