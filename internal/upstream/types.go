package upstream

import "soundboard.app/internal/snowflake"

// User is the subset of the upstream user object the control plane consumes.
type User struct {
	ID         snowflake.ID `json:"id"`
	Username   string       `json:"username"`
	GlobalName string       `json:"global_name,omitempty"`
	Avatar     string       `json:"avatar,omitempty"`
}

// Guild is a partial guild as returned by the guild listing endpoints.
type Guild struct {
	ID   snowflake.ID `json:"id"`
	Name string       `json:"name"`
	Icon string       `json:"icon,omitempty"`
}
