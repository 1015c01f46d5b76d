package model

import "time"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Principal is an API caller identified by a key ID. KeyHash holds the
// bcrypt hash of the key secret; the secret itself is shown once at mint
// time and never stored.
type Principal struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	KeyID     string    `json:"key_id"`
	KeyHash   string    `json:"-"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
