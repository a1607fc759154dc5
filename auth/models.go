package auth

import "time"

type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
)

// User is the slice of the users table the engine needs to authorize calls.
// Profile fields live with the profile service.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
	CreatedAt   time.Time
}

// Claims is what a verified bearer token says about its holder.
type Claims struct {
	UserID string
	Role   Role
}
