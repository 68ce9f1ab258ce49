package domain

import (
	"time"
)

// User is an anonymous trainee identity. Authentication proper lives outside
// this service; we only track enough to key sessions and rate decisions.
type User struct {
	UserID     string
	Username   string
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
