package domain

import (
	"context"
	"time"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// LimitFrequency is the period after which message usage resets.
type LimitFrequency string

const (
	FrequencyDaily     LimitFrequency = "daily"
	FrequencyMonthly   LimitFrequency = "monthly"
	FrequencyUnlimited LimitFrequency = "unlimited"
)

// UnlimitedQuota as a message limit disables quota enforcement.
const UnlimitedQuota = -1

type User struct {
	ID        int64         `json:"id"`
	Username  string        `json:"username"`
	Role      Role          `json:"role"`
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Quota     UserQuota     `json:"quota"`
}

// UserQuota is the message quota state of one user.
type UserQuota struct {
	UserID    int64          `json:"user_id"`
	Limit     int64          `json:"message_limit"`
	Usage     int64          `json:"message_usage"`
	Frequency LimitFrequency `json:"limit_frequency"`
	LastReset *time.Time     `json:"last_usage_reset,omitempty"`
	Status    AccountStatus  `json:"status"`
}

// ResetCutoff returns the instant before which a last reset counts as
// expired for the given frequency. ok is false when usage never resets.
func ResetCutoff(freq LimitFrequency, now time.Time) (cutoff time.Time, ok bool) {
	switch freq {
	case FrequencyDaily:
		return now.Add(-24 * time.Hour), true
	case FrequencyMonthly:
		return now.AddDate(0, -1, 0), true
	default:
		return time.Time{}, false
	}
}

// WindowElapsed reports whether the reset period has passed since the last reset.
// A quota that was never reset is treated as elapsed.
func (q UserQuota) WindowElapsed(now time.Time) bool {
	cutoff, ok := ResetCutoff(q.Frequency, now)
	if !ok {
		return false
	}
	if q.LastReset == nil {
		return true
	}
	return q.LastReset.Before(cutoff)
}

// EffectiveUsage is the usage that counts against the limit at now.
func (q UserQuota) EffectiveUsage(now time.Time) int64 {
	if q.WindowElapsed(now) {
		return 0
	}
	return q.Usage
}

// NewUser describes a user to create.
type NewUser struct {
	Username  string
	Role      Role
	Limit     int64
	Frequency LimitFrequency
}

// UserStore persists users and their quota counters.
type UserStore interface {
	CreateUser(ctx context.Context, u NewUser) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetUserStatus(ctx context.Context, id int64, status AccountStatus) error
	GetUserQuota(ctx context.Context, id int64) (*UserQuota, error)
	IncrementUsage(ctx context.Context, id int64, now time.Time) error
}
