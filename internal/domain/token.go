package domain

import (
	"context"
	"time"
)

// APIToken is a bearer credential bound to a user and optionally scoped
// to a set of instances. Only the hash of the secret is stored.
type APIToken struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Name       string     `json:"name"`
	Instances  []int64    `json:"instances,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Identity is the resolved caller behind a request.
type Identity struct {
	UserID    int64
	Username  string
	Role      Role
	TokenID   int64
	ActorType string // user | system
	AuthType  string // api_token | admin_token

	// AllowedInstances is nil when the caller is not instance-scoped.
	AllowedInstances []int64
}

type TokenStore interface {
	CreateToken(ctx context.Context, userID int64, name, tokenHash string, instances []int64) (*APIToken, error)
	// ResolveToken returns nil, nil for an unknown hash.
	ResolveToken(ctx context.Context, tokenHash string) (*Identity, error)
	ListTokens(ctx context.Context, userID int64) ([]APIToken, error)
	RevokeToken(ctx context.Context, id int64) error
}
