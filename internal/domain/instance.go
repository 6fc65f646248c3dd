package domain

import (
	"context"
	"time"
)

// InstanceStatus is the persisted connection status of an instance.
type InstanceStatus string

const (
	InstanceStopped      InstanceStatus = "stopped"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceRunning      InstanceStatus = "running"
	InstanceReconnecting InstanceStatus = "reconnecting"
)

// StopReason records why an instance was last stopped.
type StopReason string

const (
	StopManual        StopReason = "manual"
	StopQRTimeout     StopReason = "qr_timeout"
	StopAuthExpired   StopReason = "auth_expired"
	StopUnrecoverable StopReason = "unrecoverable"
)

// Instance is one tenant-owned messaging endpoint.
type Instance struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Status      InstanceStatus `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	StopReason  StopReason     `json:"stop_reason,omitempty"`
	OwnerUserID int64          `json:"owner_user_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StatusUpdate is a connection-state transition to persist.
// LastError is cleared when Status is InstanceRunning.
type StatusUpdate struct {
	Status     InstanceStatus
	LastError  string
	StopReason StopReason
}

// InstanceStore persists instances and their status.
type InstanceStore interface {
	CreateInstance(ctx context.Context, name string, ownerUserID int64) (*Instance, error)
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	ListInstances(ctx context.Context) ([]Instance, error)
	DeleteInstance(ctx context.Context, id int64) error
	UpdateInstanceStatus(ctx context.Context, id int64, update StatusUpdate) error
}
