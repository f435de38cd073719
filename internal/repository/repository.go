package repository

import (
	"context"
	"time"

	"github.com/edgewatch/heartbeat/internal/domain"
)

// HeartbeatRepository persists heartbeat samples. RecordHeartbeat appends
// the sample and upserts the server registry row as a single atomic unit;
// the registry's last_seen_at and summary follow the monotonic-write
// policy, so a delayed heartbeat never overwrites fresher state.
type HeartbeatRepository interface {
	RecordHeartbeat(ctx context.Context, hb *domain.Heartbeat) error
	ListHeartbeats(ctx context.Context, serverID string, before time.Time, limit int) ([]domain.Heartbeat, error)
	// ListLatest returns the newest samples with no time cutoff, so entries
	// generated by an agent whose clock runs ahead still count.
	ListLatest(ctx context.Context, serverID string, limit int) ([]domain.Heartbeat, error)
	CountHeartbeats(ctx context.Context, serverID string) (int64, error)
}

// ServerRepository reads the server registry.
type ServerRepository interface {
	ListServers(ctx context.Context) ([]domain.Server, error)
	GetServer(ctx context.Context, serverID string) (*domain.Server, error)
}

// TaskRepository stores queued agent commands.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	ClaimPendingTasks(ctx context.Context, serverID string, limit int) ([]domain.Task, error)
	AckTask(ctx context.Context, taskID, status string) error
}
