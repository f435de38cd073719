package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
)

const lockShards = 64

// Store is an in-process implementation of the repository interfaces, used
// when no DATABASE_URL is configured and throughout the tests. Writes for
// one server are serialized by a striped lock keyed on the server id, so
// heartbeats from different servers do not contend.
type Store struct {
	shards [lockShards]sync.Mutex

	mu         sync.RWMutex
	servers    map[string]*domain.Server
	heartbeats map[string][]domain.Heartbeat
	tasks      map[string]*domain.Task
	taskOrder  []string
	nextID     int64

	now func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		servers:    make(map[string]*domain.Server),
		heartbeats: make(map[string][]domain.Heartbeat),
		tasks:      make(map[string]*domain.Task),
		now:        time.Now,
	}
}

var (
	_ repository.HeartbeatRepository = (*Store)(nil)
	_ repository.ServerRepository    = (*Store)(nil)
	_ repository.TaskRepository      = (*Store)(nil)
)

func (s *Store) shardFor(serverID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serverID))
	return &s.shards[h.Sum32()%lockShards]
}

// RecordHeartbeat appends the sample and applies the monotonic registry
// upsert. The shard lock owns the whole read-modify-write for one server,
// so concurrent submissions for the same server cannot lose an update;
// the global mutex is held only for map access, keeping writers for
// different servers off each other's critical path.
func (s *Store) RecordHeartbeat(ctx context.Context, hb *domain.Heartbeat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shard := s.shardFor(hb.ServerID)
	shard.Lock()
	defer shard.Unlock()

	now := s.now().UTC()

	s.mu.RLock()
	existing, known := s.servers[hb.ServerID]
	var updated domain.Server
	if known {
		updated = *existing
	}
	s.mu.RUnlock()

	if !known {
		updated = domain.Server{
			ServerID:    hb.ServerID,
			FirstSeenAt: hb.GeneratedAt,
			LastSeenAt:  hb.GeneratedAt,
			CreatedAt:   now,
		}
	}
	updated.UpdatedAt = now

	s.mu.Lock()
	s.nextID++
	hb.ID = s.nextID
	hb.CreatedAt = now
	s.heartbeats[hb.ServerID] = append(s.heartbeats[hb.ServerID], *hb)

	if !known || !hb.GeneratedAt.Before(updated.LastSeenAt) {
		snapshot := *hb
		updated.LastSeenAt = hb.GeneratedAt
		updated.LastHeartbeat = &snapshot
	}
	s.servers[hb.ServerID] = &updated
	s.mu.Unlock()
	return nil
}

// ListHeartbeats returns up to limit samples older than the cutoff, newest
// first.
func (s *Store) ListHeartbeats(ctx context.Context, serverID string, before time.Time, limit int) ([]domain.Heartbeat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Heartbeat, 0)
	for _, hb := range s.heartbeats[serverID] {
		if hb.GeneratedAt.Before(before) {
			matched = append(matched, hb)
		}
	}
	return newestFirst(matched, limit), nil
}

// ListLatest returns up to limit of the newest samples with no time
// cutoff, so future-dated entries from skewed agent clocks still count.
func (s *Store) ListLatest(ctx context.Context, serverID string, limit int) ([]domain.Heartbeat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := append([]domain.Heartbeat(nil), s.heartbeats[serverID]...)
	return newestFirst(matched, limit), nil
}

func newestFirst(heartbeats []domain.Heartbeat, limit int) []domain.Heartbeat {
	sort.Slice(heartbeats, func(i, j int) bool {
		if heartbeats[i].GeneratedAt.Equal(heartbeats[j].GeneratedAt) {
			return heartbeats[i].ID > heartbeats[j].ID
		}
		return heartbeats[i].GeneratedAt.After(heartbeats[j].GeneratedAt)
	})
	if limit > 0 && len(heartbeats) > limit {
		heartbeats = heartbeats[:limit]
	}
	return heartbeats
}

// CountHeartbeats returns the number of stored samples for a server.
func (s *Store) CountHeartbeats(ctx context.Context, serverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.heartbeats[serverID])), nil
}

// ListServers returns registry entries ordered by last_seen_at descending,
// ties broken by server_id ascending.
func (s *Store) ListServers(ctx context.Context) ([]domain.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]domain.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		servers = append(servers, *srv)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].LastSeenAt.Equal(servers[j].LastSeenAt) {
			return servers[i].ServerID < servers[j].ServerID
		}
		return servers[i].LastSeenAt.After(servers[j].LastSeenAt)
	})
	return servers, nil
}

// GetServer fetches one registry entry.
func (s *Store) GetServer(ctx context.Context, serverID string) (*domain.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *srv
	return &copied, nil
}

// CreateTask enqueues a pending task.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task.CreatedAt = s.now().UTC()
	copied := *task
	s.tasks[task.ID] = &copied
	s.taskOrder = append(s.taskOrder, task.ID)
	return nil
}

// ClaimPendingTasks returns pending tasks for a server in FIFO order and
// marks them delivered.
func (s *Store) ClaimPendingTasks(ctx context.Context, serverID string, limit int) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	claimed := make([]domain.Task, 0)
	for _, id := range s.taskOrder {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		task := s.tasks[id]
		if task.ServerID != serverID || task.Status != domain.TaskStatusPending {
			continue
		}
		task.Status = domain.TaskStatusDelivered
		delivered := now
		task.DeliveredAt = &delivered
		claimed = append(claimed, *task)
	}
	return claimed, nil
}

// AckTask finalizes a task as done or failed.
func (s *Store) AckTask(ctx context.Context, taskID, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return repository.ErrNotFound
	}
	task.Status = status
	acked := s.now().UTC()
	task.AckedAt = &acked
	return nil
}
