package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
)

func sample(serverID string, generatedAt time.Time) *domain.Heartbeat {
	return &domain.Heartbeat{
		ServerID:    serverID,
		GeneratedAt: generatedAt,
		ReadyAt:     generatedAt.Add(time.Second),
		CPUTotalPct: 10,
	}
}

func TestRecordHeartbeatRegistersServer(t *testing.T) {
	store := NewStore()
	generated := time.Date(2026, time.February, 1, 9, 30, 0, 0, time.UTC)

	if err := store.RecordHeartbeat(context.Background(), sample("edge-fra-1", generated)); err != nil {
		t.Fatalf("record: %v", err)
	}

	srv, err := store.GetServer(context.Background(), "edge-fra-1")
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if !srv.FirstSeenAt.Equal(generated) || !srv.LastSeenAt.Equal(generated) {
		t.Fatalf("expected first_seen == last_seen == %v, got %v / %v", generated, srv.FirstSeenAt, srv.LastSeenAt)
	}
	if srv.LastHeartbeat == nil || !srv.LastHeartbeat.GeneratedAt.Equal(generated) {
		t.Fatalf("expected summary snapshot of the first heartbeat, got %+v", srv.LastHeartbeat)
	}
}

func TestRecordHeartbeatMonotonicLastSeen(t *testing.T) {
	store := NewStore()
	base := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

	// Out of chronological order: newest first, then two stale samples.
	newest := sample("edge-fra-1", base.Add(10*time.Minute))
	newest.CPUTotalPct = 90
	for _, hb := range []*domain.Heartbeat{newest, sample("edge-fra-1", base), sample("edge-fra-1", base.Add(5*time.Minute))} {
		if err := store.RecordHeartbeat(context.Background(), hb); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	srv, err := store.GetServer(context.Background(), "edge-fra-1")
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if !srv.LastSeenAt.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("expected last_seen_at %v, got %v", base.Add(10*time.Minute), srv.LastSeenAt)
	}
	if srv.LastHeartbeat == nil || srv.LastHeartbeat.CPUTotalPct != 90 {
		t.Fatalf("expected summary to keep the freshest sample, got %+v", srv.LastHeartbeat)
	}

	count, err := store.CountHeartbeats(context.Background(), "edge-fra-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected append-only history of 3 rows, got %d", count)
	}
}

func TestRecordHeartbeatConcurrentLastSeen(t *testing.T) {
	store := NewStore()
	base := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

	const n = 100
	offsets := rand.Perm(n)
	var wg sync.WaitGroup
	for _, off := range offsets {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			if err := store.RecordHeartbeat(context.Background(), sample("edge-fra-1", base.Add(time.Duration(off)*time.Second))); err != nil {
				t.Errorf("record: %v", err)
			}
		}(off)
	}
	wg.Wait()

	srv, err := store.GetServer(context.Background(), "edge-fra-1")
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	want := base.Add(time.Duration(n-1) * time.Second)
	if !srv.LastSeenAt.Equal(want) {
		t.Fatalf("lost update: expected last_seen_at %v, got %v", want, srv.LastSeenAt)
	}
	count, err := store.CountHeartbeats(context.Background(), "edge-fra-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d rows, got %d", n, count)
	}
}

func TestListServersOrdering(t *testing.T) {
	store := NewStore()
	base := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		id string
		at time.Time
	}{
		{"edge-b", base.Add(time.Minute)},
		{"edge-c", base},
		{"edge-a", base},
	} {
		if err := store.RecordHeartbeat(context.Background(), sample(tc.id, tc.at)); err != nil {
			t.Fatalf("record %s: %v", tc.id, err)
		}
	}

	servers, err := store.ListServers(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]string, 0, len(servers))
	for _, srv := range servers {
		got = append(got, srv.ServerID)
	}
	want := []string{"edge-b", "edge-a", "edge-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestListHeartbeatsBeforeAndLimit(t *testing.T) {
	store := NewStore()
	base := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.RecordHeartbeat(context.Background(), sample("edge-fra-1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// before excludes the cutoff itself.
	page, err := store.ListHeartbeats(context.Background(), "edge-fra-1", base.Add(3*time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 heartbeats before cutoff, got %d", len(page))
	}
	if !page[0].GeneratedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("expected newest first, got %v", page[0].GeneratedAt)
	}

	limited, err := store.ListHeartbeats(context.Background(), "edge-fra-1", base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(limited))
	}
}

func TestRecordHeartbeatConcurrentAcrossServers(t *testing.T) {
	store := NewStore()
	base := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

	const servers = 20
	const perServer = 10
	var wg sync.WaitGroup
	for i := 0; i < servers; i++ {
		for j := 0; j < perServer; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				id := string(rune('a'+i%26)) + "-edge"
				if err := store.RecordHeartbeat(context.Background(), sample(id, base.Add(time.Duration(j)*time.Second))); err != nil {
					t.Errorf("record: %v", err)
				}
			}(i, j)
		}
	}
	wg.Wait()

	listed, err := store.ListServers(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := base.Add(time.Duration(perServer-1) * time.Second)
	for _, srv := range listed {
		if !srv.LastSeenAt.Equal(want) {
			t.Fatalf("server %s lost an update: expected last_seen_at %v, got %v", srv.ServerID, want, srv.LastSeenAt)
		}
	}
}

func TestListLatestIgnoresClock(t *testing.T) {
	store := NewStore()
	// One sample in the past, one dated well ahead of wall time.
	past := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	future := time.Now().UTC().Add(time.Hour)
	for _, at := range []time.Time{past, future} {
		if err := store.RecordHeartbeat(context.Background(), sample("edge-fra-1", at)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	latest, err := store.ListLatest(context.Background(), "edge-fra-1", 10)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected both samples regardless of wall time, got %d", len(latest))
	}
	if !latest[0].GeneratedAt.Equal(future) {
		t.Fatalf("expected the future-dated sample first, got %v", latest[0].GeneratedAt)
	}

	limited, err := store.ListLatest(context.Background(), "edge-fra-1", 1)
	if err != nil {
		t.Fatalf("list latest limited: %v", err)
	}
	if len(limited) != 1 || !limited[0].GeneratedAt.Equal(future) {
		t.Fatalf("expected only the newest sample, got %+v", limited)
	}
}

func TestGetServerNotFound(t *testing.T) {
	store := NewStore()
	if _, err := store.GetServer(context.Background(), "edge-unknown"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	task := &domain.Task{ID: "task-1", ServerID: "edge-fra-1", Type: "reload", Status: domain.TaskStatusPending}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.ClaimPendingTasks(ctx, "edge-fra-1", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != domain.TaskStatusDelivered {
		t.Fatalf("expected one delivered task, got %+v", claimed)
	}

	// Second poll must not re-deliver.
	again, err := store.ClaimPendingTasks(ctx, "edge-fra-1", 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no re-delivery, got %d tasks", len(again))
	}

	if err := store.AckTask(ctx, "task-1", domain.TaskStatusDone); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := store.AckTask(ctx, "task-missing", domain.TaskStatusDone); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown task, got %v", err)
	}
}
