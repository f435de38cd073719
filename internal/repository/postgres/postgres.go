package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL. Every call
// runs under a bounded timeout; deadline and connection failures are
// reported as repository.ErrUnavailable.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New constructs a Repository. A non-positive timeout falls back to 5s.
func New(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Repository{pool: pool, timeout: timeout}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.HeartbeatRepository = (*Repository)(nil)
	_ repository.ServerRepository    = (*Repository)(nil)
	_ repository.TaskRepository      = (*Repository)(nil)
)

const heartbeatColumns = `id, server_id, generated_at, ready_at, created_at,
	iface, ping_target, uptime_s, load1, mem_total_mb, mem_free_mb,
	cpu_total_pct, softirq_pct, bw_rx_mbps, bw_tx_mbps, bw_total_mbps,
	pps_rx, pps_tx, pps_total, conn_est_rate_s, active_conns,
	conntrack_usage_pct, rx_dropped, tx_dropped, latency_p50_ms,
	latency_p95_ms, packet_loss_pct`

// RecordHeartbeat appends a heartbeat row and upserts the server registry
// entry in one transaction. The upsert keeps last_seen_at monotonic and
// refreshes the denormalized summary only when the incoming sample is not
// older than the stored one; Postgres row locking serializes concurrent
// upserts for the same server while leaving other servers untouched.
func (r *Repository) RecordHeartbeat(ctx context.Context, hb *domain.Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrapStorage(err)
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO heartbeats (
		server_id, generated_at, ready_at,
		iface, ping_target, uptime_s, load1, mem_total_mb, mem_free_mb,
		cpu_total_pct, softirq_pct, bw_rx_mbps, bw_tx_mbps, bw_total_mbps,
		pps_rx, pps_tx, pps_total, conn_est_rate_s, active_conns,
		conntrack_usage_pct, rx_dropped, tx_dropped, latency_p50_ms,
		latency_p95_ms, packet_loss_pct
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
	) RETURNING id, created_at`
	err = tx.QueryRow(ctx, insert,
		hb.ServerID, hb.GeneratedAt, hb.ReadyAt,
		hb.Iface, hb.PingTarget, hb.UptimeS, hb.Load1, hb.MemTotalMB, hb.MemFreeMB,
		hb.CPUTotalPct, hb.SoftirqPct, hb.BWRxMbps, hb.BWTxMbps, hb.BWTotalMbps,
		hb.PPSRx, hb.PPSTx, hb.PPSTotal, hb.ConnEstRateS, hb.ActiveConns,
		hb.ConntrackUsagePct, hb.RxDropped, hb.TxDropped, hb.LatencyP50MS,
		hb.LatencyP95MS, hb.PacketLossPct,
	).Scan(&hb.ID, &hb.CreatedAt)
	if err != nil {
		return wrapStorage(err)
	}

	summary, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat summary: %w", err)
	}

	const upsert = `INSERT INTO servers (server_id, first_seen_at, last_seen_at, last_heartbeat)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (server_id) DO UPDATE SET
			last_seen_at = GREATEST(servers.last_seen_at, EXCLUDED.last_seen_at),
			last_heartbeat = CASE
				WHEN EXCLUDED.last_seen_at >= servers.last_seen_at THEN EXCLUDED.last_heartbeat
				ELSE servers.last_heartbeat
			END,
			updated_at = now()`
	if _, err := tx.Exec(ctx, upsert, hb.ServerID, hb.GeneratedAt, summary); err != nil {
		return wrapStorage(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// ListHeartbeats returns up to limit heartbeats for a server with
// generated_at strictly before the given cutoff, newest first.
func (r *Repository) ListHeartbeats(ctx context.Context, serverID string, before time.Time, limit int) ([]domain.Heartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM heartbeats
		WHERE server_id = $1 AND generated_at < $2
		ORDER BY generated_at DESC, id DESC
		LIMIT $3`, heartbeatColumns)
	rows, err := r.pool.Query(ctx, query, serverID, before, limit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	heartbeats := make([]domain.Heartbeat, 0)
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, wrapStorage(err)
		}
		heartbeats = append(heartbeats, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(err)
	}
	return heartbeats, nil
}

// ListLatest returns up to limit of the newest heartbeats for a server
// with no time cutoff. Used by stats aggregation, where a sample from a
// fast agent clock must still be counted.
func (r *Repository) ListLatest(ctx context.Context, serverID string, limit int) ([]domain.Heartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM heartbeats
		WHERE server_id = $1
		ORDER BY generated_at DESC, id DESC
		LIMIT $2`, heartbeatColumns)
	rows, err := r.pool.Query(ctx, query, serverID, limit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	heartbeats := make([]domain.Heartbeat, 0)
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, wrapStorage(err)
		}
		heartbeats = append(heartbeats, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(err)
	}
	return heartbeats, nil
}

// CountHeartbeats returns the total number of stored samples for a server.
func (r *Repository) CountHeartbeats(ctx context.Context, serverID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `SELECT COUNT(1) FROM heartbeats WHERE server_id = $1`
	var count int64
	if err := r.pool.QueryRow(ctx, query, serverID).Scan(&count); err != nil {
		return 0, wrapStorage(err)
	}
	return count, nil
}

// ListServers returns all registry entries, most recently active first,
// ties broken by server_id for deterministic output.
func (r *Repository) ListServers(ctx context.Context) ([]domain.Server, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `SELECT server_id, first_seen_at, last_seen_at, last_heartbeat, created_at, updated_at
		FROM servers
		ORDER BY last_seen_at DESC, server_id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, wrapStorage(err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(err)
	}
	return servers, nil
}

// GetServer fetches one registry entry by server id.
func (r *Repository) GetServer(ctx context.Context, serverID string) (*domain.Server, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `SELECT server_id, first_seen_at, last_seen_at, last_heartbeat, created_at, updated_at
		FROM servers WHERE server_id = $1`
	srv, err := scanServer(r.pool.QueryRow(ctx, query, serverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapStorage(err)
	}
	return &srv, nil
}

// CreateTask enqueues a pending task for an agent.
func (r *Repository) CreateTask(ctx context.Context, task *domain.Task) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `INSERT INTO server_tasks (id, server_id, type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`
	var payload any
	if len(task.Payload) > 0 {
		payload = []byte(task.Payload)
	}
	if err := r.pool.QueryRow(ctx, query, task.ID, task.ServerID, task.Type, payload, task.Status).Scan(&task.CreatedAt); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// ClaimPendingTasks returns a server's pending tasks in FIFO order and
// marks them delivered in the same statement, so two polling agents never
// receive the same task.
func (r *Repository) ClaimPendingTasks(ctx context.Context, serverID string, limit int) ([]domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `UPDATE server_tasks SET status = $1, delivered_at = now()
		WHERE id IN (
			SELECT id FROM server_tasks
			WHERE server_id = $2 AND status = $3
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, server_id, type, payload, status, created_at, delivered_at, acked_at`
	rows, err := r.pool.Query(ctx, query, domain.TaskStatusDelivered, serverID, domain.TaskStatusPending, limit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		var (
			t       domain.Task
			payload []byte
		)
		if err := rows.Scan(&t.ID, &t.ServerID, &t.Type, &payload, &t.Status, &t.CreatedAt, &t.DeliveredAt, &t.AckedAt); err != nil {
			return nil, wrapStorage(err)
		}
		if len(payload) > 0 {
			t.Payload = json.RawMessage(payload)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(err)
	}
	return tasks, nil
}

// AckTask finalizes a delivered task as done or failed.
func (r *Repository) AckTask(ctx context.Context, taskID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `UPDATE server_tasks SET status = $1, acked_at = now() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, status, taskID)
	if err != nil {
		return wrapStorage(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanHeartbeat(row pgx.Row) (domain.Heartbeat, error) {
	var hb domain.Heartbeat
	err := row.Scan(
		&hb.ID, &hb.ServerID, &hb.GeneratedAt, &hb.ReadyAt, &hb.CreatedAt,
		&hb.Iface, &hb.PingTarget, &hb.UptimeS, &hb.Load1, &hb.MemTotalMB, &hb.MemFreeMB,
		&hb.CPUTotalPct, &hb.SoftirqPct, &hb.BWRxMbps, &hb.BWTxMbps, &hb.BWTotalMbps,
		&hb.PPSRx, &hb.PPSTx, &hb.PPSTotal, &hb.ConnEstRateS, &hb.ActiveConns,
		&hb.ConntrackUsagePct, &hb.RxDropped, &hb.TxDropped, &hb.LatencyP50MS,
		&hb.LatencyP95MS, &hb.PacketLossPct,
	)
	return hb, err
}

func scanServer(row pgx.Row) (domain.Server, error) {
	var (
		srv     domain.Server
		summary []byte
	)
	if err := row.Scan(&srv.ServerID, &srv.FirstSeenAt, &srv.LastSeenAt, &summary, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
		return domain.Server{}, err
	}
	if len(summary) > 0 {
		var hb domain.Heartbeat
		if err := json.Unmarshal(summary, &hb); err != nil {
			return domain.Server{}, fmt.Errorf("decode heartbeat summary: %w", err)
		}
		srv.LastHeartbeat = &hb
	}
	return srv, nil
}

// wrapStorage classifies store timeouts and connection failures as
// retryable ErrUnavailable. Caller cancellation, SQLSTATE errors and data
// faults (a corrupt summary column, for one) pass through untouched: the
// store is healthy, so advertising a retry would be a lie.
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	return err
}
