package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
)

const (
	defaultWindowSamples = 100
	defaultPageLimit     = 100
	defaultPageMax       = 1000
)

// HeartbeatPage is one page of a server's heartbeat history.
type HeartbeatPage struct {
	ServerID   string             `json:"server_id"`
	Heartbeats []domain.Heartbeat `json:"heartbeats"`
	Count      int                `json:"count"`
	Limit      int                `json:"limit"`
	Before     time.Time          `json:"before"`
}

// Service serves server listings, heartbeat history and derived stats.
type Service struct {
	heartbeats repository.HeartbeatRepository
	servers    repository.ServerRepository
	logger     *slog.Logger

	windowSamples int
	pageLimit     int
	pageMax       int
	now           func() time.Time
}

// New constructs a monitor Service. windowSamples bounds the stats
// aggregation window; pageLimit/pageMax bound history pagination.
func New(heartbeats repository.HeartbeatRepository, servers repository.ServerRepository, logger *slog.Logger, windowSamples, pageLimit, pageMax int) *Service {
	if windowSamples <= 0 {
		windowSamples = defaultWindowSamples
	}
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	if pageMax <= 0 {
		pageMax = defaultPageMax
	}
	if logger != nil {
		logger = logger.With("component", "monitor")
	}
	return &Service{
		heartbeats:    heartbeats,
		servers:       servers,
		logger:        logger,
		windowSamples: windowSamples,
		pageLimit:     pageLimit,
		pageMax:       pageMax,
		now:           time.Now,
	}
}

// ListServers returns all registry entries, most recently active first.
func (s *Service) ListServers(ctx context.Context) ([]domain.Server, error) {
	return s.servers.ListServers(ctx)
}

// GetServer returns one registry entry or repository.ErrNotFound.
func (s *Service) GetServer(ctx context.Context, serverID string) (*domain.Server, error) {
	return s.servers.GetServer(ctx, serverID)
}

// ListHeartbeats pages through a server's history, newest first. A zero
// before defaults to now; limit is clamped to the configured maximum.
// Unknown servers yield repository.ErrNotFound.
func (s *Service) ListHeartbeats(ctx context.Context, serverID string, before time.Time, limit int) (*HeartbeatPage, error) {
	if _, err := s.servers.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	if before.IsZero() {
		before = s.now().UTC()
	}
	if limit <= 0 {
		limit = s.pageLimit
	}
	if limit > s.pageMax {
		limit = s.pageMax
	}
	heartbeats, err := s.heartbeats.ListHeartbeats(ctx, serverID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	return &HeartbeatPage{
		ServerID:   serverID,
		Heartbeats: heartbeats,
		Count:      len(heartbeats),
		Limit:      limit,
		Before:     before,
	}, nil
}

// Stats aggregates the most recent windowSamples heartbeats for a server.
// The window has no time cutoff: agent clocks skew, and a sample dated
// ahead of this host's clock still belongs in the aggregate. A server
// with no stored heartbeats yields repository.ErrNotFound.
func (s *Service) Stats(ctx context.Context, serverID string) (*domain.StatsSummary, error) {
	window, err := s.heartbeats.ListLatest(ctx, serverID, s.windowSamples)
	if err != nil {
		return nil, fmt.Errorf("load stats window: %w", err)
	}
	if len(window) == 0 {
		return nil, repository.ErrNotFound
	}
	total, err := s.heartbeats.CountHeartbeats(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("count heartbeats: %w", err)
	}

	latest := window[0]
	summary := &domain.StatsSummary{
		ServerID:       serverID,
		HeartbeatCount: total,
		WindowSamples:  len(window),
		Latest:         &latest,
	}
	for _, hb := range window {
		summary.AvgCPUPct += hb.CPUTotalPct
		summary.AvgMemUsagePct += hb.MemUsagePct()
		summary.AvgBWRxMbps += hb.BWRxMbps
		summary.AvgBWTxMbps += hb.BWTxMbps
		summary.AvgBWTotalMbps += hb.BWTotalMbps
		summary.AvgLatencyP50MS += hb.LatencyP50MS
		summary.AvgLatencyP95MS += hb.LatencyP95MS
		if hb.PacketLossPct > summary.MaxPacketLoss {
			summary.MaxPacketLoss = hb.PacketLossPct
		}
	}
	n := float64(len(window))
	summary.AvgCPUPct /= n
	summary.AvgMemUsagePct /= n
	summary.AvgBWRxMbps /= n
	summary.AvgBWTxMbps /= n
	summary.AvgBWTotalMbps /= n
	summary.AvgLatencyP50MS /= n
	summary.AvgLatencyP95MS /= n
	return summary, nil
}
