package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
	"github.com/edgewatch/heartbeat/internal/ws"
)

// Request is the wire form of one heartbeat submission. Field names are
// fixed; edge agents depend on them.
type Request struct {
	ServerID    string `json:"server_id" validate:"required,max=255"`
	GeneratedAt string `json:"generated_at" validate:"required"`
	ReadyAt     string `json:"ready_at" validate:"required"`

	Iface      string `json:"iface" validate:"max=100"`
	PingTarget string `json:"ping_target" validate:"max=100"`

	UptimeS    int64   `json:"uptime_s" validate:"gte=0"`
	Load1      float64 `json:"load1" validate:"gte=0"`
	MemTotalMB int64   `json:"mem_total_mb" validate:"gte=0"`
	MemFreeMB  int64   `json:"mem_free_mb" validate:"gte=0"`

	CPUTotalPct float64 `json:"cpu_total_pct" validate:"gte=0,lte=100"`
	SoftirqPct  float64 `json:"softirq_pct" validate:"gte=0,lte=100"`

	BWRxMbps    float64 `json:"bw_rx_mbps" validate:"gte=0"`
	BWTxMbps    float64 `json:"bw_tx_mbps" validate:"gte=0"`
	BWTotalMbps float64 `json:"bw_total_mbps" validate:"gte=0"`

	PPSRx    int64 `json:"pps_rx" validate:"gte=0"`
	PPSTx    int64 `json:"pps_tx" validate:"gte=0"`
	PPSTotal int64 `json:"pps_total" validate:"gte=0"`

	ConnEstRateS      int64   `json:"conn_est_rate_s" validate:"gte=0"`
	ActiveConns       int64   `json:"active_conns" validate:"gte=0"`
	ConntrackUsagePct float64 `json:"conntrack_usage_pct" validate:"gte=0,lte=100"`

	RxDropped int64 `json:"rx_dropped" validate:"gte=0"`
	TxDropped int64 `json:"tx_dropped" validate:"gte=0"`

	LatencyP50MS  float64 `json:"latency_p50_ms" validate:"gte=0"`
	LatencyP95MS  float64 `json:"latency_p95_ms" validate:"gte=0"`
	PacketLossPct float64 `json:"packet_loss_pct" validate:"gte=0,lte=100"`
}

// ValidationError reports the payload fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Fields, ", ")
}

// Service validates and stores heartbeats, and feeds the live stream.
type Service struct {
	repo     repository.HeartbeatRepository
	hub      *ws.Hub
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs an ingest Service. The hub may be nil when no live stream
// consumers exist (the MQTT bridge path in tests, for example).
func New(repo repository.HeartbeatRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report violations under the wire field name, not the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	return &Service{repo: repo, hub: hub, validate: v, logger: logger}
}

// Submit validates the payload, stores the heartbeat atomically with the
// registry upsert, and broadcasts the accepted sample. Resubmitting the
// same payload appends another history row; the log is not deduplicated.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.Heartbeat, error) {
	if err := s.validate.Struct(req); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, fe.Field())
			}
			return nil, &ValidationError{Fields: fields}
		}
		return nil, err
	}

	generatedAt, err := parseTimestamp(req.GeneratedAt)
	if err != nil {
		return nil, &ValidationError{Fields: []string{"generated_at"}}
	}
	readyAt, err := parseTimestamp(req.ReadyAt)
	if err != nil {
		return nil, &ValidationError{Fields: []string{"ready_at"}}
	}

	hb := &domain.Heartbeat{
		ServerID:          req.ServerID,
		GeneratedAt:       generatedAt,
		ReadyAt:           readyAt,
		Iface:             req.Iface,
		PingTarget:        req.PingTarget,
		UptimeS:           req.UptimeS,
		Load1:             req.Load1,
		MemTotalMB:        req.MemTotalMB,
		MemFreeMB:         req.MemFreeMB,
		CPUTotalPct:       req.CPUTotalPct,
		SoftirqPct:        req.SoftirqPct,
		BWRxMbps:          req.BWRxMbps,
		BWTxMbps:          req.BWTxMbps,
		BWTotalMbps:       req.BWTotalMbps,
		PPSRx:             req.PPSRx,
		PPSTx:             req.PPSTx,
		PPSTotal:          req.PPSTotal,
		ConnEstRateS:      req.ConnEstRateS,
		ActiveConns:       req.ActiveConns,
		ConntrackUsagePct: req.ConntrackUsagePct,
		RxDropped:         req.RxDropped,
		TxDropped:         req.TxDropped,
		LatencyP50MS:      req.LatencyP50MS,
		LatencyP95MS:      req.LatencyP95MS,
		PacketLossPct:     req.PacketLossPct,
	}
	if err := s.repo.RecordHeartbeat(ctx, hb); err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("heartbeat stored", "server_id", hb.ServerID, "heartbeat_id", hb.ID)
	}
	s.broadcast(hb)
	return hb, nil
}

func (s *Service) broadcast(hb *domain.Heartbeat) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal heartbeat for stream", "error", err)
		}
		return
	}
	s.hub.Broadcast(hb.ServerID, payload)
}

// parseTimestamp accepts RFC 3339 timestamps with or without fractional
// seconds, including the Z suffix agents commonly send.
func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
