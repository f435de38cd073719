package domain

import "time"

// Heartbeat is one telemetry sample reported by an edge node. Rows are
// append-only; a stored heartbeat is never mutated.
type Heartbeat struct {
	ID       int64  `json:"id"`
	ServerID string `json:"server_id"`

	GeneratedAt time.Time `json:"generated_at"`
	ReadyAt     time.Time `json:"ready_at"`
	CreatedAt   time.Time `json:"created_at"`

	Iface      string `json:"iface"`
	PingTarget string `json:"ping_target"`

	UptimeS    int64   `json:"uptime_s"`
	Load1      float64 `json:"load1"`
	MemTotalMB int64   `json:"mem_total_mb"`
	MemFreeMB  int64   `json:"mem_free_mb"`

	CPUTotalPct float64 `json:"cpu_total_pct"`
	SoftirqPct  float64 `json:"softirq_pct"`

	BWRxMbps    float64 `json:"bw_rx_mbps"`
	BWTxMbps    float64 `json:"bw_tx_mbps"`
	BWTotalMbps float64 `json:"bw_total_mbps"`

	PPSRx    int64 `json:"pps_rx"`
	PPSTx    int64 `json:"pps_tx"`
	PPSTotal int64 `json:"pps_total"`

	ConnEstRateS      int64   `json:"conn_est_rate_s"`
	ActiveConns       int64   `json:"active_conns"`
	ConntrackUsagePct float64 `json:"conntrack_usage_pct"`

	RxDropped int64 `json:"rx_dropped"`
	TxDropped int64 `json:"tx_dropped"`

	LatencyP50MS  float64 `json:"latency_p50_ms"`
	LatencyP95MS  float64 `json:"latency_p95_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}

// MemUsagePct derives memory utilisation from the reported totals.
func (h Heartbeat) MemUsagePct() float64 {
	if h.MemTotalMB <= 0 {
		return 0
	}
	return float64(h.MemTotalMB-h.MemFreeMB) * 100.0 / float64(h.MemTotalMB)
}
