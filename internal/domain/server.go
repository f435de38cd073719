package domain

import "time"

// Server is the registry entry for one edge node. Exactly one row exists
// per server_id; it is created implicitly on the first heartbeat and
// updated on every subsequent one. LastSeenAt never moves backwards.
type Server struct {
	ServerID      string     `json:"server_id"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
	LastHeartbeat *Heartbeat `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatsSummary aggregates a server's heartbeat history: the latest sample
// plus averages over a bounded window of the most recent samples.
type StatsSummary struct {
	ServerID       string     `json:"server_id"`
	HeartbeatCount int64      `json:"heartbeat_count"`
	WindowSamples  int        `json:"window_samples"`
	Latest         *Heartbeat `json:"latest"`

	AvgCPUPct       float64 `json:"avg_cpu_pct"`
	AvgMemUsagePct  float64 `json:"avg_mem_usage_pct"`
	AvgBWRxMbps     float64 `json:"avg_bw_rx_mbps"`
	AvgBWTxMbps     float64 `json:"avg_bw_tx_mbps"`
	AvgBWTotalMbps  float64 `json:"avg_bw_total_mbps"`
	AvgLatencyP50MS float64 `json:"avg_latency_p50_ms"`
	AvgLatencyP95MS float64 `json:"avg_latency_p95_ms"`
	MaxPacketLoss   float64 `json:"max_packet_loss_pct"`
}
