package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/edgewatch/heartbeat/internal/repository/memory"
	"github.com/edgewatch/heartbeat/internal/service/ingest"
	"github.com/edgewatch/heartbeat/internal/service/monitor"
	"github.com/edgewatch/heartbeat/internal/service/tasks"
	"github.com/edgewatch/heartbeat/internal/ws"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T) (*Router, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	router := NewRouter(
		logger,
		NewGuard(testSecret),
		ingest.New(store, hub, logger),
		monitor.New(store, store, logger, 0, 0, 0),
		tasks.New(store, logger, 0),
		hub,
		nil,
		nil,
	)
	t.Cleanup(router.Close)
	return router, store
}

func heartbeatBody(serverID, generatedAt string) []byte {
	payload := map[string]any{
		"server_id":           serverID,
		"generated_at":        generatedAt,
		"ready_at":            generatedAt,
		"iface":               "wg0",
		"ping_target":         "1.1.1.1",
		"uptime_s":            86400,
		"load1":               0.4,
		"mem_total_mb":        2048,
		"mem_free_mb":         512,
		"cpu_total_pct":       35.5,
		"softirq_pct":         2.0,
		"bw_rx_mbps":          120.0,
		"bw_tx_mbps":          80.0,
		"bw_total_mbps":       200.0,
		"pps_rx":              15000,
		"pps_tx":              12000,
		"pps_total":           27000,
		"conn_est_rate_s":     40,
		"active_conns":        950,
		"conntrack_usage_pct": 12.5,
		"rx_dropped":          0,
		"tx_dropped":          0,
		"latency_p50_ms":      8.2,
		"latency_p95_ms":      21.7,
		"packet_loss_pct":     0.1,
	}
	body, _ := json.Marshal(payload)
	return body
}

func doRequest(t *testing.T, router *Router, method, path string, body []byte, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRootEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "running" {
		t.Fatalf("unexpected root payload: %+v", body)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/healthz", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health payload: %+v", body)
	}
}

func TestHeartbeatRequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	body := heartbeatBody("edge-ams-1", "2026-01-10T12:00:00Z")

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + testSecret},
		{"wrong token", "Bearer nope"},
		{"wrong token same length", "Bearer test-secreX"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(body))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var resp map[string]string
			decodeBody(t, rec, &resp)
			if resp["error"] != "unauthorized" {
				t.Fatalf("unexpected error body: %+v", resp)
			}
		})
	}
}

func TestHeartbeatAccepted(t *testing.T) {
	router, store := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/heartbeat", heartbeatBody("edge-ams-1", "2026-01-10T12:00:00Z"), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success     bool   `json:"success"`
		Message     string `json:"message"`
		HeartbeatID int64  `json:"heartbeat_id"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.HeartbeatID == 0 {
		t.Fatalf("unexpected ingest response: %+v", resp)
	}

	srv, err := store.GetServer(context.Background(), "edge-ams-1")
	if err != nil {
		t.Fatalf("server not registered: %v", err)
	}
	want := time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)
	if !srv.FirstSeenAt.Equal(want) || !srv.LastSeenAt.Equal(want) {
		t.Fatalf("expected first/last seen %v, got %v / %v", want, srv.FirstSeenAt, srv.LastSeenAt)
	}
}

func TestHeartbeatValidationErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	body := heartbeatBody("edge-ams-1", "2026-01-10T12:00:00Z")
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	payload["cpu_total_pct"] = 150.0
	body, _ = json.Marshal(payload)

	rec := doRequest(t, router, http.MethodPost, "/heartbeat", body, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var resp struct {
		Error  string   `json:"error"`
		Fields []string `json:"fields"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Fields) != 1 || resp.Fields[0] != "cpu_total_pct" {
		t.Fatalf("expected cpu_total_pct violation, got %+v", resp)
	}
}

func TestHeartbeatMalformedJSON(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/heartbeat", []byte("{not json"), true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListServers(t *testing.T) {
	router, _ := newTestRouter(t)
	for i, id := range []string{"edge-a", "edge-b"} {
		at := fmt.Sprintf("2026-01-10T12:0%d:00Z", i)
		if rec := doRequest(t, router, http.MethodPost, "/heartbeat", heartbeatBody(id, at), true); rec.Code != http.StatusOK {
			t.Fatalf("seed heartbeat for %s: %d", id, rec.Code)
		}
	}

	rec := doRequest(t, router, http.MethodGet, "/servers", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var servers []struct {
		ServerID string `json:"server_id"`
	}
	decodeBody(t, rec, &servers)
	if len(servers) != 2 || servers[0].ServerID != "edge-b" {
		t.Fatalf("expected edge-b first, got %+v", servers)
	}
}

func TestServerStats(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/servers/edge-ams-1/stats", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown server, got %d", rec.Code)
	}

	if rec := doRequest(t, router, http.MethodPost, "/heartbeat", heartbeatBody("edge-ams-1", "2026-01-10T12:00:00Z"), true); rec.Code != http.StatusOK {
		t.Fatalf("seed heartbeat: %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/servers/edge-ams-1/stats", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary struct {
		ServerID       string  `json:"server_id"`
		HeartbeatCount int64   `json:"heartbeat_count"`
		AvgCPUPct      float64 `json:"avg_cpu_pct"`
		Latest         *struct {
			CPUTotalPct float64 `json:"cpu_total_pct"`
		} `json:"latest"`
	}
	decodeBody(t, rec, &summary)
	if summary.HeartbeatCount != 1 || summary.AvgCPUPct != 35.5 {
		t.Fatalf("unexpected stats: %+v", summary)
	}
	if summary.Latest == nil || summary.Latest.CPUTotalPct != 35.5 {
		t.Fatalf("expected latest to mirror the stored heartbeat, got %+v", summary.Latest)
	}
}

func TestServerHeartbeatsPagination(t *testing.T) {
	router, _ := newTestRouter(t)
	for i := 0; i < 3; i++ {
		at := fmt.Sprintf("2026-01-10T12:0%d:00Z", i)
		if rec := doRequest(t, router, http.MethodPost, "/heartbeat", heartbeatBody("edge-ams-1", at), true); rec.Code != http.StatusOK {
			t.Fatalf("seed heartbeat: %d", rec.Code)
		}
	}

	rec := doRequest(t, router, http.MethodGet, "/servers/edge-ams-1/heartbeats?limit=2", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Count      int `json:"count"`
		Heartbeats []struct {
			GeneratedAt time.Time `json:"generated_at"`
		} `json:"heartbeats"`
	}
	decodeBody(t, rec, &page)
	if page.Count != 2 {
		t.Fatalf("expected 2 rows, got %d", page.Count)
	}
	if !page.Heartbeats[0].GeneratedAt.After(page.Heartbeats[1].GeneratedAt) {
		t.Fatalf("expected newest-first ordering, got %+v", page.Heartbeats)
	}

	rec = doRequest(t, router, http.MethodGet, "/servers/edge-ams-1/heartbeats?before=garbage", nil, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad before, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/servers/edge-unknown/heartbeats", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown server, got %d", rec.Code)
	}
}

func TestTaskQueueRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"server_id": "edge-ams-1",
		"type":      "rotate-keys",
		"payload":   map[string]string{"keyset": "2026-03"},
	})
	rec := doRequest(t, router, http.MethodPost, "/tasks", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &created)
	if created.ID == "" || created.Status != "pending" {
		t.Fatalf("unexpected created task: %+v", created)
	}

	rec = doRequest(t, router, http.MethodGet, "/tasks?server_id=edge-ams-1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var claimed []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &claimed)
	if len(claimed) != 1 || claimed[0].ID != created.ID || claimed[0].Status != "delivered" {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	ack, _ := json.Marshal(map[string]string{"status": "done"})
	rec = doRequest(t, router, http.MethodPost, "/tasks/"+created.ID+"/ack", ack, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	badAck, _ := json.Marshal(map[string]string{"status": "pending"})
	rec = doRequest(t, router, http.MethodPost, "/tasks/"+created.ID+"/ack", badAck, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid ack status, got %d", rec.Code)
	}
}

func TestTaskEnqueueRejectsBlankServer(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{"server_id": "", "type": "noop"})
	rec := doRequest(t, router, http.MethodPost, "/tasks", body, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodDelete, "/servers", nil, true)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
