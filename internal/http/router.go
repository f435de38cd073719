package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgewatch/heartbeat/internal/repository"
	"github.com/edgewatch/heartbeat/internal/service/ingest"
	"github.com/edgewatch/heartbeat/internal/service/monitor"
	"github.com/edgewatch/heartbeat/internal/service/tasks"
	"github.com/edgewatch/heartbeat/internal/ws"
)

const (
	serviceVersion = "1.0.0"

	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 240
	rateLimitRead      = 120
	rateLimitTaskWrite = 60
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	guard    Guard
	ingest   *ingest.Service
	monitor  *monitor.Service
	tasks    *tasks.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, guard Guard, ingestSvc *ingest.Service, monitorSvc *monitor.Service, taskSvc *tasks.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		guard:   guard,
		ingest:  ingestSvc,
		monitor: monitorSvc,
		tasks:   taskSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/", r.audit("root", r.handleRoot))
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/heartbeat", r.audit("heartbeat", r.requireAuth(r.withRateLimit("heartbeat", rateLimitIngest, rateWindowDefault, r.handleHeartbeat))))
	r.mux.HandleFunc("/servers", r.audit("servers", r.requireAuth(r.withRateLimit("servers", rateLimitRead, rateWindowDefault, r.handleServers))))
	r.mux.HandleFunc("/servers/", r.audit("servers", r.requireAuth(r.withRateLimit("servers", rateLimitRead, rateWindowDefault, r.handleServerSubroutes))))
	r.mux.HandleFunc("/tasks", r.audit("tasks", r.requireAuth(r.withRateLimit("tasks", rateLimitTaskWrite, rateWindowDefault, r.handleTasks))))
	r.mux.HandleFunc("/tasks/", r.audit("tasks", r.requireAuth(r.withRateLimit("tasks", rateLimitTaskWrite, rateWindowDefault, r.handleTaskSubroutes))))
	r.mux.HandleFunc("/ws/heartbeats", r.audit("stream", r.requireAuth(r.withRateLimit("stream", rateLimitStream, rateWindowRealtime, r.handleHeartbeatStream))))
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "heartbeat central server",
		"version": serviceVersion,
		"status":  "running",
	})
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload ingest.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hb, err := r.ingest.Submit(req.Context(), payload)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "heartbeat received",
		"heartbeat_id": hb.ID,
	})
}

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	servers, err := r.monitor.ListServers(req.Context())
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (r *Router) handleServerSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/servers/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	serverID := parts[0]
	switch parts[1] {
	case "stats":
		r.handleServerStats(w, req, serverID)
	case "heartbeats":
		r.handleServerHeartbeats(w, req, serverID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleServerStats(w http.ResponseWriter, req *http.Request, serverID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.monitor.Stats(req.Context(), serverID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleServerHeartbeats(w http.ResponseWriter, req *http.Request, serverID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	var before time.Time
	if raw := strings.TrimSpace(req.URL.Query().Get("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeFieldErrors(w, []string{"before"})
			return
		}
		before = parsed.UTC()
	}
	page, err := r.monitor.ListHeartbeats(req.Context(), serverID, before, limit)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleTasks(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		claimed, err := r.tasks.Claim(req.Context(), req.URL.Query().Get("server_id"))
		if err != nil {
			r.respondError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, claimed)
	case http.MethodPost:
		var payload struct {
			ServerID string          `json:"server_id"`
			Type     string          `json:"type"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		task, err := r.tasks.Enqueue(req.Context(), payload.ServerID, payload.Type, payload.Payload)
		if err != nil {
			if errors.Is(err, repository.ErrUnavailable) {
				r.respondError(w, req, err)
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTaskSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "ack" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.tasks.Ack(req.Context(), parts[0], payload.Status); err != nil {
		if errors.Is(err, tasks.ErrInvalidAckStatus) {
			writeFieldErrors(w, []string{"status"})
			return
		}
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleHeartbeatStream(w http.ResponseWriter, req *http.Request) {
	serverID := strings.TrimSpace(req.URL.Query().Get("server_id"))
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "server_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(serverID, client)
	go func() {
		defer func() {
			r.hub.Unregister(serverID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// respondError maps service and repository failures onto the API error
// taxonomy. Unexpected faults are logged in full and returned generic.
func (r *Router) respondError(w http.ResponseWriter, req *http.Request, err error) {
	var invalid *ingest.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeFieldErrors(w, invalid.Fields)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrUnavailable):
		r.logger.Error("storage unavailable", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "method", req.Method, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
