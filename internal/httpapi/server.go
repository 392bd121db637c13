package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/mappaturasmd/mappatura/internal/delivery"
	"github.com/mappaturasmd/mappatura/internal/plotindex"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

// Agent reports the state of the tick loop.
type Agent interface {
	Status() scheduler.Status
	Authorized() bool
}

type Queue interface {
	Snapshot() delivery.Snapshot
	Resubmit() int
}

type Index interface {
	Search(owner string) []plotindex.Entry
	Owners() []string
	Len() int
}

type Connection interface {
	Connected() bool
}

type ServerConfig struct {
	// AdminToken, when set, is required as a bearer token on /v1 routes.
	AdminToken string
	Metrics    http.Handler
}

type Server struct {
	agent Agent
	queue Queue
	index Index
	conn  Connection
	cfg   ServerConfig
}

type Dependencies struct {
	Agent      Agent
	Queue      Queue
	Index      Index
	Connection Connection
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	return &Server{
		agent: deps.Agent,
		queue: deps.Queue,
		index: deps.Index,
		conn:  deps.Connection,
		cfg:   cfg,
	}
}

type statusResponse struct {
	Running    bool             `json:"running"`
	Authorized bool             `json:"authorized"`
	Connected  bool             `json:"connected"`
	Pending    int              `json:"pending"`
	Abandoned  int              `json:"abandoned"`
	Indexed    int              `json:"indexed"`
	Scheduler  scheduler.Status `json:"scheduler"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/" || r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		route = "status"
	case r.URL.Path == "/v1/pending" && r.Method == http.MethodGet:
		route = "pending"
	case r.URL.Path == "/v1/pending/resubmit" && r.Method == http.MethodPost:
		route = "resubmit"
	case r.URL.Path == "/v1/index" && r.Method == http.MethodGet:
		route = "index"
	case r.URL.Path == "/v1/index/owners" && r.Method == http.MethodGet:
		route = "owners"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch route {
	case "status":
		s.handleStatus(w)
	case "pending":
		s.handlePending(w)
	case "resubmit":
		s.handleResubmit(w)
	case "index":
		s.handleIndex(w, r)
	case "owners":
		s.handleOwners(w)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := statusResponse{}
	if s.agent != nil {
		resp.Scheduler = s.agent.Status()
		resp.Running = resp.Scheduler.Running
		resp.Authorized = s.agent.Authorized()
	}
	if s.conn != nil {
		resp.Connected = s.conn.Connected()
	}
	if s.queue != nil {
		snapshot := s.queue.Snapshot()
		resp.Pending = len(snapshot.Pending)
		resp.Abandoned = len(snapshot.Abandoned)
	}
	if s.index != nil {
		resp.Indexed = s.index.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "delivery queue not configured")
		return
	}
	snapshot := s.queue.Snapshot()
	if snapshot.Pending == nil {
		snapshot.Pending = []delivery.PendingPlot{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleResubmit(w http.ResponseWriter) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "delivery queue not configured")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"resubmitted": s.queue.Resubmit()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "plot index not configured")
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing owner query parameter")
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 500, 1, 5000)
	entries := s.index.Search(owner)
	if entries == nil {
		entries = []plotindex.Entry{}
	}
	truncated := false
	if len(entries) > limit {
		entries = entries[:limit]
		truncated = true
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     owner,
		"entries":   entries,
		"truncated": truncated,
	})
}

func (s *Server) handleOwners(w http.ResponseWriter) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "plot index not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": s.index.Owners()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
