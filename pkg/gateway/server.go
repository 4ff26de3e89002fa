package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/config"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultCommandTimeout    = 15 * time.Second

	// commandBuffer absorbs short dispatch bursts per connection.
	commandBuffer = 8
)

type clusterKey struct {
	org  string
	team string
}

func (k clusterKey) String() string { return k.org + "/" + k.team }

// connection is one live agent stream. done is closed when the
// connection is replaced, telling the old write loop to exit.
type connection struct {
	key         clusterKey
	commands    chan Command
	done        chan struct{}
	connectedAt time.Time

	mu        sync.Mutex
	lastEvent time.Time
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastEvent = time.Now().UTC()
	c.mu.Unlock()
}

func (c *connection) lastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// ClusterStatus describes one connected cluster for the health surface.
type ClusterStatus struct {
	Org         string    `json:"org"`
	Team        string    `json:"team"`
	ConnectedAt time.Time `json:"connected_at"`
	LastEventAt time.Time `json:"last_event_at"`
}

// Server is the control-plane side of the gateway. It satisfies the API
// server's GatewayHandlers and the session runtime's CommandSender.
type Server struct {
	heartbeatInterval time.Duration
	commandTimeout    time.Duration
	tokens            map[string]clusterKey
	logger            *slog.Logger

	mu       sync.Mutex
	clusters map[clusterKey]*connection
	waiters  map[string]chan CommandResponse
}

// NewServer builds the gateway from config. Cluster credentials come
// from the env var named by cfg.TokensEnv as comma-separated
// org/team:token entries; an empty set is valid and simply refuses all
// connections.
func NewServer(cfg config.GatewayConfig) (*Server, error) {
	tokens, err := parseClusterTokens(os.Getenv(cfg.TokensEnv))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.TokensEnv, err)
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Server{
		heartbeatInterval: heartbeat,
		commandTimeout:    timeout,
		tokens:            tokens,
		logger:            slog.Default().With("component", "gateway"),
		clusters:          make(map[clusterKey]*connection),
		waiters:           make(map[string]chan CommandResponse),
	}, nil
}

// parseClusterTokens reads "org/team:token" entries separated by
// commas. Tokens are the map key so the connect handler can resolve the
// cluster in one lookup.
func parseClusterTokens(raw string) (map[string]clusterKey, error) {
	tokens := make(map[string]clusterKey)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ident, token, ok := strings.Cut(entry, ":")
		if !ok || token == "" {
			return nil, fmt.Errorf("malformed entry %q, want org/team:token", entry)
		}
		org, team, ok := strings.Cut(ident, "/")
		if !ok || org == "" || team == "" {
			return nil, fmt.Errorf("malformed cluster identifier %q, want org/team", ident)
		}
		tokens[token] = clusterKey{org: org, team: team}
	}
	return tokens, nil
}

// Connect handles GET /gateway/agent/connect: it authenticates the
// bearer token, replaces any previous stream for the cluster and runs
// the SSE write loop until the agent disconnects or is superseded.
func (s *Server) Connect(c *echo.Context) error {
	key, ok := s.tokens[bearerToken(c.Request())]
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid gateway token")
	}

	rw := http.ResponseWriter(c.Response())
	rc := http.NewResponseController(rw)

	conn := s.register(key)
	defer s.unregister(key, conn)

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	s.logger.Info("Cluster agent connected",
		"cluster", key.String(),
		"agent_version", c.QueryParam("agent_version"),
		"kubernetes_version", c.QueryParam("kubernetes_version"))

	if err := writeEvent(rw, rc, EventConnected, Connected{
		ClusterID: key.String(),
		Message:   "gateway connection established",
	}); err != nil {
		return nil
	}
	conn.touch()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cluster agent disconnected", "cluster", key.String())
			return nil
		case <-conn.done:
			s.logger.Info("Cluster connection replaced", "cluster", key.String())
			return nil
		case cmd := <-conn.commands:
			if err := writeEvent(rw, rc, EventCommand, cmd); err != nil {
				s.logger.Warn("Gateway write failed",
					"cluster", key.String(), "request_id", cmd.RequestID, "error", err)
				return nil
			}
			conn.touch()
		case <-heartbeat.C:
			if err := writeEvent(rw, rc, EventHeartbeat, Heartbeat{Timestamp: time.Now().UTC()}); err != nil {
				return nil
			}
			conn.touch()
		}
	}
}

// Response handles POST /gateway/agent/response/:request_id and routes
// the payload to the waiting SendCommand, if any is still waiting.
func (s *Server) Response(c *echo.Context) error {
	if _, ok := s.tokens[bearerToken(c.Request())]; !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid gateway token")
	}
	requestID := c.Param("request_id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request id is required")
	}

	var resp CommandResponse
	if err := c.Bind(&resp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp.RequestID = requestID

	s.mu.Lock()
	waiter := s.waiters[requestID]
	delete(s.waiters, requestID)
	s.mu.Unlock()
	if waiter == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no pending command for request id")
	}
	waiter <- resp
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// SendCommand pushes one command to the cluster's stream and blocks for
// the correlated response, bounded by the command timeout.
func (s *Server) SendCommand(ctx context.Context, org, team, command string, params map[string]any) (json.RawMessage, error) {
	key := clusterKey{org: org, team: team}
	s.mu.Lock()
	conn := s.clusters[key]
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("no cluster agent connected for %s", key)
	}

	requestID := uuid.NewString()
	waiter := make(chan CommandResponse, 1)
	s.mu.Lock()
	s.waiters[requestID] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
	}()

	select {
	case conn.commands <- Command{RequestID: requestID, Command: command, Params: params}:
	case <-conn.done:
		return nil, fmt.Errorf("cluster agent for %s disconnected", key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		if !resp.OK {
			return nil, fmt.Errorf("command %s failed in cluster %s: %s", command, key, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("command %s to %s timed out after %s", command, key, s.commandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether the cluster currently holds a live stream.
func (s *Server) Connected(org, team string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusters[clusterKey{org: org, team: team}] != nil
}

// Clusters lists the connected clusters for the health surface.
func (s *Server) Clusters() []ClusterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClusterStatus, 0, len(s.clusters))
	for key, conn := range s.clusters {
		out = append(out, ClusterStatus{
			Org:         key.org,
			Team:        key.team,
			ConnectedAt: conn.connectedAt,
			LastEventAt: conn.lastEventAt(),
		})
	}
	return out
}

// register installs a fresh connection, closing any previous stream for
// the same cluster.
func (s *Server) register(key clusterKey) *connection {
	conn := &connection{
		key:         key,
		commands:    make(chan Command, commandBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	if old := s.clusters[key]; old != nil {
		close(old.done)
	}
	s.clusters[key] = conn
	s.mu.Unlock()
	return conn
}

func (s *Server) unregister(key clusterKey, conn *connection) {
	s.mu.Lock()
	if s.clusters[key] == conn {
		delete(s.clusters, key)
	}
	s.mu.Unlock()
}

func writeEvent(w io.Writer, rc *http.ResponseController, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return rc.Flush()
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
