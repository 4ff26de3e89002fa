package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/incidentfox/incidentfox/pkg/config"
)

const responsePostTimeout = 10 * time.Second

// CommandExecutor runs one gateway command locally. *KubeExecutor
// satisfies it.
type CommandExecutor interface {
	Execute(ctx context.Context, command string, params map[string]any) (json.RawMessage, error)
}

// Client is the in-cluster side of the gateway: it holds the SSE stream
// open, executes incoming commands off the read loop and POSTs results
// back. A running client never gives up; it reconnects with capped
// exponential backoff until its context is canceled.
type Client struct {
	cfg          config.AgentConfig
	token        string
	executor     CommandExecutor
	agentVersion string
	kubeVersion  string
	logger       *slog.Logger

	// stream carries the long-lived SSE connection and must not have a
	// client-level timeout; poster delivers responses and does.
	stream *http.Client
	poster *http.Client
}

// NewClient builds the gateway client. The token authenticates this
// cluster's (org, team) on the control plane.
func NewClient(cfg config.AgentConfig, token string, executor CommandExecutor, agentVersion, kubeVersion string) *Client {
	if executor == nil {
		panic("command executor cannot be nil")
	}
	return &Client{
		cfg:          cfg,
		token:        token,
		executor:     executor,
		agentVersion: agentVersion,
		kubeVersion:  kubeVersion,
		logger:       slog.Default().With("component", "gateway-client"),
		stream:       &http.Client{},
		poster:       &http.Client{Timeout: responsePostTimeout},
	}
}

func (c *Client) reconnect() config.ReconnectConfig {
	rc := config.ReconnectConfig{Initial: time.Second, Multiplier: 2, Max: 60 * time.Second}
	if c.cfg.Reconnect != nil {
		if c.cfg.Reconnect.Initial > 0 {
			rc.Initial = c.cfg.Reconnect.Initial
		}
		if c.cfg.Reconnect.Multiplier > 1 {
			rc.Multiplier = c.cfg.Reconnect.Multiplier
		}
		if c.cfg.Reconnect.Max > 0 {
			rc.Max = c.cfg.Reconnect.Max
		}
	}
	return rc
}

// Run connects and keeps reconnecting until ctx is canceled. The delay
// doubles per consecutive failure, capped at the maximum, and resets
// once a connection is acknowledged. The health file is removed on the
// way out so the liveness probe fails fast after shutdown.
func (c *Client) Run(ctx context.Context) error {
	defer c.removeHealthFile()

	rc := c.reconnect()
	delay := rc.Initial
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = rc.Initial
		}
		c.logger.Warn("Gateway stream ended, reconnecting", "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		next := time.Duration(float64(delay) * rc.Multiplier)
		if next > rc.Max {
			next = rc.Max
		}
		delay = next
	}
}

// connectOnce opens the stream and processes events until it breaks.
// The returned flag reports whether the server acknowledged the
// connection, which resets the backoff.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	connectURL := strings.TrimRight(c.cfg.ControlPlaneURL, "/") +
		"/gateway/agent/connect?agent_version=" + url.QueryEscape(c.agentVersion) +
		"&kubernetes_version=" + url.QueryEscape(c.kubeVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, connectURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	connected := false
	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			return connected, fmt.Errorf("read gateway stream: %w", err)
		}
		switch event {
		case EventConnected:
			var hello Connected
			_ = json.Unmarshal(data, &hello)
			c.logger.Info("Connected to gateway", "cluster_id", hello.ClusterID)
			c.touchHealthFile()
			connected = true
		case EventCommand:
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				c.logger.Error("Malformed command payload", "error", err)
				continue
			}
			// Execution happens off the read loop so a slow command
			// cannot stall heartbeat processing.
			go c.handleCommand(ctx, cmd)
		case EventHeartbeat:
			c.logger.Debug("Gateway heartbeat")
		default:
			c.logger.Debug("Ignoring unknown gateway event", "event", event)
		}
	}
}

// readSSEEvent accumulates one event: data frame. Comment lines are
// skipped; a blank line terminates the frame.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event != "" || data.Len() > 0 {
				return event, data.Bytes(), nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd Command) {
	timeout := c.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := c.executor.Execute(execCtx, cmd.Command, cmd.Params)
	resp := CommandResponse{RequestID: cmd.RequestID, OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
		c.logger.Warn("Command failed",
			"command", cmd.Command, "request_id", cmd.RequestID, "error", err)
	} else {
		c.logger.Info("Command executed",
			"command", cmd.Command, "request_id", cmd.RequestID, "duration", time.Since(started))
	}
	c.postResponse(ctx, resp)
}

// postResponse delivers one result. Delivery is best-effort: failures
// are logged and the command is not retried; the control plane owns
// timeout semantics.
func (c *Client) postResponse(ctx context.Context, resp CommandResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to encode command response", "request_id", resp.RequestID, "error", err)
		return
	}
	responseURL := strings.TrimRight(c.cfg.ControlPlaneURL, "/") + "/gateway/agent/response/" + resp.RequestID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("Failed to build response request", "request_id", resp.RequestID, "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.poster.Do(req)
	if err != nil {
		c.logger.Error("Failed to deliver command response", "request_id", resp.RequestID, "error", err)
		return
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("Gateway rejected command response",
			"request_id", resp.RequestID, "status", res.StatusCode)
	}
}

func (c *Client) touchHealthFile() {
	if c.cfg.HealthFile == "" {
		return
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(c.cfg.HealthFile, []byte(stamp), 0o644); err != nil {
		c.logger.Error("Failed to write health file", "path", c.cfg.HealthFile, "error", err)
	}
}

func (c *Client) removeHealthFile() {
	if c.cfg.HealthFile == "" {
		return
	}
	if err := os.Remove(c.cfg.HealthFile); err != nil && !os.IsNotExist(err) {
		c.logger.Error("Failed to remove health file", "path", c.cfg.HealthFile, "error", err)
	}
}
