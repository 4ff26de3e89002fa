// Package gateway implements the SSE command channel between the
// control plane and in-cluster agents. The server side keeps one
// long-lived event stream per (org, team) cluster, pushes commands down
// it and correlates the responses the agent POSTs back; the client side
// maintains the connection with capped exponential backoff and executes
// commands against the local Kubernetes API.
package gateway

import (
	"encoding/json"
	"time"
)

// SSE event names sent on the connect stream.
const (
	EventConnected = "connected"
	EventCommand   = "command"
	EventHeartbeat = "heartbeat"
)

// Command is one operation pushed to a cluster agent.
type Command struct {
	RequestID string         `json:"request_id"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
}

// Connected acknowledges a fresh stream. The agent creates its health
// file on receipt.
type Connected struct {
	ClusterID string `json:"cluster_id"`
	Message   string `json:"message"`
}

// Heartbeat is the periodic keepalive payload. Agents observe it only.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// CommandResponse is the agent's answer to one Command, POSTed to
// /gateway/agent/response/{request_id}.
type CommandResponse struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}
