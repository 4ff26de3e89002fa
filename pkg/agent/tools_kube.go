package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// CommandSender routes a command to a team's connected in-cluster
// agent and waits for its response. *gateway.Server satisfies it.
type CommandSender interface {
	SendCommand(ctx context.Context, org, team, command string, params map[string]any) (json.RawMessage, error)
	Connected(org, team string) bool
}

// KubeCommands is the closed set of commands the in-cluster executor
// accepts. The gateway server and the agent executor share this list.
var KubeCommands = []string{
	"list_pods",
	"get_pod_logs",
	"describe_pod",
	"get_pod_events",
	"describe_deployment",
	"list_namespaces",
}

var kubeToolDocs = map[string]struct{ description, schema string }{
	"list_pods": {
		"List pods in a namespace with phase, restarts and age.",
		`{"type":"object","properties":{"namespace":{"type":"string","description":"Namespace to list; defaults to the team namespace."}},"required":[]}`,
	},
	"get_pod_logs": {
		"Fetch recent logs from one pod container.",
		`{"type":"object","properties":{"namespace":{"type":"string"},"pod":{"type":"string"},"container":{"type":"string"},"tail_lines":{"type":"integer","description":"Number of trailing lines, default 100."}},"required":["pod"]}`,
	},
	"describe_pod": {
		"Describe one pod: spec summary, conditions, container statuses.",
		`{"type":"object","properties":{"namespace":{"type":"string"},"pod":{"type":"string"}},"required":["pod"]}`,
	},
	"get_pod_events": {
		"List recent events involving one pod.",
		`{"type":"object","properties":{"namespace":{"type":"string"},"pod":{"type":"string"}},"required":["pod"]}`,
	},
	"describe_deployment": {
		"Describe one deployment: replicas, strategy, conditions.",
		`{"type":"object","properties":{"namespace":{"type":"string"},"deployment":{"type":"string"}},"required":["deployment"]}`,
	},
	"list_namespaces": {
		"List namespaces visible to the in-cluster agent.",
		`{"type":"object","properties":{},"required":[]}`,
	},
}

// KubeTool proxies one Kubernetes command through the SSE gateway to
// the team's cluster.
type KubeTool struct {
	command string
	org     string
	team    string
	sender  CommandSender
}

// KubeTools builds the full Kubernetes toolset for one team.
func KubeTools(org, team string, sender CommandSender) []ToolHandler {
	tools := make([]ToolHandler, 0, len(KubeCommands))
	for _, cmd := range KubeCommands {
		tools = append(tools, &KubeTool{command: cmd, org: org, team: team, sender: sender})
	}
	return tools
}

func (t *KubeTool) Name() string { return t.command }

func (t *KubeTool) Description() string { return kubeToolDocs[t.command].description }

func (t *KubeTool) Schema() json.RawMessage {
	return json.RawMessage(kubeToolDocs[t.command].schema)
}

// Execute sends the command over the gateway and returns the cluster's
// JSON result verbatim.
func (t *KubeTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	if t.sender == nil || !t.sender.Connected(t.org, t.team) {
		return "", fmt.Errorf("cluster not connected")
	}

	var params map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid %s input: %w", t.command, err)
		}
	}

	result, err := t.sender.SendCommand(ctx, t.org, t.team, t.command, params)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", t.command, err)
	}
	return string(result), nil
}
