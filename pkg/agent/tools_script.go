package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const scriptTimeout = 60 * time.Second

// maxScriptOutput bounds captured stdout+stderr so a chatty script
// cannot blow up the conversation.
const maxScriptOutput = 64 * 1024

// ScriptTool runs allow-listed diagnostic scripts from a fixed
// directory. Only plain names resolve; anything path-like is refused.
type ScriptTool struct {
	dir string
}

// NewScriptTool exposes the executables directly under dir.
func NewScriptTool(dir string) *ScriptTool { return &ScriptTool{dir: dir} }

func (t *ScriptTool) Name() string { return "run_script" }

func (t *ScriptTool) Description() string {
	return "Run one of the pre-installed diagnostic scripts with optional arguments."
}

func (t *ScriptTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Script file name, no path."},"args":{"type":"array","items":{"type":"string"}}},"required":["name"]}`)
}

func (t *ScriptTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var req struct {
		Name string   `json:"name"`
		Args []string `json:"args"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return "", fmt.Errorf("invalid run_script input: %w", err)
	}

	path, err := t.resolve(req.Name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, req.Args...)
	cmd.Dir = t.dir
	out, err := cmd.CombinedOutput()
	if len(out) > maxScriptOutput {
		out = out[:maxScriptOutput]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("script %s timed out after %s", req.Name, scriptTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("script %s failed: %v\n%s", req.Name, err, out)
	}
	return string(out), nil
}

// resolve validates the name against the allow list: a plain file name
// of an executable regular file directly under the script directory.
func (t *ScriptTool) resolve(name string) (string, error) {
	if t.dir == "" {
		return "", fmt.Errorf("no scripts configured")
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid script name %q", name)
	}

	path := filepath.Join(t.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("unknown script %q", name)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("script %q is not executable", name)
	}
	return path, nil
}
