package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

// ToolHandler executes one tool on behalf of the model. Execute errors
// become error results returned to the model, never session errors.
type ToolHandler interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Dispatcher routes tool calls to registered handlers. AskUserQuestion
// and Task are session built-ins and never reach the dispatcher.
type Dispatcher struct {
	handlers map[string]ToolHandler
	logger   *slog.Logger
}

// NewDispatcher registers the given handlers by name.
func NewDispatcher(handlers ...ToolHandler) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]ToolHandler, len(handlers)),
		logger:   slog.Default().With("component", "tool-dispatcher"),
	}
	for _, h := range handlers {
		d.handlers[h.Name()] = h
	}
	return d
}

// Register adds or replaces one handler.
func (d *Dispatcher) Register(h ToolHandler) {
	d.handlers[h.Name()] = h
}

// Definitions renders the registered tools for the model.
func (d *Dispatcher) Definitions() []anthropic.ToolUnionParam {
	defs := make([]anthropic.ToolUnionParam, 0, len(d.handlers))
	for _, h := range d.handlers {
		defs = append(defs, toolDefinition(h.Name(), h.Description(), h.Schema()))
	}
	return defs
}

// Dispatch runs one tool call. Unknown tools and handler errors are
// reported to the model as failed results.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	h, ok := d.handlers[name]
	if !ok {
		return fmt.Sprintf("unknown tool: %s", name), false
	}

	start := time.Now()
	output, err := h.Execute(ctx, input)
	if err != nil {
		d.logger.Warn("Tool execution failed",
			"tool", name, "duration", time.Since(start), "error", err)
		return err.Error(), false
	}
	d.logger.Debug("Tool executed",
		"tool", name, "duration", time.Since(start), "output_bytes", len(output))
	return output, true
}

func toolDefinition(name, description string, schema json.RawMessage) anthropic.ToolUnionParam {
	var inputSchema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schema, &inputSchema); err != nil {
		// A handler with a broken schema still gets advertised with an
		// open object so the rest of the registry keeps working.
		inputSchema = anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	}
	def := anthropic.ToolUnionParamOfTool(inputSchema, name)
	if def.OfTool != nil {
		def.OfTool.Description = anthropic.String(description)
	}
	return def
}
