// Package tools defines the tools offered to the self-hosted agent. Tools are
// declared as MCP tool definitions so the same schemas serve the LLM loop
// and MCP clients; each call is reported on the agent's status stream.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Bardemic/codee-sub000/internal/environment"
	"github.com/Bardemic/codee-sub000/internal/llm"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

// maxOutput bounds tool output handed back to the model.
const maxOutput = 32 * 1024

// StatusEmitter reports progress events. stream.Emitter satisfies it.
type StatusEmitter interface {
	Status(ctx context.Context, phase, step, detail string, extra map[string]string) string
}

// Handler runs a tool and returns its output plus a short human-readable
// detail for the status stream.
type Handler func(ctx context.Context, req mcplib.CallToolRequest) (output, detail string, err error)

type entry struct {
	tool    mcplib.Tool
	handler Handler
}

// Set is an ordered collection of tools bound to one agent run.
type Set struct {
	entries []entry
	byName  map[string]int
	emitter StatusEmitter
	logger  *slog.Logger
}

// NewSet creates an empty Set reporting through emitter.
func NewSet(emitter StatusEmitter, logger *slog.Logger) *Set {
	return &Set{byName: make(map[string]int), emitter: emitter, logger: logger}
}

// Add registers a tool. A later tool with the same name replaces the earlier one.
func (s *Set) Add(tool mcplib.Tool, h Handler) {
	if i, ok := s.byName[tool.Name]; ok {
		s.entries[i] = entry{tool: tool, handler: h}
		return
	}
	s.byName[tool.Name] = len(s.entries)
	s.entries = append(s.entries, entry{tool: tool, handler: h})
}

// Names lists registered tool names in registration order.
func (s *Set) Names() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.tool.Name
	}
	return out
}

// Tools returns the MCP definitions.
func (s *Set) Tools() []mcplib.Tool {
	out := make([]mcplib.Tool, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.tool
	}
	return out
}

// Definitions converts the MCP definitions into LLM function definitions.
func (s *Set) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(s.entries))
	for _, e := range s.entries {
		params, err := json.Marshal(e.tool.InputSchema)
		if err != nil {
			s.logger.Warn("tools: marshal schema failed", "tool", e.tool.Name, "error", err)
			params = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, llm.ToolDef{Name: e.tool.Name, Description: e.tool.Description, Parameters: params})
	}
	return defs
}

// Call runs the named tool and emits status{running, tool_<name>} with the
// detail, the raw arguments and the duration.
func (s *Set) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	i, ok := s.byName[name]
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("tools: %s: invalid arguments: %w", name, err)
		}
	}
	if arguments == nil {
		arguments = map[string]any{}
		args = json.RawMessage("{}")
	}
	var req mcplib.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = arguments

	start := time.Now()
	output, detail, err := s.entries[i].handler(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	elapsed := time.Since(start)

	if s.emitter != nil {
		s.emitter.Status(ctx, "running", stream.ToolStepPrefix+name, detail, map[string]string{
			stream.ExtraArgs:       string(args),
			stream.ExtraDurationMs: strconv.FormatInt(elapsed.Milliseconds(), 10),
		})
	}
	return truncateOutput(output), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... [output truncated]"
}

// Options selects which tools Build assembles.
type Options struct {
	ToolSlugs    []string
	IsPrimaryRun bool
	// Spawn creates a sub-agent and returns its id. Required when IsPrimaryRun.
	Spawn func(ctx context.Context, prompt string) (int64, error)
}

// Build assembles the static sandbox tools, the tools for each known slug,
// and spawn_sub_agent for primary runs. Unknown slugs are ignored.
func Build(env environment.Environment, emitter StatusEmitter, opts Options, logger *slog.Logger) *Set {
	set := NewSet(emitter, logger)
	addSandboxTools(set, env)
	for _, slug := range opts.ToolSlugs {
		if build, ok := slugBuilders[slug]; ok {
			build(set, env)
		}
	}
	if opts.IsPrimaryRun && opts.Spawn != nil {
		addOrchestratorTools(set, opts.Spawn)
	}
	return set
}

// slugBuilders maps a selectable tool slug to the tools it contributes.
var slugBuilders = map[string]func(*Set, environment.Environment){
	SlugGitHubCommits: addCommitTools,
}

// KnownSlugs lists the tool slugs users may select.
func KnownSlugs() []string {
	out := make([]string, 0, len(slugBuilders))
	for slug := range slugBuilders {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// ValidateSlugs rejects any slug not in KnownSlugs.
func ValidateSlugs(slugs []string) error {
	var unknown []string
	for _, s := range slugs {
		if _, ok := slugBuilders[s]; !ok {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown tool slugs: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func textResult(res environment.Result) string {
	if res.OK() {
		return res.Stdout
	}
	return fmt.Sprintf("exit status %d\n%s%s", res.ExitCode, res.Stdout, res.Stderr)
}
