package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Toolset is the set of tools offered during a loop.
type Toolset interface {
	Definitions() []ToolDef
	// Call runs a tool. A non-nil error is reported back to the model as
	// the tool's output rather than aborting the loop.
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ErrNoClient is returned by RunLoop when no model client is configured.
var ErrNoClient = errors.New("llm: no client configured")

// LoopResult is the outcome of RunLoop.
type LoopResult struct {
	Text  string
	Steps int
}

// RunLoop alternates model turns and tool calls until the model answers
// without tool calls or maxSteps model turns have run. The final assistant
// text is returned; hitting the step limit is not an error.
func RunLoop(ctx context.Context, client Client, model string, messages []Message, tools Toolset, maxSteps int) (LoopResult, error) {
	if client == nil {
		return LoopResult{}, ErrNoClient
	}
	var defs []ToolDef
	if tools != nil {
		defs = tools.Definitions()
	}
	convo := append([]Message(nil), messages...)

	var last string
	for step := 1; step <= maxSteps; step++ {
		resp, err := client.Complete(ctx, Request{Model: model, Messages: convo, Tools: defs})
		if err != nil {
			return LoopResult{Text: last, Steps: step}, fmt.Errorf("llm: step %d: %w", step, err)
		}
		msg := resp.Message
		msg.Role = RoleAssistant
		if msg.Content != "" {
			last = msg.Content
		}
		convo = append(convo, msg)

		if len(msg.ToolCalls) == 0 || tools == nil {
			return LoopResult{Text: last, Steps: step}, nil
		}
		for _, tc := range msg.ToolCalls {
			out, err := tools.Call(ctx, tc.Name, tc.Arguments)
			if err != nil {
				if ctx.Err() != nil {
					return LoopResult{Text: last, Steps: step}, ctx.Err()
				}
				out = "error: " + err.Error()
			}
			convo = append(convo, Message{Role: RoleTool, ToolCallID: tc.ID, Content: out})
		}
	}
	return LoopResult{Text: last, Steps: maxSteps}, nil
}

// titleMaxLen bounds generated and fallback titles.
const titleMaxLen = 60

// Title asks the model for a short workspace title. Any failure falls back
// to a truncation of message.
func Title(ctx context.Context, client Client, model, message string) string {
	fallback := Truncate(strings.Join(strings.Fields(message), " "), titleMaxLen)
	if client == nil {
		return fallback
	}
	temp := 0.2
	resp, err := client.Complete(ctx, Request{
		Model: model,
		Messages: []Message{
			{Role: RoleSystem, Content: "Write a title of at most six words for the coding task below. Reply with the title only, no quotes or punctuation at the end."},
			{Role: RoleUser, Content: message},
		},
		MaxTokens:   32,
		Temperature: &temp,
	})
	if err != nil {
		return fallback
	}
	title := strings.Trim(strings.TrimSpace(resp.Message.Content), `"'`)
	if title == "" {
		return fallback
	}
	return Truncate(title, titleMaxLen)
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
