package runner

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

// ExtractToolCalls builds one record per tool-step status event, in stream
// order. Malformed args or durations are dropped rather than failing the job.
func ExtractToolCalls(events []stream.Event) []model.ToolCallRecord {
	var out []model.ToolCallRecord
	for _, ev := range events {
		if !ev.IsToolCall() {
			continue
		}
		rec := model.ToolCallRecord{
			ToolName:  strings.TrimPrefix(ev.Step, stream.ToolStepPrefix),
			Arguments: map[string]any{},
			Result:    ev.Detail,
			Status:    model.ToolCallStatusSuccess,
			CreatedAt: ev.Timestamp,
		}
		if raw := ev.Extra[stream.ExtraArgs]; raw != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
				rec.Arguments = args
			}
		}
		if raw := ev.Extra[stream.ExtraDurationMs]; raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				rec.DurationMs = &ms
			}
		}
		out = append(out, rec)
	}
	return out
}
