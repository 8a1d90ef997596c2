package runtime

import (
	"strings"

	"goa.design/agentloop/runtime/agent/api"
)

// RenderTranscript renders history for humans, one "Role: content" line per
// entry. Tool results and the assistant's tool narration are omitted.
func RenderTranscript(history []api.Message) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role == api.RoleTool {
			continue
		}
		if strings.HasPrefix(m.Content, "I'll use the") || strings.HasPrefix(m.Content, "Tool result:") {
			continue
		}
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func roleLabel(r api.Role) string {
	s := string(r)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
