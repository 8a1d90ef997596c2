package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

type (
	// Message is one chat message sent to a model.
	Message struct {
		Role    string
		Content string
	}

	wireDecision struct {
		Action    string          `json:"action"`
		Tool      string          `json:"tool"`
		Namespace string          `json:"namespace_id"`
		Args      json.RawMessage `json:"args"`
		Reasoning string          `json:"reasoning"`
		Response  string          `json:"response"`
		Message   string          `json:"message"`
	}
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultFarewell = "Goodbye!"

// actionUseRemoteTool is accepted as use_tool. Its namespace_id qualifies
// the tool name.
const actionUseRemoteTool = "use_remote_tool"

// SystemPrompt renders the instructions and the tool inventory of a turn.
func SystemPrompt(summaries []tools.Summary) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant with tools.\n\nAvailable tools:\n")
	if len(summaries) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range summaries {
		fmt.Fprintf(&b, "- %s: %s", s.Name, s.Description)
		if len(s.Schema) > 0 {
			fmt.Fprintf(&b, " Arguments schema: %s", compact(s.Schema))
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Respond with a single JSON object:
- To use a tool: {"action": "use_tool", "tool": "<name>", "args": {...}, "reasoning": "<why>"}
- To respond: {"action": "respond", "response": "<your response>"}
- To end the chat: {"action": "done", "response": "<goodbye message>"}
Use a tool name exactly as listed.`)
	return b.String()
}

// Messages renders the chat sent to a model: the system prompt followed by
// the history. Tool results are presented as user messages.
func Messages(in *api.PlanInput) []Message {
	out := make([]Message, 0, len(in.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: SystemPrompt(in.Tools)})
	for _, m := range in.Messages {
		role := RoleUser
		if m.Role == api.RoleAssistant {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	return out
}

// ParseDecision decodes a model reply. An absent action means respond and the
// reply text may be carried in "response" or "message". A namespace_id
// qualifies the tool name. Replies that cannot
// be understood are transient PlanningFailed errors so the call is retried.
func ParseDecision(content string) (*api.PlanDecision, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var w wireDecision
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindTransient, "model reply is not a JSON object", err)
	}
	text := w.Response
	if text == "" {
		text = w.Message
	}
	d := &api.PlanDecision{Reasoning: w.Reasoning}
	if w.Action == actionUseRemoteTool {
		w.Action = string(api.ActionUseTool)
	}
	switch api.Action(w.Action) {
	case api.ActionUseTool:
		d.Action = api.ActionUseTool
		d.Tool = qualify(w.Namespace, w.Tool)
		d.Args = w.Args
		if len(bytes.TrimSpace(d.Args)) == 0 || bytes.Equal(bytes.TrimSpace(d.Args), []byte("null")) {
			d.Args = json.RawMessage(`{}`)
		}
	case api.ActionDone:
		d.Action = api.ActionDone
		d.Response = text
		if d.Response == "" {
			d.Response = defaultFarewell
		}
	case api.ActionRespond, "":
		d.Action = api.ActionRespond
		d.Response = text
		if d.Response == "" {
			d.Response = raw
		}
	default:
		return nil, toolerrors.Errorf(toolerrors.CodePlanningFailed, toolerrors.KindTransient, "model chose unknown action %q", w.Action)
	}
	if err := d.Validate(); err != nil {
		return nil, toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindTransient, "", err)
	}
	return d, nil
}

// qualify prefixes name with ns unless name is already qualified.
func qualify(ns, name string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" || name == "" || ns == tools.LocalNamespace || strings.HasPrefix(name, ns+".") {
		return name
	}
	return ns + "." + name
}

func compact(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
