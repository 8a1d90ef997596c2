package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

func TestParseDecision(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    api.PlanDecision
	}{
		{
			name:    "use tool",
			content: `{"action":"use_tool","tool":"calculator","args":{"expr":"15*23"},"reasoning":"math"}`,
			want:    api.PlanDecision{Action: api.ActionUseTool, Tool: "calculator", Args: []byte(`{"expr":"15*23"}`), Reasoning: "math"},
		},
		{
			name:    "null args",
			content: `{"action":"use_tool","tool":"get_ip","args":null}`,
			want:    api.PlanDecision{Action: api.ActionUseTool, Tool: "get_ip", Args: []byte(`{}`)},
		},
		{
			name:    "remote tool alias",
			content: `{"action":"use_remote_tool","namespace_id":"Finance","tool":"roi","args":{"cost":10}}`,
			want:    api.PlanDecision{Action: api.ActionUseTool, Tool: "Finance.roi", Args: []byte(`{"cost":10}`)},
		},
		{
			name:    "already qualified",
			content: `{"action":"use_remote_tool","namespace_id":"IT","tool":"IT.get_ip"}`,
			want:    api.PlanDecision{Action: api.ActionUseTool, Tool: "IT.get_ip", Args: []byte(`{}`)},
		},
		{
			name:    "namespace on use tool",
			content: `{"action":"use_tool","namespace_id":"IT","tool":"get_ip"}`,
			want:    api.PlanDecision{Action: api.ActionUseTool, Tool: "IT.get_ip", Args: []byte(`{}`)},
		},
		{
			name:    "respond with message key",
			content: `{"action":"respond","message":"The result is 345.","tool":null,"args":{}}`,
			want:    api.PlanDecision{Action: api.ActionRespond, Response: "The result is 345."},
		},
		{
			name:    "fenced",
			content: "```json\n{\"action\":\"respond\",\"response\":\"hi\"}\n```",
			want:    api.PlanDecision{Action: api.ActionRespond, Response: "hi"},
		},
		{
			name:    "done defaults farewell",
			content: `{"action":"done"}`,
			want:    api.PlanDecision{Action: api.ActionDone, Response: "Goodbye!"},
		},
		{
			name:    "missing action responds",
			content: `{"response":"ok"}`,
			want:    api.PlanDecision{Action: api.ActionRespond, Response: "ok"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDecision(tc.content)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Action, got.Action)
			assert.Equal(t, tc.want.Tool, got.Tool)
			assert.Equal(t, tc.want.Response, got.Response)
			assert.Equal(t, tc.want.Reasoning, got.Reasoning)
			if tc.want.Args != nil {
				assert.JSONEq(t, string(tc.want.Args), string(got.Args))
			}
		})
	}
}

func TestParseDecisionRejectsGarbageAsTransient(t *testing.T) {
	for _, content := range []string{"not json", `{"action":"dance"}`, `{"action":"use_tool"}`} {
		_, err := ParseDecision(content)
		te := toolerrors.Classify(err)
		assert.Equal(t, toolerrors.CodePlanningFailed, te.Code, content)
		assert.True(t, te.Retryable(), content)
	}
}

func TestMessagesRenderSystemPromptAndHistory(t *testing.T) {
	msgs := Messages(&api.PlanInput{
		Messages: []api.Message{
			{Role: api.RoleUser, Content: "What is 15 * 23?"},
			{Role: api.RoleAssistant, Content: "I'll use the calculator tool: math"},
			{Role: api.RoleTool, Content: "Tool result: 345", Tool: "calculator"},
		},
		Tools: []tools.Summary{{Name: "calculator", Description: "Evaluates arithmetic", Schema: []byte(`{ "type": "object" }`)}},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, `- calculator: Evaluates arithmetic Arguments schema: {"type":"object"}`)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
	assert.Equal(t, RoleUser, msgs[3].Role)
}

func TestChainOrdersMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Planner) Planner {
			return Func(func(ctx context.Context, in *api.PlanInput) (*api.PlanDecision, error) {
				order = append(order, name)
				return next.Plan(ctx, in)
			})
		}
	}
	p := Chain(Mock{}, mw("outer"), mw("inner"))
	d, err := p.Plan(context.Background(), &api.PlanInput{})
	require.NoError(t, err)
	assert.Equal(t, "Mock response", d.Response)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
