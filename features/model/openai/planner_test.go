package openai_test

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openaiplanner "goa.design/agentloop/features/model/openai"
	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

type mockChatClient struct {
	request  openai.ChatCompletionRequest
	response openai.ChatCompletionResponse
	err      error
}

func (m *mockChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.request = req
	return m.response, m.err
}

func reply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: "assistant", Content: content},
	}}}
}

func planInput() *api.PlanInput {
	return &api.PlanInput{
		StepID:   api.StepID{SessionID: "s1", Turn: 1, Step: 1},
		Messages: []api.Message{{Role: api.RoleUser, Content: "What is 15 * 23?", Turn: 1}},
		Tools:    []tools.Summary{{Name: "calculator", Description: "Evaluates arithmetic"}},
	}
}

func TestPlanRequestsJSONAndParsesDecision(t *testing.T) {
	mock := &mockChatClient{response: reply(`{"action":"use_tool","tool":"calculator","args":{"expr":"15*23"}}`)}
	p, err := openaiplanner.New(openaiplanner.Options{Client: mock, Model: "gpt-4o-mini"})
	require.NoError(t, err)

	d, err := p.Plan(context.Background(), planInput())
	require.NoError(t, err)
	assert.Equal(t, api.ActionUseTool, d.Action)
	assert.Equal(t, "calculator", d.Tool)

	require.NotNil(t, mock.request.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, mock.request.ResponseFormat.Type)
	require.Len(t, mock.request.Messages, 2)
	assert.Equal(t, "system", mock.request.Messages[0].Role)
	assert.Equal(t, "What is 15 * 23?", mock.request.Messages[1].Content)
}

func TestPlanClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{429, true},
		{503, true},
		{400, false},
		{401, false},
	}
	for _, tc := range cases {
		mock := &mockChatClient{err: &openai.APIError{HTTPStatusCode: tc.status, Message: "nope"}}
		p, err := openaiplanner.New(openaiplanner.Options{Client: mock, Model: "m"})
		require.NoError(t, err)
		_, err = p.Plan(context.Background(), planInput())
		te := toolerrors.Classify(err)
		assert.Equal(t, toolerrors.CodePlanningFailed, te.Code, tc.status)
		assert.Equal(t, tc.retryable, te.Retryable(), tc.status)
	}
}

func TestPlanNetworkFailureIsTransient(t *testing.T) {
	mock := &mockChatClient{err: errors.New("dial tcp: connection refused")}
	p, err := openaiplanner.New(openaiplanner.Options{Client: mock, Model: "m"})
	require.NoError(t, err)
	_, err = p.Plan(context.Background(), planInput())
	assert.True(t, toolerrors.Classify(err).Retryable())
}

func TestPlanEmptyChoicesIsTransient(t *testing.T) {
	p, err := openaiplanner.New(openaiplanner.Options{Client: &mockChatClient{}, Model: "m"})
	require.NoError(t, err)
	_, err = p.Plan(context.Background(), planInput())
	assert.True(t, toolerrors.Classify(err).Retryable())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openaiplanner.New(openaiplanner.Options{Model: "m"})
	require.Error(t, err)
	_, err = openaiplanner.New(openaiplanner.Options{Client: &mockChatClient{}})
	require.Error(t, err)
	assert.True(t, openaiplanner.IsRateLimited(&openai.APIError{HTTPStatusCode: 429}))
}
