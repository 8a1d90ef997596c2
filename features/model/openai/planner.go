// Package openai provides a planner.Planner backed by the OpenAI Chat
// Completions API (github.com/sashabaranov/go-openai). The model is asked for
// a JSON object following the planner protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/planner"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/toolerrors"
)

// ChatClient captures the subset of the go-openai client used by the planner.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the planner.
type Options struct {
	Client      ChatClient
	Model       string
	Temperature float32
	Logger      telemetry.Logger
}

// Planner plans turns with an OpenAI chat model.
type Planner struct {
	chat        ChatClient
	model       string
	temperature float32
	logger      telemetry.Logger
}

// New builds a planner from the provided options.
func New(opts Options) (*Planner, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Planner{chat: opts.Client, model: opts.Model, temperature: opts.Temperature, logger: logger}, nil
}

// NewFromAPIKey constructs a planner using the default go-openai HTTP client.
// baseURL overrides the API endpoint when non-empty (for compatible
// gateways).
func NewFromAPIKey(apiKey, baseURL, model string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: openai.NewClientWithConfig(cfg), Model: model})
}

// Plan asks the model for the next decision.
func (p *Planner) Plan(ctx context.Context, in *api.PlanInput) (*api.PlanDecision, error) {
	msgs := planner.Messages(in)
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
		Temperature: p.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := p.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, toolerrors.New(toolerrors.CodePlanningFailed, toolerrors.KindTransient, "model returned no choices")
	}
	content := resp.Choices[0].Message.Content
	d, err := planner.ParseDecision(content)
	if err != nil {
		p.logger.Warn(ctx, "unparseable model reply", "step", in.StepID.String(), "err", err)
		return nil, err
	}
	p.logger.Debug(ctx, "planned", "step", in.StepID.String(), "action", string(d.Action), "tool", d.Tool,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return d, nil
}

// classify maps API failures onto the taxonomy: throttling, server errors and
// network failures are transient; rejected requests are permanent.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	msg := fmt.Sprintf("openai chat completion: %v", err)
	switch {
	case status == http.StatusTooManyRequests:
		te := toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindTransient, msg, err)
		return fmt.Errorf("%w (%w)", te, planner.ErrRateLimited)
	case status >= 500, status == 0:
		return toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindTransient, msg, err)
	case status == http.StatusRequestTimeout, status == http.StatusConflict:
		return toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindTransient, msg, err)
	default:
		return toolerrors.Wrap(toolerrors.CodePlanningFailed, toolerrors.KindPermanent, msg, err)
	}
}

// IsRateLimited reports whether err is a provider throttling response.
func IsRateLimited(err error) bool {
	if errors.Is(err, planner.ErrRateLimited) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
