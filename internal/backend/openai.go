// Package backend holds concrete llm.Backend implementations.
package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/llm"
)

// OpenAI completes chat requests against an OpenAI-compatible endpoint.
// The SDK's own retries are disabled; the gateway owns retry policy.
type OpenAI struct {
	client openai.Client
}

var _ llm.Backend = (*OpenAI)(nil)

// NewOpenAI builds a backend from the backend config section. Extra options
// are appended after the config-derived ones.
func NewOpenAI(cfg config.BackendConfig, extra ...option.RequestOption) *OpenAI {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, extra...)
	return &OpenAI{client: openai.NewClient(opts...)}
}

func (o *OpenAI) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: buildMessages(req.Messages),
	}
	if req.TokenLimit > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.TokenLimit))
	}
	// Reasoning models reject sampling parameters.
	if !isReasoningModel(req.Model) {
		params.Temperature = openai.Float(req.Sampling.Temperature)
		if req.Sampling.TopP > 0 {
			params.TopP = openai.Float(req.Sampling.TopP)
		}
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, &llm.StatusError{StatusCode: 200, Code: "no_choices", Err: errors.New("completion returned no choices")}
	}

	model := completion.Model
	if model == "" {
		model = req.Model
	}
	return llm.Response{
		Text:        completion.Choices[0].Message.Content,
		ModelUsed:   model,
		UsageTokens: int(completion.Usage.TotalTokens),
	}, nil
}

func buildMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}

// mapError turns SDK API errors into llm.StatusError so the gateway can
// classify by status code. Transport errors pass through unchanged.
func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return &llm.StatusError{
			StatusCode: apiErr.StatusCode,
			Code:       apiErr.Code,
			Err:        errors.New(msg),
		}
	}
	return err
}
