package llm

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// openaiCompleter talks to any OpenAI-compatible chat completion endpoint.
type openaiCompleter struct {
	client openaisdk.Client
	model  string
}

func newOpenAICompleter(apiKey, baseURL, model string) *openaiCompleter {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &openaiCompleter{
		client: openaisdk.NewClient(options...),
		model:  model,
	}
}

// newOpenRouterCompleter routes non-OpenAI models through OpenRouter's
// OpenAI-compatible gateway. The model is pre-prefixed by the caller
// (anthropic/..., google/...).
func newOpenRouterCompleter(apiKey, model string) *openaiCompleter {
	return newOpenAICompleter(apiKey, openRouterBaseURL, model)
}

func (c *openaiCompleter) complete(ctx context.Context, prompt string, jsonOnly bool) (string, error) {
	params := openaisdk.ChatCompletionNewParams{
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
		Model:       openaisdk.ChatModel(c.model),
		Temperature: param.NewOpt(0.0),
	}
	if jsonOnly {
		params.ResponseFormat = openaisdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned for model %s", c.model)
	}
	return completion.Choices[0].Message.Content, nil
}
