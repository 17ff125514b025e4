package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// claudeModelAliases maps the short model names used by the variant table to
// the identifiers the Anthropic API accepts directly.
var claudeModelAliases = map[string]string{
	"claude-3.5-sonnet": "claude-3-5-sonnet-latest",
	"claude-3.5-haiku":  "claude-3-5-haiku-latest",
}

type claudeCompleter struct {
	client anthropic.Client
	model  string
}

func newClaudeCompleter(apiKey, model string) *claudeCompleter {
	if alias, ok := claudeModelAliases[model]; ok {
		model = alias
	}
	return &claudeCompleter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *claudeCompleter) complete(ctx context.Context, prompt string, jsonOnly bool) (string, error) {
	if jsonOnly {
		// The Messages API has no JSON response mode; restate the contract.
		prompt += "\n\nRespond with a single valid JSON object and nothing else."
	}
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: param.NewOpt(0.0),
	})
	if err != nil {
		return "", err
	}
	for _, content := range msg.Content {
		if content.Type == "text" {
			return content.Text, nil
		}
	}
	return "", fmt.Errorf("no text block returned for model %s", c.model)
}
