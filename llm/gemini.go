package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiCompleter talks to the Gemini API through the native SDK. The client
// is created lazily because construction requires a context.
type geminiCompleter struct {
	apiKey string
	model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

func newGeminiCompleter(apiKey, model string) *geminiCompleter {
	return &geminiCompleter{apiKey: apiKey, model: model}
}

func (c *geminiCompleter) complete(ctx context.Context, prompt string, jsonOnly bool) (string, error) {
	c.once.Do(func() {
		c.client, c.initErr = genai.NewClient(context.Background(), option.WithAPIKey(c.apiKey))
	})
	if c.initErr != nil {
		return "", fmt.Errorf("gemini client: %w", c.initErr)
	}

	model := c.client.GenerativeModel(c.model)
	var zero float32
	model.Temperature = &zero
	if jsonOnly {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	text := geminiText(resp)
	if text == "" {
		return "", fmt.Errorf("no text candidate returned for model %s", c.model)
	}
	return text, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}
