package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ragreader/ragreader/vector"
)

// OpenAIEmbedder implements vector.Embedder against the OpenAI embeddings
// endpoint.
type OpenAIEmbedder struct {
	client    openaisdk.Client
	model     openaisdk.EmbeddingModel
	dimension int
}

// New creates an OpenAIEmbedder. baseURL may be empty for the default
// endpoint.
func New(apiKey, baseURL string, model string, dimension int) vector.Embedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openaisdk.NewClient(opts...)
	return &OpenAIEmbedder{
		client:    client,
		model:     openaisdk.EmbeddingModel(model),
		dimension: dimension,
	}
}

// Dimension returns the number of embedding dimensions.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Embed converts text to a vector embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch converts multiple texts to embeddings in a single request.
// Newlines are replaced with spaces before the call; they degrade embedding
// quality.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	cleaned := make([]string, len(texts))
	for i, t := range texts {
		cleaned[i] = strings.ReplaceAll(t, "\n", " ")
	}

	params := openaisdk.EmbeddingNewParams{
		Model: e.model,
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: cleaned,
		},
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for i, emb := range resp.Data {
		vec, err := convertVector(emb.Embedding, e.dimension)
		if err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// convertVector narrows the provider's float64 vector. A dimensionality
// mismatch is a configuration error, never silently padded or truncated.
func convertVector(input []float64, expected int) ([]float32, error) {
	if len(input) != expected {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(input), expected)
	}
	vec := make([]float32, expected)
	for i, v := range input {
		vec[i] = float32(v)
	}
	return vec, nil
}
