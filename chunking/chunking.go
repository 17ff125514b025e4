package chunking

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ragreader/ragreader/vector"
)

// Strategy selects how documents are split into retrieval units.
type Strategy string

const (
	// StrategyFixed emits consecutive character windows with overlap.
	// Deterministic, but can split mid-word.
	StrategyFixed Strategy = "fixed"
	// StrategyParagraph splits on blank lines and greedily merges
	// paragraphs up to the chunk size. Respects document structure.
	StrategyParagraph Strategy = "paragraph"
	// StrategySemantic splits on sentence boundaries and groups adjacent
	// sentences whose embeddings are similar. Requires an embedder.
	StrategySemantic Strategy = "semantic"
)

// Chunker splits extracted text into ordered, non-empty chunks.
type Chunker interface {
	Chunk(ctx context.Context, text string) ([]string, error)
}

// Options configures a DocumentChunker.
type Options struct {
	Strategy  Strategy
	ChunkSize int
	Overlap   int
	// Threshold is the cosine similarity above which adjacent sentences
	// belong to the same semantic chunk.
	Threshold float32
	Embedder  vector.Embedder
}

// Option customizes the chunker.
type Option func(*Options)

// WithStrategy selects the splitting strategy.
func WithStrategy(s Strategy) Option {
	return func(o *Options) {
		if s != "" {
			o.Strategy = s
		}
	}
}

// WithChunkSize overrides the default chunk size (characters).
func WithChunkSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.ChunkSize = size
		}
	}
}

// WithOverlap configures overlap (characters) between consecutive fixed
// windows.
func WithOverlap(overlap int) Option {
	return func(o *Options) {
		if overlap >= 0 {
			o.Overlap = overlap
		}
	}
}

// WithThreshold overrides the semantic boundary similarity threshold.
func WithThreshold(t float32) Option {
	return func(o *Options) {
		if t > 0 {
			o.Threshold = t
		}
	}
}

// WithEmbedder supplies the embedding client required by the semantic
// strategy.
func WithEmbedder(e vector.Embedder) Option {
	return func(o *Options) {
		if e != nil {
			o.Embedder = e
		}
	}
}

// DocumentChunker implements all three strategies over character counts; no
// tokenizer is involved.
type DocumentChunker struct {
	strategy  Strategy
	size      int
	overlap   int
	threshold float32
	embedder  vector.Embedder
}

// New constructs a chunker with sane defaults (paragraph strategy, 500-char
// chunks, 50-char overlap). Overlap is clamped below the chunk size.
func New(opts ...Option) *DocumentChunker {
	cfg := &Options{
		Strategy:  StrategyParagraph,
		ChunkSize: 500,
		Overlap:   50,
		Threshold: 0.5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = cfg.ChunkSize - 1
	}
	return &DocumentChunker{
		strategy:  cfg.Strategy,
		size:      cfg.ChunkSize,
		overlap:   cfg.Overlap,
		threshold: cfg.Threshold,
		embedder:  cfg.Embedder,
	}
}

// Chunk splits text according to the configured strategy. Empty input yields
// an empty slice.
func (c *DocumentChunker) Chunk(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	switch c.strategy {
	case StrategyFixed:
		return c.chunkFixed(text), nil
	case StrategyParagraph:
		return c.chunkParagraph(text), nil
	case StrategySemantic:
		return c.chunkSemantic(ctx, text)
	default:
		return nil, fmt.Errorf("unknown chunk strategy: %q", c.strategy)
	}
}

func (c *DocumentChunker) chunkFixed(text string) []string {
	// Windows are measured in characters, so multibyte text never gets
	// sliced mid-rune.
	runes := []rune(text)
	var chunks []string
	step := c.size - c.overlap
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func (c *DocumentChunker) chunkParagraph(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}

	var chunks []string
	current := ""
	for _, para := range paras {
		// A paragraph is never split; an oversized one is emitted alone.
		if current != "" && utf8.RuneCountInString(current)+utf8.RuneCountInString(para) > c.size {
			chunks = append(chunks, current)
			current = para
			continue
		}
		if current == "" {
			current = para
		} else {
			current += "\n\n" + para
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

var sentenceBoundary = regexp.MustCompile(`(?:[.?!])\s+`)

func (c *DocumentChunker) chunkSemantic(ctx context.Context, text string) ([]string, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("semantic chunking requires an embedder")
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) == 1 {
		return sentences, nil
	}

	vecs, err := c.embedder.EmbedBatch(ctx, sentences)
	if err != nil || len(vecs) != len(sentences) {
		// Embedding is best-effort here; degrade to one sentence per chunk.
		return sentences, nil
	}

	var chunks []string
	group := []string{sentences[0]}
	for i := 0; i < len(vecs)-1; i++ {
		if vector.CosineSimilarity(vecs[i], vecs[i+1]) > c.threshold {
			group = append(group, sentences[i+1])
			continue
		}
		chunks = append(chunks, strings.Join(group, " "))
		group = []string{sentences[i+1]}
	}
	if len(group) > 0 {
		chunks = append(chunks, strings.Join(group, " "))
	}
	return chunks, nil
}

func splitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceBoundary.FindStringIndex(rest)
		if loc == nil {
			break
		}
		// Keep the terminating punctuation with the sentence.
		sentence := strings.TrimSpace(rest[:loc[0]+1])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		rest = rest[loc[1]:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
