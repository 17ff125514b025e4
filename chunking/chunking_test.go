package chunking

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, errors.New("embedding unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, ok := s.vectors[t]
		if !ok {
			vec = []float32{0, 0, 1}
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

func TestFixedWindowsCarryOverlap(t *testing.T) {
	ch := New(WithStrategy(StrategyFixed), WithChunkSize(10), WithOverlap(3))

	text := "abcdefghijklmnopqrstuvwxyz"
	chunks, err := ch.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	if chunks[0] != "abcdefghij" {
		t.Fatalf("unexpected first window: %q", chunks[0])
	}
	// Each window after the first repeats the previous window's tail.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		carry := prev[len(prev)-3:]
		if len(chunks[i]) >= 3 && !strings.HasPrefix(chunks[i], carry) {
			t.Fatalf("window %d missing overlap: %q then %q", i, prev, chunks[i])
		}
	}
	// Stripping overlap regions reconstructs the original text.
	rebuilt := chunks[0]
	for i := 1; i < len(chunks); i++ {
		if len(chunks[i]) > 3 {
			rebuilt += chunks[i][3:]
		}
	}
	if rebuilt != text {
		t.Fatalf("reconstruction mismatch: %q", rebuilt)
	}
}

func TestFixedWindowsCountCharactersNotBytes(t *testing.T) {
	ch := New(WithStrategy(StrategyFixed), WithChunkSize(5), WithOverlap(0))

	text := "日本語のテキストです"
	chunks, err := ch.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 windows of 5 characters, got %d: %#v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("window %d is not valid UTF-8: %q", i, c)
		}
		if n := utf8.RuneCountInString(c); n != 5 {
			t.Fatalf("window %d has %d characters, want 5: %q", i, n, c)
		}
	}
	if chunks[0]+chunks[1] != text {
		t.Fatalf("reconstruction mismatch: %q + %q", chunks[0], chunks[1])
	}
}

func TestParagraphMergeCountsCharactersNotBytes(t *testing.T) {
	// Two 10-character paragraphs merge under a 25-character budget even
	// though their byte lengths alone would overflow it.
	ch := New(WithStrategy(StrategyParagraph), WithChunkSize(25))

	text := "日本語のテキストです。\n\n日本語のテキストです。"
	chunks, err := ch.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected paragraphs merged into 1 chunk, got %d: %#v", len(chunks), chunks)
	}
}

func TestParagraphMergesUpToSize(t *testing.T) {
	ch := New(WithStrategy(StrategyParagraph), WithChunkSize(40))

	text := "First para.\n\nSecond para.\n\nA considerably longer third paragraph that stands alone."
	chunks, err := ch.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %#v", len(chunks), chunks)
	}
	if chunks[0] != "First para.\n\nSecond para." {
		t.Fatalf("unexpected merge: %q", chunks[0])
	}
	// The oversized paragraph is emitted alone, never split.
	if !strings.Contains(chunks[1], "third paragraph") {
		t.Fatalf("unexpected second chunk: %q", chunks[1])
	}
}

func TestParagraphNeverSplitsOversizedParagraph(t *testing.T) {
	ch := New(WithStrategy(StrategyParagraph), WithChunkSize(10))

	text := "This single paragraph is far longer than ten characters."
	chunks, err := ch.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != text {
		t.Fatalf("expected paragraph emitted alone, got %#v", chunks)
	}
}

func TestSemanticBreaksOnTopicShift(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"Cats are mammals.":    {1, 0, 0},
		"Dogs are mammals.":    {0.9, 0.1, 0},
		"Fish live in water.":  {0, 1, 0},
		"Rivers contain fish.": {0, 0.9, 0.1},
	}}
	ch := New(WithStrategy(StrategySemantic), WithEmbedder(emb))

	text := "Cats are mammals. Dogs are mammals. Fish live in water. Rivers contain fish."
	chunks, err := ch.Chunk(context.Background(), text)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 semantic chunks, got %d: %#v", len(chunks), chunks)
	}
	if !strings.Contains(chunks[0], "Cats") || !strings.Contains(chunks[0], "Dogs") {
		t.Fatalf("unexpected first group: %q", chunks[0])
	}
}

func TestSemanticFallsBackToSentencesOnEmbedFailure(t *testing.T) {
	ch := New(WithStrategy(StrategySemantic), WithEmbedder(&stubEmbedder{fail: true}))

	chunks, err := ch.Chunk(context.Background(), "One sentence. Another sentence.")
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected sentence fallback, got %#v", chunks)
	}
}

func TestEmptyInputReturnsNoChunks(t *testing.T) {
	for _, s := range []Strategy{StrategyFixed, StrategyParagraph} {
		ch := New(WithStrategy(s))
		chunks, err := ch.Chunk(context.Background(), "   \n\n  ")
		if err != nil {
			t.Fatalf("%s: chunk error: %v", s, err)
		}
		if len(chunks) != 0 {
			t.Fatalf("%s: expected no chunks, got %#v", s, chunks)
		}
	}
}

func TestOverlapClampedBelowChunkSize(t *testing.T) {
	ch := New(WithStrategy(StrategyFixed), WithChunkSize(5), WithOverlap(9))
	if ch.overlap != 4 {
		t.Fatalf("expected overlap clamped to 4, got %d", ch.overlap)
	}
	// Clamping keeps the walk moving forward.
	chunks, err := ch.Chunk(context.Background(), "abcdefgh")
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected progress through the text")
	}
}
