package engine

import (
	"context"
	"io"
	"strings"

	"github.com/ragreader/ragreader/pkg/logging"
	"github.com/ragreader/ragreader/vector"
)

// Iterative wraps a dense engine in a judged reformulation loop:
//
//	SEARCHING: retrieve with the current query, merge new chunks
//	JUDGING:   ask the judge whether the context suffices
//	REWRITING: ask for a follow-up query targeting the missing info
//
// The loop terminates when the judge is satisfied or after maxRetries
// searches. Accumulated context is deduplicated by exact text equality and
// preserves first-appearance order.
type Iterative struct {
	dense      *Dense
	judge      Judge
	maxRetries int
}

// NewIterative creates an iterative engine over a dense index.
func NewIterative(topK int, emb vector.Embedder, judge Judge, maxRetries int) *Iterative {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Iterative{
		dense:      NewDense(topK, emb),
		judge:      judge,
		maxRetries: maxRetries,
	}
}

// Index delegates to the inner dense engine.
func (it *Iterative) Index(ctx context.Context, chunks []string) error {
	return it.dense.Index(ctx, chunks)
}

// Retrieve runs the reformulation loop and returns the accumulated context.
func (it *Iterative) Retrieve(ctx context.Context, query string) ([]string, error) {
	log := logging.WithComponent("iterative")

	currentQuery := query
	seen := make(map[string]struct{})
	var collected []string

	for iteration := 1; iteration <= it.maxRetries; iteration++ {
		// SEARCHING
		hits, err := it.dense.Retrieve(ctx, currentQuery)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if _, dup := seen[hit]; dup {
				continue
			}
			seen[hit] = struct{}{}
			collected = append(collected, hit)
		}

		// JUDGING; a judge error counts as insufficient, the loop keeps going.
		contextText := strings.Join(collected, "\n---\n")
		sufficient, err := it.judge.Sufficient(ctx, query, contextText)
		if err != nil {
			log.Warn("sufficiency judgement failed, treating as insufficient", "error", err)
			sufficient = false
		}
		if sufficient {
			return collected, nil
		}
		if iteration == it.maxRetries {
			break
		}

		// REWRITING
		followUp, err := it.judge.Reformulate(ctx, query, contextText)
		if err != nil {
			log.Warn("query reformulation failed, reusing original query", "error", err)
			followUp = ""
		}
		followUp = firstLine(followUp)
		if followUp == "" {
			followUp = query
		}
		currentQuery = followUp
	}

	return collected, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Reset drops the inner index.
func (it *Iterative) Reset() { it.dense.Reset() }

// Len reports the number of indexed chunks.
func (it *Iterative) Len() int { return it.dense.Len() }

// Save persists the inner dense state; the judge holds no index state.
func (it *Iterative) Save(w io.Writer) error { return it.dense.Save(w) }

// Load restores the inner dense state.
func (it *Iterative) Load(r io.Reader) error { return it.dense.Load(r) }

var _ Engine = (*Iterative)(nil)
