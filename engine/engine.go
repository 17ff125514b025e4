// Package engine implements the retrieval engine family: sparse (BM25),
// dense (embedding cosine), hybrid (reciprocal rank fusion) and iterative
// (judged reformulation). All engines share one contract and a versioned
// binary state format so a pipeline can persist and reload any of them.
package engine

import (
	"context"
	"io"
)

// Engine is the uniform retrieval contract. An engine owns its in-memory
// index state exclusively; concurrent Retrieve calls against a loaded,
// immutable state are safe, concurrent Index/Load calls are not.
type Engine interface {
	// Index builds the engine's index over the given chunks, replacing any
	// previous state.
	Index(ctx context.Context, chunks []string) error

	// Retrieve returns up to top-k chunk texts for the query, best first.
	// An empty index yields an empty result, not an error.
	Retrieve(ctx context.Context, query string) ([]string, error)

	// Reset drops all state.
	Reset()

	// Len reports the number of indexed chunks.
	Len() int

	// Save writes the minimal reconstruction state to w.
	Save(w io.Writer) error

	// Load restores state previously written by Save.
	Load(r io.Reader) error
}

// Judge drives the iterative engine's reasoning steps. Implementations coerce
// model output; a judge that cannot produce a confident answer reports
// insufficient rather than erroring the loop.
type Judge interface {
	// Sufficient reports whether the accumulated context answers the query.
	Sufficient(ctx context.Context, query, contextText string) (bool, error)

	// Reformulate produces a short follow-up search query targeting the
	// information still missing from the context.
	Reformulate(ctx context.Context, query, contextText string) (string, error)
}
