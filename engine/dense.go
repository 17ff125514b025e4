package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/vector"
)

// Dense is an embedding engine over a flat float32 matrix. Retrieval is a
// full cosine scan; at the corpus sizes a single document produces this beats
// any ANN structure.
type Dense struct {
	topK     int
	embedder vector.Embedder

	mu     sync.RWMutex
	texts  []string
	matrix [][]float32
	dim    int
}

// NewDense creates a dense engine returning up to topK chunks per query.
func NewDense(topK int, emb vector.Embedder) *Dense {
	return &Dense{topK: topK, embedder: emb}
}

// Index embeds all chunks in one batched request and stores the resulting
// matrix. Inconsistent embedding dimensionality discards the index and fails.
func (d *Dense) Index(ctx context.Context, chunks []string) error {
	if len(chunks) == 0 {
		d.Reset()
		return nil
	}

	vecs, err := d.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("%w: got %d embeddings for %d chunks", errors.ErrStateCorrupt, len(vecs), len(chunks))
	}
	dim := len(vecs[0])
	if dim == 0 {
		return fmt.Errorf("%w: zero-dimensional embedding", errors.ErrStateCorrupt)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: embedding %d has dimension %d, want %d", errors.ErrStateCorrupt, i, len(v), dim)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append([]string(nil), chunks...)
	d.matrix = vecs
	d.dim = dim
	return nil
}

// Retrieve embeds the query and returns the top-k chunks by cosine
// similarity. A query-embedding failure surfaces; it is never a silent empty
// result.
func (d *Dense) Retrieve(ctx context.Context, query string) ([]string, error) {
	d.mu.RLock()
	texts := d.texts
	matrix := d.matrix
	d.mu.RUnlock()

	if len(texts) == 0 {
		return nil, nil
	}

	queryVec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	type hit struct {
		idx   int
		score float32
	}
	hits := make([]hit, len(matrix))
	for i, row := range matrix {
		hits[i] = hit{i, vector.CosineSimilarity(queryVec, row)}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})

	limit := d.topK
	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = texts[hits[i].idx]
	}
	return out, nil
}

// Reset drops all state.
func (d *Dense) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = nil
	d.matrix = nil
	d.dim = 0
}

// Len reports the number of indexed chunks.
func (d *Dense) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.texts)
}

type denseState struct {
	Texts  []string
	Matrix [][]float32
	Dim    int
}

// Save persists texts and the embedding matrix; no provider call is needed
// to reload.
func (d *Dense) Save(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return writeState(w, denseState{Texts: d.texts, Matrix: d.matrix, Dim: d.dim})
}

// Load restores state written by Save.
func (d *Dense) Load(r io.Reader) error {
	var st denseState
	if err := readState(r, &st); err != nil {
		return err
	}
	if len(st.Texts) != len(st.Matrix) {
		return fmt.Errorf("%w: %d texts for %d vectors", errors.ErrStateCorrupt, len(st.Texts), len(st.Matrix))
	}
	for i, row := range st.Matrix {
		if len(row) != st.Dim {
			return fmt.Errorf("%w: row %d has dimension %d, want %d", errors.ErrStateCorrupt, i, len(row), st.Dim)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = st.Texts
	d.matrix = st.Matrix
	d.dim = st.Dim
	return nil
}

var _ Engine = (*Dense)(nil)
