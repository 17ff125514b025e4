package engine

import (
	"bytes"
	"context"
	"io"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ragreader/ragreader/vector"
)

// rrfK is the rank-smoothing constant of Reciprocal Rank Fusion.
const rrfK = 60

// Hybrid composes a sparse and a dense engine and fuses their ranked lists
// with RRF. Children retrieve more candidates than the final top-k so fusion
// has something to work with.
type Hybrid struct {
	topK   int
	sparse *Sparse
	dense  *Dense
}

// NewHybrid creates a hybrid engine. Each child is configured with
// child_top_k = max(topK, topK*2).
func NewHybrid(topK int, emb vector.Embedder, dropStopWords bool) *Hybrid {
	childTopK := topK * 2
	if topK > childTopK {
		childTopK = topK
	}
	return &Hybrid{
		topK:   topK,
		sparse: NewSparse(childTopK, dropStopWords),
		dense:  NewDense(childTopK, emb),
	}
}

// Index feeds both children.
func (h *Hybrid) Index(ctx context.Context, chunks []string) error {
	if err := h.sparse.Index(ctx, chunks); err != nil {
		return err
	}
	return h.dense.Index(ctx, chunks)
}

// Retrieve queries both children in parallel and fuses the two ranked lists.
// A document's fused score is the sum of 1/(60+rank) over the lists it
// appears in, rank 1-based; ties break by sparse-list order, then dense.
func (h *Hybrid) Retrieve(ctx context.Context, query string) ([]string, error) {
	var sparseHits, denseHits []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sparseHits, err = h.sparse.Retrieve(gctx, query)
		return err
	})
	g.Go(func() error {
		var err error
		denseHits, err = h.dense.Retrieve(gctx, query)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return h.fuse(sparseHits, denseHits), nil
}

func (h *Hybrid) fuse(sparseHits, denseHits []string) []string {
	type fused struct {
		text       string
		score      float64
		sparseRank int // 0 = absent
		denseRank  int
	}
	byText := make(map[string]*fused)
	ordered := make([]*fused, 0, len(sparseHits)+len(denseHits))

	accumulate := func(hits []string, setRank func(*fused, int)) {
		for i, text := range hits {
			rank := i + 1
			f, ok := byText[text]
			if !ok {
				f = &fused{text: text}
				byText[text] = f
				ordered = append(ordered, f)
			}
			f.score += 1.0 / float64(rrfK+rank)
			setRank(f, rank)
		}
	}
	accumulate(sparseHits, func(f *fused, r int) {
		if f.sparseRank == 0 {
			f.sparseRank = r
		}
	})
	accumulate(denseHits, func(f *fused, r int) {
		if f.denseRank == 0 {
			f.denseRank = r
		}
	})

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.sparseRank != b.sparseRank {
			return rankLess(a.sparseRank, b.sparseRank)
		}
		return rankLess(a.denseRank, b.denseRank)
	})

	limit := h.topK
	if limit <= 0 || limit > len(ordered) {
		limit = len(ordered)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = ordered[i].text
	}
	return out
}

// rankLess orders present ranks before absent ones (0).
func rankLess(a, b int) bool {
	if a == 0 {
		return false
	}
	if b == 0 {
		return true
	}
	return a < b
}

// Reset drops both children's state.
func (h *Hybrid) Reset() {
	h.sparse.Reset()
	h.dense.Reset()
}

// Len reports the number of indexed chunks.
func (h *Hybrid) Len() int {
	return h.dense.Len()
}

type hybridState struct {
	Sparse []byte
	Dense  []byte
}

// Save persists both children inside one envelope.
func (h *Hybrid) Save(w io.Writer) error {
	var sparseBuf, denseBuf bytes.Buffer
	if err := h.sparse.Save(&sparseBuf); err != nil {
		return err
	}
	if err := h.dense.Save(&denseBuf); err != nil {
		return err
	}
	return writeState(w, hybridState{Sparse: sparseBuf.Bytes(), Dense: denseBuf.Bytes()})
}

// Load restores both children.
func (h *Hybrid) Load(r io.Reader) error {
	var st hybridState
	if err := readState(r, &st); err != nil {
		return err
	}
	if err := h.sparse.Load(bytes.NewReader(st.Sparse)); err != nil {
		return err
	}
	return h.dense.Load(bytes.NewReader(st.Dense))
}

var _ Engine = (*Hybrid)(nil)
