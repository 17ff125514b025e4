// Package pipeline binds one retrieval method and one generation model into
// a servable unit: it builds and persists the user's index, optimizes
// queries, retrieves context, and synthesizes answers.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ragreader/ragreader/chunking"
	"github.com/ragreader/ragreader/engine"
	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/pkg/logging"
	"github.com/ragreader/ragreader/store"
	"github.com/ragreader/ragreader/vector"
)

// Method display names; the file store lowers them to slugs for file naming.
const (
	MethodDense     = "Dense Retrieval"
	MethodSparse    = "Sparse Retrieval"
	MethodHybrid    = "Hybrid Retrieval"
	MethodIterative = "Iterative Retrieval"
)

// Adapter is the slice of the LLM surface a pipeline needs.
type Adapter interface {
	RAGGenerate(ctx context.Context, query, contextText string) (string, error)
	PromptGenerate(ctx context.Context, query string) (string, error)
}

// Config wires a pipeline's collaborators.
type Config struct {
	Method string
	Model  string
	TopK   int

	Adapter  Adapter
	Embedder vector.Embedder
	Chunker  chunking.Chunker
	DB       *store.Store
	Files    *store.FileStore

	// Judge drives the iterative method; ignored otherwise. The llm adapter
	// satisfies it.
	Judge engine.Judge

	// IterativeMaxRetries bounds the reformulation loop; 0 means default.
	IterativeMaxRetries int
}

// RunResult is one answered query.
type RunResult struct {
	Answer         string
	Context        []string
	OptimizedQuery string
}

// Pipeline is one (method, model) unit. Index rebuilds are serialized per
// user; retrieval reads the loaded state concurrently.
type Pipeline struct {
	cfg Config

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	mu  sync.RWMutex
	eng engine.Engine
}

// New validates the method and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch cfg.Method {
	case MethodDense, MethodSparse, MethodHybrid:
	case MethodIterative:
		if cfg.Judge == nil {
			return nil, fmt.Errorf("%w: iterative method needs a judge", errors.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown method %q", errors.ErrInvalidInput, cfg.Method)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Pipeline{cfg: cfg, users: make(map[string]*userState)}, nil
}

// Method returns the pipeline's retrieval method display name.
func (p *Pipeline) Method() string { return p.cfg.Method }

// Model returns the pipeline's generation model.
func (p *Pipeline) Model() string { return p.cfg.Model }

func (p *Pipeline) newEngine() engine.Engine {
	switch p.cfg.Method {
	case MethodSparse:
		return engine.NewSparse(p.cfg.TopK, true)
	case MethodDense:
		return engine.NewDense(p.cfg.TopK, p.cfg.Embedder)
	case MethodHybrid:
		return engine.NewHybrid(p.cfg.TopK, p.cfg.Embedder, true)
	case MethodIterative:
		return engine.NewIterative(p.cfg.TopK, p.cfg.Embedder, p.cfg.Judge, p.cfg.IterativeMaxRetries)
	}
	panic("unreachable: method validated at construction")
}

func (p *Pipeline) userState(username string) *userState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.users[username]
	if !ok {
		st = &userState{}
		p.users[username] = st
	}
	return st
}

// Init loads or builds the index for the user's latest document.
func (p *Pipeline) Init(ctx context.Context, username string) error {
	return p.init(ctx, username, nil)
}

// InitJob is Init with progress checkpoints: 10 accepted, 20 loading text,
// 40 chunking, 50 indexing started, 80 file write, 90 DB write, 100 ready.
// An existing usable index jumps straight to 80 then 100.
func (p *Pipeline) InitJob(ctx context.Context, username string, report func(int)) error {
	return p.init(ctx, username, report)
}

func (p *Pipeline) init(ctx context.Context, username string, report func(int)) error {
	if report == nil {
		report = func(int) {}
	}
	report(10)

	st := p.userState(username)
	st.mu.Lock()
	defer st.mu.Unlock()

	doc, err := p.cfg.DB.LatestDocument(ctx, username)
	if err != nil {
		return err
	}

	// Existing-index fast path. Only a missing record falls through to a
	// rebuild; a store failure surfaces.
	rec, rerr := p.cfg.DB.LatestReadyIndex(ctx, username, doc.ID, p.cfg.Method, p.cfg.Model)
	if rerr != nil && !errors.Is(rerr, errors.ErrNotFound) {
		return rerr
	}
	if rerr == nil {
		if eng, lerr := p.loadEngine(rec.Path); lerr == nil {
			st.eng = eng
			report(80)
			report(100)
			return nil
		} else if errors.Is(lerr, errors.ErrStateCorrupt) || errors.Is(lerr, errors.ErrNotFound) {
			logging.WithComponent("pipeline").Warn("stored index unusable, rebuilding",
				"user", username, "method", p.cfg.Method, "error", lerr)
			if merr := p.cfg.DB.MarkIndexFailed(ctx, rec.ID, lerr); merr != nil {
				return merr
			}
		} else {
			return lerr
		}
	}

	return p.build(ctx, st, username, doc, report)
}

// build chunks the document, indexes it, persists the file, then flips the
// readiness record. Failures mid-build never promote a partial file.
func (p *Pipeline) build(ctx context.Context, st *userState, username string, doc *store.Document, report func(int)) error {
	report(20)
	data, err := os.ReadFile(doc.TextPath)
	if err != nil {
		return fmt.Errorf("read document text: %w", err)
	}

	report(40)
	chunks, err := p.cfg.Chunker.Chunk(ctx, string(data))
	if err != nil {
		return fmt.Errorf("chunk document: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: document %s produced no chunks", errors.ErrInvalidInput, doc.ID)
	}

	rec := &store.IndexRecord{
		Username:   username,
		DocumentID: doc.ID,
		Method:     p.cfg.Method,
		Model:      p.cfg.Model,
	}
	if err := p.cfg.DB.CreateIndexRecord(ctx, rec); err != nil {
		return err
	}

	report(50)
	eng := p.newEngine()
	if err := eng.Index(ctx, chunks); err != nil {
		p.cfg.DB.MarkIndexFailed(ctx, rec.ID, err)
		return fmt.Errorf("build index: %w", err)
	}

	report(80)
	path, err := p.cfg.Files.Save(username, doc.ID, p.cfg.Method, eng.Save)
	if err != nil {
		p.cfg.DB.MarkIndexFailed(ctx, rec.ID, err)
		return fmt.Errorf("persist index: %w", err)
	}

	report(90)
	if err := p.cfg.DB.MarkIndexReady(ctx, rec.ID, path); err != nil {
		return err
	}

	st.eng = eng
	report(100)
	logging.WithComponent("pipeline").Info("index built",
		"user", username, "method", p.cfg.Method, "model", p.cfg.Model, "chunks", len(chunks))
	return nil
}

func (p *Pipeline) loadEngine(path string) (engine.Engine, error) {
	r, err := p.cfg.Files.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	eng := p.newEngine()
	if err := eng.Load(r); err != nil {
		return nil, err
	}
	return eng, nil
}

// Run answers one query: lazy init, query optimization, retrieval with a
// raw-query fallback, then grounded generation.
func (p *Pipeline) Run(ctx context.Context, username, query string) (*RunResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", errors.ErrInvalidInput)
	}

	st := p.userState(username)
	st.mu.RLock()
	ready := st.eng != nil
	st.mu.RUnlock()
	if !ready {
		if err := p.Init(ctx, username); err != nil {
			return nil, err
		}
	}

	reply, err := p.cfg.Adapter.PromptGenerate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("optimize query: %w", err)
	}
	optimized := SanitizeQuery(reply, query)

	st.mu.RLock()
	eng := st.eng
	st.mu.RUnlock()

	chunks, err := eng.Retrieve(ctx, optimized)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	if len(chunks) == 0 && optimized != query {
		// The rewrite may have drifted off-corpus; try the user's own words.
		chunks, err = eng.Retrieve(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}
	if len(chunks) == 0 {
		return nil, errors.ErrCorpusEmpty
	}

	contextText := strings.Join(chunks, "\n\n")
	answer, err := p.cfg.Adapter.RAGGenerate(ctx, query, contextText)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &RunResult{Answer: answer, Context: chunks, OptimizedQuery: optimized}, nil
}

// IsInitialized reports whether any persisted index file exists for the user
// and this pipeline's method.
func (p *Pipeline) IsInitialized(username string) bool {
	return p.cfg.Files.IsInitialized(username, p.cfg.Method)
}

// SaveState writes the user's in-memory engine state to an arbitrary path.
func (p *Pipeline) SaveState(username, path string) error {
	st := p.userState(username)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.eng == nil {
		return fmt.Errorf("%w: no loaded state for user %q", errors.ErrNotReady, username)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	if err := st.eng.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadState restores the user's engine state from an arbitrary path.
func (p *Pipeline) LoadState(username, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()
	eng := p.newEngine()
	if err := eng.Load(f); err != nil {
		return err
	}
	st := p.userState(username)
	st.mu.Lock()
	st.eng = eng
	st.mu.Unlock()
	return nil
}

// DocumentID returns the latest document id for a user; used by handlers.
func (p *Pipeline) DocumentID(ctx context.Context, username string) (uuid.UUID, error) {
	doc, err := p.cfg.DB.LatestDocument(ctx, username)
	if err != nil {
		return uuid.Nil, err
	}
	return doc.ID, nil
}

var leadingPhrases = []string{"here is", "optimized query:", "answer:"}

// SanitizeQuery coerces a query-optimization reply into a usable search
// query: surrounding quotes removed, first line kept, known lead-ins
// stripped. Replies longer than 200 characters or empty after cleaning fall
// back to the original query.
func SanitizeQuery(reply, original string) string {
	q := strings.TrimSpace(reply)
	q = strings.Trim(q, `"'`)
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		q = q[:i]
	}
	lower := strings.ToLower(q)
	for _, phrase := range leadingPhrases {
		if strings.HasPrefix(lower, phrase) {
			q = strings.TrimSpace(q[len(phrase):])
			q = strings.TrimPrefix(q, ":")
			q = strings.Trim(strings.TrimSpace(q), `"'`)
			break
		}
	}
	q = strings.TrimSpace(q)
	if q == "" || len(q) > 200 {
		return original
	}
	return q
}
