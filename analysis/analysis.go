// Package analysis fans one query out across every variant in the table and
// streams per-variant results as they land. The event channel is the
// contract; the HTTP layer adapts it to a wire transport.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/pipeline"
	"github.com/ragreader/ragreader/pkg/logging"
	"github.com/ragreader/ragreader/registry"
	"github.com/ragreader/ragreader/store"
)

// inputTTL bounds how long a started batch waits for its stream subscriber.
const inputTTL = 5 * time.Minute

// Pipeline is the slice of a pipeline the orchestrator drives.
type Pipeline interface {
	Init(ctx context.Context, username string) error
	Run(ctx context.Context, username, query string) (*pipeline.RunResult, error)
	IsInitialized(username string) bool
}

// Resolver maps a variant row to its pipeline.
type Resolver func(method, model string) (Pipeline, error)

// Event is one message on the batch stream.
type Event struct {
	BatchID  string `json:"batch_id,omitempty"`
	Status   string `json:"status,omitempty"` // INITIALIZING or COMPLETE
	Method   string `json:"method,omitempty"`
	Model    string `json:"model,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Error    string `json:"error,omitempty"`
	Progress int    `json:"progress"`
}

// Snapshot is the poll view of a batch.
type Snapshot struct {
	Progress   int                    `json:"progress"`
	IsComplete bool                   `json:"is_complete"`
	Data       []store.AnalysisResult `json:"data"`
}

// batchInput is the cached (user, query) pair bridging start and stream.
type batchInput struct {
	Username string `json:"username"`
	Query    string `json:"query"`
}

// Orchestrator runs analysis batches.
type Orchestrator struct {
	variants []registry.Variant
	resolve  Resolver
	db       *store.Store
	rdb      *redis.Client
}

// New builds an orchestrator over the variant table.
func New(variants []registry.Variant, resolve Resolver, db *store.Store, rdb *redis.Client) *Orchestrator {
	return &Orchestrator{variants: variants, resolve: resolve, db: db, rdb: rdb}
}

// Start persists the batch row and caches its input for the stream
// subscriber. The fan-out begins when Stream is called.
func (o *Orchestrator) Start(ctx context.Context, username, query string) (*store.AnalysisBatch, error) {
	if username == "" || query == "" {
		return nil, fmt.Errorf("%w: username and query are required", errors.ErrInvalidInput)
	}
	batch := &store.AnalysisBatch{Username: username, Query: query, Total: len(o.variants)}
	if err := o.db.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(batchInput{Username: username, Query: query})
	if err != nil {
		return nil, fmt.Errorf("encode batch input: %w", err)
	}
	if err := o.rdb.Set(ctx, inputKey(batch.ID), payload, inputTTL).Err(); err != nil {
		return nil, fmt.Errorf("cache batch input: %w", err)
	}
	return batch, nil
}

// Stream launches the fan-out for a started batch and returns its event
// channel. The channel closes after the terminal COMPLETE event. A batch
// whose cached input has expired is not found.
func (o *Orchestrator) Stream(ctx context.Context, batchID uuid.UUID) (<-chan Event, error) {
	raw, err := o.rdb.Get(ctx, inputKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: batch %s input expired or never started", errors.ErrNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch input: %w", err)
	}
	var input batchInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode batch input: %w", err)
	}

	// Room for one initializing plus one terminal event per variant plus
	// COMPLETE, so no variant ever blocks on a slow subscriber.
	events := make(chan Event, 2*len(o.variants)+1)
	go o.fanOut(ctx, batchID, input, events)
	return events, nil
}

func (o *Orchestrator) fanOut(ctx context.Context, batchID uuid.UUID, input batchInput, events chan<- Event) {
	log := logging.WithComponent("analysis")
	total := len(o.variants)

	var (
		mu        sync.Mutex
		completed int
		wg        sync.WaitGroup
	)

	// finish persists and emits one terminal outcome under the lock, so the
	// progress a subscriber observes never decreases.
	finish := func(v registry.Variant, result *pipeline.RunResult, started time.Time, runErr error) {
		mu.Lock()
		defer mu.Unlock()
		completed++
		progress := completed * 100 / total

		row := &store.AnalysisResult{
			BatchID:   batchID,
			Method:    v.Method,
			Model:     v.Model,
			ElapsedMs: time.Since(started).Milliseconds(),
		}
		ev := Event{BatchID: batchID.String(), Method: v.Method, Model: v.Model, Progress: progress}

		if runErr != nil {
			row.Status = store.ResultError
			row.Error = runErr.Error()
			ev.Error = runErr.Error()
		} else {
			row.Status = store.ResultSuccess
			row.Response = result.Answer
			if chunks, err := json.Marshal(result.Context); err == nil {
				row.RetrievedChunks = chunks
			}
			metrics := map[string]any{
				"chunk_count":     len(result.Context),
				"optimized_query": result.OptimizedQuery,
				"elapsed_ms":      row.ElapsedMs,
			}
			if raw, err := json.Marshal(metrics); err == nil {
				row.EvaluationMetrics = raw
			}
			ev.Answer = result.Answer
		}

		// In-flight outcomes persist even if the subscriber went away.
		if err := o.db.CreateResult(context.Background(), row); err != nil {
			log.Error("result write failed", "batch", batchID, "method", v.Method, "error", err)
		}
		events <- ev
	}

	for _, v := range o.variants {
		wg.Add(1)
		go func(v registry.Variant) {
			defer wg.Done()
			started := time.Now()

			p, err := o.resolve(v.Method, v.Model)
			if err != nil {
				finish(v, nil, started, err)
				return
			}
			if !p.IsInitialized(input.Username) {
				// Send under the lock so the progress a subscriber sees
				// never steps backwards. The channel buffer holds every
				// possible event, so this cannot block.
				mu.Lock()
				events <- Event{Status: "INITIALIZING", Method: v.Method, Model: v.Model,
					Progress: completed * 100 / total}
				mu.Unlock()
				if err := p.Init(ctx, input.Username); err != nil {
					finish(v, nil, started, err)
					return
				}
			}
			res, err := p.Run(ctx, input.Username, input.Query)
			finish(v, res, started, err)
		}(v)
	}

	wg.Wait()
	if err := o.db.MarkBatchComplete(context.Background(), batchID); err != nil {
		log.Error("batch completion write failed", "batch", batchID, "error", err)
	}
	events <- Event{BatchID: batchID.String(), Status: "COMPLETE", Progress: 100}
	close(events)
}

// Status snapshots a batch from persisted rows; it works after the stream
// and the cached input are gone.
func (o *Orchestrator) Status(ctx context.Context, batchID uuid.UUID) (*Snapshot, error) {
	batch, err := o.db.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	results, err := o.db.ResultsForBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	progress := 0
	if batch.Total > 0 {
		progress = len(results) * 100 / batch.Total
	}
	if batch.Status == store.BatchComplete {
		progress = 100
	}
	return &Snapshot{
		Progress:   progress,
		IsComplete: batch.Status == store.BatchComplete,
		Data:       results,
	}, nil
}

func inputKey(batchID uuid.UUID) string {
	return "job_input_" + batchID.String()
}
