package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ragreader/ragreader/analysis"
	"github.com/ragreader/ragreader/chunking"
	"github.com/ragreader/ragreader/ingest"
	"github.com/ragreader/ragreader/job"
	"github.com/ragreader/ragreader/llm"
	"github.com/ragreader/ragreader/pipeline"
	"github.com/ragreader/ragreader/registry"
	"github.com/ragreader/ragreader/store"
)

type echoAdapter struct{}

func (echoAdapter) PromptGenerate(_ context.Context, query string) (string, error) {
	return query, nil
}

func (echoAdapter) RAGGenerate(_ context.Context, _, contextText string) (string, error) {
	return "answer from: " + contextText[:min(20, len(contextText))], nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type stubVoter struct{}

func (stubVoter) Vote(context.Context, string, string, string) *llm.VoteOutcome {
	return &llm.VoteOutcome{YesVotes: 2, NoVotes: 1, FinalVerdict: "yes"}
}

type rig struct {
	router *gin.Engine
	db     *store.Store
	jobs   *job.Manager
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db := store.New(gdb)
	require.NoError(t, db.AutoMigrate())

	files := store.NewFileStore(t.TempDir())
	loader := ingest.NewDataLoader(t.TempDir(), time.Second)

	variants := []registry.Variant{{Method: pipeline.MethodSparse, Model: "gpt-4o-mini"}}
	reg, err := registry.New(variants, func(method, model string) (*pipeline.Pipeline, error) {
		return pipeline.New(pipeline.Config{
			Method:  method,
			Model:   model,
			TopK:    3,
			Adapter: echoAdapter{},
			Chunker: chunking.New(chunking.WithStrategy(chunking.StrategyParagraph), chunking.WithChunkSize(80)),
			DB:      db,
			Files:   files,
		})
	})
	require.NoError(t, err)

	jobs := job.NewManager(db, func(method, model string) (job.Initializer, error) {
		return reg.Get(method, model)
	}, 2, time.Minute)
	t.Cleanup(jobs.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	batches := analysis.New(variants, func(method, model string) (analysis.Pipeline, error) {
		return reg.Get(method, model)
	}, db, rdb)

	s := New(db, loader, reg, jobs, batches, stubVoter{})
	return &rig{router: s.Router(), db: db, jobs: jobs}
}

type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

func (r *rig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.router.ServeHTTP(&closeNotifyRecorder{w, make(chan bool, 1)}, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

const testCorpus = "Cats are small mammals kept as pets.\n\nDogs are loyal mammals that bark."

func (r *rig) insertCorpus(t *testing.T, user string) {
	t.Helper()
	w := r.do(t, http.MethodPost, "/insert-text", gin.H{"user": user, "text": testCorpus})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (r *rig) openChat(t *testing.T, user string) {
	t.Helper()
	w := r.do(t, http.MethodPost, "/open-chat", gin.H{"user": user})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	r.jobs.Wait()
}

func TestEnvelopeShape(t *testing.T) {
	r := newRig(t)

	w := r.do(t, http.MethodPost, "/insert-text", gin.H{"user": "alice", "text": testCorpus})
	env := decodeEnvelope(t, w)
	require.Equal(t, http.StatusOK, env.Status)
	require.NotEmpty(t, env.Message)
	require.False(t, env.Timestamp.IsZero())
	require.NotNil(t, env.Data.Response)

	w = r.do(t, http.MethodPost, "/insert-text", gin.H{"user": "alice"})
	env = decodeEnvelope(t, w)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, http.StatusBadRequest, env.Status)
	require.Nil(t, env.Data.Response)
}

func TestOpenChatRunsJobToReady(t *testing.T) {
	r := newRig(t)
	r.insertCorpus(t, "alice")

	w := r.do(t, http.MethodPost, "/open-chat", gin.H{"user": "alice"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		Data struct {
			Response struct {
				JobID    string `json:"job_id"`
				Status   string `json:"status"`
				Progress int    `json:"progress"`
			} `json:"response"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "pending", resp.Data.Response.Status)
	require.Equal(t, 0, resp.Data.Response.Progress)

	r.jobs.Wait()
	w = r.do(t, http.MethodGet, "/job-status/"+resp.Data.Response.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ready"`)
	require.Contains(t, w.Body.String(), `"progress":100`)
}

func TestOpenChatWithoutDocumentIs404(t *testing.T) {
	r := newRig(t)
	w := r.do(t, http.MethodPost, "/open-chat", gin.H{"user": "nobody"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobStatusBadAndMissingID(t *testing.T) {
	r := newRig(t)
	require.Equal(t, http.StatusBadRequest,
		r.do(t, http.MethodGet, "/job-status/not-a-uuid", nil).Code)
	require.Equal(t, http.StatusNotFound,
		r.do(t, http.MethodGet, "/job-status/11111111-2222-3333-4444-555555555555", nil).Code)
}

func TestQueryLifecycle(t *testing.T) {
	r := newRig(t)
	r.insertCorpus(t, "alice")

	// Before the index exists the query is rejected.
	w := r.do(t, http.MethodPost, "/query", gin.H{"user": "alice", "query": "loyal dogs"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	r.openChat(t, "alice")

	w = r.do(t, http.MethodPost, "/query", gin.H{"user": "alice", "query": "loyal dogs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), "answer from:")

	// Off-corpus queries map to 404 no relevant context.
	w = r.do(t, http.MethodPost, "/query", gin.H{"user": "alice", "query": "quantum chromodynamics"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalysisLifecycle(t *testing.T) {
	r := newRig(t)
	r.insertCorpus(t, "alice")
	r.openChat(t, "alice")

	w := r.do(t, http.MethodPost, "/start-analysis", gin.H{"user": "alice", "query": "loyal dogs"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		Data struct {
			Response struct {
				BatchID       string `json:"batch_id"`
				ExpectedCount int    `json:"expected_count"`
			} `json:"response"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Data.Response.ExpectedCount)

	// The SSE stream carries per-variant events and terminates on COMPLETE.
	w = r.do(t, http.MethodGet, "/ws/analysis/"+resp.Data.Response.BatchID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	require.Contains(t, w.Body.String(), "COMPLETE")
	require.Contains(t, w.Body.String(), "answer from:")

	w = r.do(t, http.MethodGet, "/analysis-status/"+resp.Data.Response.BatchID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"is_complete":true`)
}

func TestStreamUnknownBatchIs404(t *testing.T) {
	r := newRig(t)
	require.Equal(t, http.StatusNotFound,
		r.do(t, http.MethodGet, "/ws/analysis/11111111-2222-3333-4444-555555555555", nil).Code)
}

func TestVoteData(t *testing.T) {
	r := newRig(t)
	w := r.do(t, http.MethodPost, "/vote-data", gin.H{
		"query": "q", "chunk": "c", "response": "a",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"final_verdict":"yes"`)

	w = r.do(t, http.MethodPost, "/vote-data", gin.H{"query": "q"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInsertDataMultipart(t *testing.T) {
	r := newRig(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user", "alice"))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(testCorpus))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/insert-data", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	doc, err := r.db.LatestDocument(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "notes.txt", doc.Filename)
	require.Equal(t, "file", doc.SourceType)
}

func TestInsertURL(t *testing.T) {
	r := newRig(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body><p>BM25 ranks documents.</p></body></html>"))
	}))
	defer srv.Close()

	w := r.do(t, http.MethodPost, "/insert-url", gin.H{"user": "alice", "url": srv.URL})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	doc, err := r.db.LatestDocument(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "url", doc.SourceType)
	require.Equal(t, srv.URL, doc.SourceRef)
	require.True(t, strings.HasSuffix(doc.TextPath, "extracted.txt"))
}
