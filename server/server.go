// Package server exposes the HTTP surface: ingestion, chat initialization,
// query answering, batch analysis, and grounding votes.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ragreader/ragreader/analysis"
	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/ingest"
	"github.com/ragreader/ragreader/job"
	"github.com/ragreader/ragreader/llm"
	"github.com/ragreader/ragreader/pkg/logging"
	"github.com/ragreader/ragreader/registry"
	"github.com/ragreader/ragreader/store"
)

// Voter is the grounding-vote panel; the llm package provides it.
type Voter interface {
	Vote(ctx context.Context, query, chunk, response string) *llm.VoteOutcome
}

// Server holds the wired application.
type Server struct {
	db       *store.Store
	loader   *ingest.DataLoader
	registry *registry.Registry
	jobs     *job.Manager
	batches  *analysis.Orchestrator
	voter    Voter
}

// New wires the handlers.
func New(db *store.Store, loader *ingest.DataLoader, reg *registry.Registry,
	jobs *job.Manager, batches *analysis.Orchestrator, voter Voter) *Server {
	return &Server{db: db, loader: loader, registry: reg, jobs: jobs, batches: batches, voter: voter}
}

// Router builds the gin engine with CORS and all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.POST("/insert-data", s.InsertData)
	r.POST("/insert-url", s.InsertURL)
	r.POST("/insert-text", s.InsertText)
	r.POST("/open-chat", s.OpenChat)
	r.GET("/job-status/:id", s.JobStatus)
	r.POST("/query", s.Query)
	r.POST("/start-analysis", s.StartAnalysis)
	r.GET("/analysis-status/:batch_id", s.AnalysisStatus)
	r.GET("/ws/analysis/:batch_id", s.StreamAnalysis)
	r.POST("/vote-data", s.VoteData)
	return r
}

// InsertData ingests an uploaded file (multipart: user, file).
func (s *Server) InsertData(c *gin.Context) {
	username := c.PostForm("user")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		fail(c, fmt.Errorf("%w: file is required", errors.ErrInvalidInput))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		fail(c, fmt.Errorf("%w: unreadable upload", errors.ErrInvalidInput))
		return
	}
	defer src.Close()

	s.ingestDocument(c, username, fileHeader.Filename, "file", fileHeader.Filename,
		func(ctx context.Context, docID uuid.UUID) (*ingest.Result, error) {
			return s.loader.LoadFile(ctx, username, docID, fileHeader.Filename, src)
		})
}

type insertURLRequest struct {
	User string `json:"user" form:"user"`
	URL  string `json:"url" form:"url"`
}

// InsertURL ingests a web page.
func (s *Server) InsertURL(c *gin.Context) {
	var req insertURLRequest
	if err := c.ShouldBind(&req); err != nil || req.URL == "" {
		fail(c, fmt.Errorf("%w: user and url are required", errors.ErrInvalidInput))
		return
	}
	s.ingestDocument(c, req.User, req.URL, "url", req.URL,
		func(ctx context.Context, docID uuid.UUID) (*ingest.Result, error) {
			return s.loader.LoadURL(ctx, req.User, docID, req.URL)
		})
}

type insertTextRequest struct {
	User string `json:"user" form:"user"`
	Text string `json:"text" form:"text"`
}

// InsertText ingests raw text.
func (s *Server) InsertText(c *gin.Context) {
	var req insertTextRequest
	if err := c.ShouldBind(&req); err != nil || req.Text == "" {
		fail(c, fmt.Errorf("%w: user and text are required", errors.ErrInvalidInput))
		return
	}
	s.ingestDocument(c, req.User, "inline.txt", "text", "",
		func(ctx context.Context, docID uuid.UUID) (*ingest.Result, error) {
			return s.loader.LoadText(ctx, req.User, docID, req.Text)
		})
}

// ingestDocument is the shared persist path for the three insert endpoints.
func (s *Server) ingestDocument(c *gin.Context, username, filename, sourceType, sourceRef string,
	load func(ctx context.Context, docID uuid.UUID) (*ingest.Result, error)) {
	ctx := c.Request.Context()
	if _, err := s.db.EnsureUser(ctx, username); err != nil {
		fail(c, err)
		return
	}
	docID := uuid.New()
	res, err := load(ctx, docID)
	if err != nil {
		fail(c, err)
		return
	}
	doc := &store.Document{
		ID:         docID,
		Username:   username,
		Filename:   filename,
		SourceType: sourceType,
		SourceRef:  sourceRef,
		TextPath:   res.TextPath,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		fail(c, err)
		return
	}
	logging.WithComponent("server").Info("document ingested",
		"user", username, "doc", docID, "source", sourceType, "chars", len(res.Text))
	respond(c, http.StatusOK, "document ingested", gin.H{"doc_id": docID})
}

type openChatRequest struct {
	User string `json:"user" form:"user"`
}

// OpenChat starts the asynchronous index build for the default variant.
func (s *Server) OpenChat(c *gin.Context) {
	var req openChatRequest
	if err := c.ShouldBind(&req); err != nil || req.User == "" {
		fail(c, fmt.Errorf("%w: user is required", errors.ErrInvalidInput))
		return
	}
	ctx := c.Request.Context()
	if _, err := s.db.LatestDocument(ctx, req.User); err != nil {
		fail(c, err)
		return
	}
	v := s.registry.Default()
	j, err := s.jobs.Submit(ctx, req.User, v.Method, v.Model)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, "index build accepted", gin.H{
		"job_id":   j.ID,
		"status":   j.Status,
		"progress": j.Progress,
	})
}

// JobStatus reports one job's lifecycle.
func (s *Server) JobStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, fmt.Errorf("%w: bad job id", errors.ErrInvalidInput))
		return
	}
	j, err := s.db.GetJob(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "job status", gin.H{
		"status":     j.Status,
		"progress":   j.Progress,
		"error":      j.Error,
		"updated_at": j.UpdatedAt,
	})
}

type queryRequest struct {
	User   string `json:"user" form:"user"`
	Query  string `json:"query" form:"query"`
	Method string `json:"method" form:"method"`
	Model  string `json:"model" form:"model"`
}

// Query answers one question against the user's index. The variant defaults
// to the registry's first row; an index that is not built yet is rejected.
func (s *Server) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBind(&req); err != nil || req.User == "" || req.Query == "" {
		fail(c, fmt.Errorf("%w: user and query are required", errors.ErrInvalidInput))
		return
	}
	if req.Method == "" {
		req.Method = s.registry.Default().Method
	}
	if req.Model == "" {
		req.Model = s.registry.Default().Model
	}

	p, err := s.registry.Get(req.Method, req.Model)
	if err != nil {
		fail(c, err)
		return
	}
	if !p.IsInitialized(req.User) {
		fail(c, fmt.Errorf("%w: open a chat first", errors.ErrNotReady))
		return
	}

	ctx := c.Request.Context()
	res, err := p.Run(ctx, req.User, req.Query)
	if err != nil {
		fail(c, err)
		return
	}

	conv := &store.Conversation{
		Username: req.User,
		Method:   req.Method,
		Model:    req.Model,
		Query:    req.Query,
		Answer:   res.Answer,
		Context:  strings.Join(res.Context, "\n\n"),
	}
	if err := s.db.CreateConversation(ctx, conv); err != nil {
		logging.WithComponent("server").Warn("conversation write failed", "user", req.User, "error", err)
	}
	respond(c, http.StatusOK, "query answered", gin.H{"answer": res.Answer})
}

type startAnalysisRequest struct {
	User  string `json:"user" form:"user"`
	Query string `json:"query" form:"query"`
}

// StartAnalysis opens a batch run across every variant.
func (s *Server) StartAnalysis(c *gin.Context) {
	var req startAnalysisRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, fmt.Errorf("%w: user and query are required", errors.ErrInvalidInput))
		return
	}
	batch, err := s.batches.Start(c.Request.Context(), req.User, req.Query)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, "analysis started", gin.H{
		"batch_id":       batch.ID,
		"expected_count": batch.Total,
	})
}

// AnalysisStatus snapshots a batch from persisted results.
func (s *Server) AnalysisStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("batch_id"))
	if err != nil {
		fail(c, fmt.Errorf("%w: bad batch id", errors.ErrInvalidInput))
		return
	}
	snap, err := s.batches.Status(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "analysis status", snap)
}

// StreamAnalysis adapts the orchestrator's event channel to a server-sent
// event stream. One SSE message per event; the stream ends after COMPLETE.
func (s *Server) StreamAnalysis(c *gin.Context) {
	id, err := uuid.Parse(c.Param("batch_id"))
	if err != nil {
		fail(c, fmt.Errorf("%w: bad batch id", errors.ErrInvalidInput))
		return
	}
	events, err := s.batches.Stream(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("message", ev)
		return true
	})
}

type voteRequest struct {
	Query    string `json:"query" form:"query"`
	Chunk    string `json:"chunk" form:"chunk"`
	Response string `json:"response" form:"response"`
}

// VoteData runs the grounding-vote panel over (query, chunk, response).
func (s *Server) VoteData(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBind(&req); err != nil || req.Query == "" || req.Chunk == "" || req.Response == "" {
		fail(c, fmt.Errorf("%w: query, chunk, and response are required", errors.ErrInvalidInput))
		return
	}
	outcome := s.voter.Vote(c.Request.Context(), req.Query, req.Chunk, req.Response)
	respond(c, http.StatusOK, "vote complete", outcome)
}
