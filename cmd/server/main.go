package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ragreader/ragreader/analysis"
	"github.com/ragreader/ragreader/chunking"
	"github.com/ragreader/ragreader/config"
	"github.com/ragreader/ragreader/embedder"
	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/ingest"
	"github.com/ragreader/ragreader/job"
	"github.com/ragreader/ragreader/llm"
	"github.com/ragreader/ragreader/pipeline"
	"github.com/ragreader/ragreader/pkg/logging"
	"github.com/ragreader/ragreader/registry"
	"github.com/ragreader/ragreader/server"
	"github.com/ragreader/ragreader/store"
)

func main() {
	log := logging.Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	gdb, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	db := store.New(gdb)
	if err := db.AutoMigrate(); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	emb := embedder.New(cfg.LLM.OpenAIKey, "", cfg.Vector.EmbeddingModel, cfg.Vector.EmbeddingDim)
	files := store.NewFileStore(cfg.Vector.StorePath)
	loader := ingest.NewDataLoader(cfg.Media.Root, cfg.LLM.FetchTimeout)

	reg, err := registry.New(registry.DefaultVariants(), func(method, model string) (*pipeline.Pipeline, error) {
		adapter, err := llm.ForModel(model, cfg.LLM)
		if err != nil {
			return nil, err
		}
		return pipeline.New(pipeline.Config{
			Method:   method,
			Model:    model,
			TopK:     cfg.Vector.TopK,
			Adapter:  adapter,
			Embedder: emb,
			Chunker: chunking.New(
				chunking.WithStrategy(chunking.Strategy(cfg.Vector.ChunkStrategy)),
				chunking.WithChunkSize(cfg.Vector.ChunkSize),
				chunking.WithOverlap(cfg.Vector.ChunkOverlap),
				chunking.WithEmbedder(emb),
			),
			DB:    db,
			Files: files,
			Judge: adapter,
		})
	})
	if err != nil {
		log.Error("registry construction failed", "error", err)
		os.Exit(1)
	}

	jobs := job.NewManager(db, func(method, model string) (job.Initializer, error) {
		return reg.Get(method, model)
	}, cfg.Jobs.Workers, cfg.Jobs.Timeout)

	batches := analysis.New(reg.Variants(), func(method, model string) (analysis.Pipeline, error) {
		return reg.Get(method, model)
	}, db, rdb)

	voter, err := buildVoter(cfg.LLM)
	if err != nil {
		log.Error("voter construction failed", "error", err)
		os.Exit(1)
	}

	app := server.New(db, loader, reg, jobs, batches, voter)
	srv := &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: app.Router(),
	}

	go func() {
		log.Info("server listening", "addr", cfg.Server.Address(), "variants", len(reg.Variants()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
	}
	jobs.Close()
	jobs.Wait()
	log.Info("server exited")
}

// buildVoter assembles one adapter per provider family that has a usable
// key; a single-model panel still votes, it just cannot tie-break.
func buildVoter(cfg config.LLMConfig) (*llm.Voter, error) {
	var adapters []*llm.Adapter
	for _, model := range []string{"gpt-4o-mini", "gemini-2.5-flash", "claude-3.5-sonnet"} {
		a, err := llm.ForModel(model, cfg)
		if err != nil {
			logging.Logger().Warn("vote model unavailable", "model", model, "error", err)
			continue
		}
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: no LLM provider key configured", errors.ErrInvalidInput)
	}
	return llm.NewVoter(adapters...), nil
}
