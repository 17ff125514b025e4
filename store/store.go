package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ragreader/ragreader/errors"
)

// Store wraps the gorm handle with the queries the service needs.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&GuestUser{},
		&Document{},
		&IndexRecord{},
		&Job{},
		&AnalysisBatch{},
		&AnalysisResult{},
		&Conversation{},
	)
}

// EnsureUser returns the guest user for username, creating it on first sight.
func (s *Store) EnsureUser(ctx context.Context, username string) (*GuestUser, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", errors.ErrInvalidInput)
	}
	var user GuestUser
	err := s.db.WithContext(ctx).
		Where(GuestUser{Username: username}).
		FirstOrCreate(&user, GuestUser{Username: username}).Error
	if err != nil {
		return nil, fmt.Errorf("ensure user %q: %w", username, err)
	}
	return &user, nil
}

// CreateDocument records a newly ingested source.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// LatestDocument returns the newest document for a user. Every pipeline
// serves exactly this document.
func (s *Store) LatestDocument(ctx context.Context, username string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Order("created_at DESC").
		First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: no document for user %q", errors.ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("latest document: %w", err)
	}
	return &doc, nil
}

// CreateIndexRecord opens a pending readiness record for an index build.
func (s *Store) CreateIndexRecord(ctx context.Context, rec *IndexRecord) error {
	if rec.Status == "" {
		rec.Status = IndexPending
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create index record: %w", err)
	}
	return nil
}

// MarkIndexReady flips a record to ready and points it at the renamed file.
func (s *Store) MarkIndexReady(ctx context.Context, id uuid.UUID, path string) error {
	return s.updateIndex(ctx, id, map[string]any{"status": IndexReady, "path": path, "error": ""})
}

// MarkIndexFailed records the build failure.
func (s *Store) MarkIndexFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.updateIndex(ctx, id, map[string]any{"status": IndexFailed, "error": msg})
}

func (s *Store) updateIndex(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&IndexRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update index record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: index record %s", errors.ErrNotFound, id)
	}
	return nil
}

// LatestReadyIndex returns the newest ready index for the key. Last write
// wins when several records exist.
func (s *Store) LatestReadyIndex(ctx context.Context, username string, docID uuid.UUID, method, model string) (*IndexRecord, error) {
	var rec IndexRecord
	err := s.db.WithContext(ctx).
		Where("username = ? AND document_id = ? AND method = ? AND model = ? AND status = ?",
			username, docID, method, model, IndexReady).
		Order("updated_at DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: no ready index for %s/%s/%s", errors.ErrNotFound, username, method, model)
	}
	if err != nil {
		return nil, fmt.Errorf("latest ready index: %w", err)
	}
	return &rec, nil
}

// CreateJob opens a pending job row.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobPending
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: job %s", errors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// MarkJobProcessing transitions a pending job to processing.
func (s *Store) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobPending).
		Update("status", JobProcessing)
	if res.Error != nil {
		return fmt.Errorf("mark job processing: %w", res.Error)
	}
	return nil
}

// UpdateJobProgress raises the progress checkpoint. Progress is monotone: a
// write lower than the stored value is silently ignored, so a stale worker
// can never roll a job backwards.
func (s *Store) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND progress < ?", id, progress).
		Updates(map[string]any{"progress": progress, "status": JobProcessing})
	if res.Error != nil {
		return fmt.Errorf("update job progress: %w", res.Error)
	}
	return nil
}

// MarkJobReady completes a job at 100.
func (s *Store) MarkJobReady(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": JobReady, "progress": 100, "error": ""})
	if res.Error != nil {
		return fmt.Errorf("mark job ready: %w", res.Error)
	}
	return nil
}

// MarkJobFailed terminates a job with its failure cause. Progress freezes at
// the last checkpoint reached.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": JobFailed, "error": msg})
	if res.Error != nil {
		return fmt.Errorf("mark job failed: %w", res.Error)
	}
	return nil
}

// CreateBatch opens an analysis batch row.
func (s *Store) CreateBatch(ctx context.Context, batch *AnalysisBatch) error {
	if batch.Status == "" {
		batch.Status = BatchProcessing
	}
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// GetBatch fetches one batch by id.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*AnalysisBatch, error) {
	var batch AnalysisBatch
	err := s.db.WithContext(ctx).First(&batch, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: batch %s", errors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &batch, nil
}

// MarkBatchComplete flips a batch terminal.
func (s *Store) MarkBatchComplete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&AnalysisBatch{}).Where("id = ?", id).
		Update("status", BatchComplete)
	if res.Error != nil {
		return fmt.Errorf("mark batch complete: %w", res.Error)
	}
	return nil
}

// CreateResult persists one variant outcome, success or error.
func (s *Store) CreateResult(ctx context.Context, result *AnalysisResult) error {
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	return nil
}

// ResultsForBatch lists every persisted outcome of a batch in arrival order.
func (s *Store) ResultsForBatch(ctx context.Context, batchID uuid.UUID) ([]AnalysisResult, error) {
	var results []AnalysisResult
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results for batch: %w", err)
	}
	return results, nil
}

// CreateConversation logs an answered query.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}
