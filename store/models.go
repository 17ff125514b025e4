// Package store persists the relational state of the service (users,
// documents, index readiness, jobs, analysis batches, conversations) through
// gorm, and the binary index files through a filesystem store.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle of an asynchronous index build.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobReady      JobStatus = "ready"
	JobFailed     JobStatus = "failed"
)

// IndexStatus tracks whether a persisted index file is usable.
type IndexStatus string

const (
	IndexPending    IndexStatus = "pending"
	IndexProcessing IndexStatus = "processing"
	IndexReady      IndexStatus = "ready"
	IndexFailed     IndexStatus = "failed"
)

// BatchStatus is the lifecycle of a batch analysis run.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchComplete   BatchStatus = "complete"
)

// ResultStatus marks a per-variant analysis outcome.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// GuestUser is a lightweight identity keyed by username; no auth attached.
type GuestUser struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(150);uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (u *GuestUser) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Document is one ingested source. The newest document per user is the one
// every pipeline serves.
type Document struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Username   string    `json:"username" gorm:"type:varchar(150);index;not null"`
	Filename   string    `json:"filename" gorm:"type:varchar(512);not null"`
	SourceType string    `json:"source_type" gorm:"type:varchar(20);not null"` // file, url, text
	SourceRef  string    `json:"source_ref" gorm:"type:text"`
	TextPath   string    `json:"text_path" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null;index"`
}

func (d *Document) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// IndexRecord is the readiness record for one persisted index file. The file
// itself lives under the FileStore root; Path points at it. A record flips to
// ready only after the file has been atomically renamed into place.
type IndexRecord struct {
	ID         uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	Username   string      `json:"username" gorm:"type:varchar(150);index:idx_index_lookup;not null"`
	DocumentID uuid.UUID   `json:"document_id" gorm:"type:uuid;index:idx_index_lookup;not null"`
	Method     string      `json:"method" gorm:"type:varchar(50);index:idx_index_lookup;not null"`
	Model      string      `json:"model" gorm:"type:varchar(100);index:idx_index_lookup;not null"`
	Path       string      `json:"path" gorm:"type:text"`
	Status     IndexStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending'"`
	Error      string      `json:"error,omitempty" gorm:"type:text"`
	CreatedAt  time.Time   `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time   `json:"updated_at" gorm:"not null"`
}

func (r *IndexRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Job tracks one asynchronous pipeline initialization.
type Job struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(150);index;not null"`
	Method    string    `json:"method" gorm:"type:varchar(50);not null"`
	Model     string    `json:"model" gorm:"type:varchar(100);not null"`
	Status    JobStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending'"`
	Progress  int       `json:"progress" gorm:"not null;default:0"`
	Error     string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (j *Job) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// AnalysisBatch is one fan-out run of a query across every variant.
type AnalysisBatch struct {
	ID        uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	Username  string      `json:"username" gorm:"type:varchar(150);index;not null"`
	Query     string      `json:"query" gorm:"type:text;not null"`
	Total     int         `json:"total" gorm:"not null"`
	Status    BatchStatus `json:"status" gorm:"type:varchar(20);not null;default:'processing'"`
	CreatedAt time.Time   `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time   `json:"updated_at" gorm:"not null"`
}

func (b *AnalysisBatch) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// AnalysisResult is one variant's outcome within a batch. Error rows persist
// alongside successes so a failed variant stays visible in the comparison.
type AnalysisResult struct {
	ID                uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	BatchID           uuid.UUID      `json:"batch_id" gorm:"type:uuid;index;not null"`
	Method            string         `json:"method" gorm:"type:varchar(50);not null"`
	Model             string         `json:"model" gorm:"type:varchar(100);not null"`
	Status            ResultStatus   `json:"status" gorm:"type:varchar(20);not null"`
	Response          string         `json:"response" gorm:"type:text"`
	RetrievedChunks   datatypes.JSON `json:"retrieved_chunks" gorm:"type:jsonb"`
	EvaluationMetrics datatypes.JSON `json:"evaluation_metrics" gorm:"type:jsonb"`
	Error             string         `json:"error,omitempty" gorm:"type:text"`
	ElapsedMs         int64          `json:"elapsed_ms" gorm:"not null;default:0"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
}

func (r *AnalysisResult) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Conversation logs one answered query for a user.
type Conversation struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(150);index;not null"`
	Method    string    `json:"method" gorm:"type:varchar(50);not null"`
	Model     string    `json:"model" gorm:"type:varchar(100);not null"`
	Query     string    `json:"query" gorm:"type:text;not null"`
	Answer    string    `json:"answer" gorm:"type:text"`
	Context   string    `json:"context" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
