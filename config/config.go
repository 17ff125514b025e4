package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration, loaded once at startup from the
// environment and passed explicitly to every component that needs it.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Vector   VectorConfig
	LLM      LLMConfig
	Jobs     JobConfig
	Media    MediaConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// VectorConfig controls index persistence and the shared retrieval defaults.
type VectorConfig struct {
	// StorePath is the root directory for persisted per-user index files.
	StorePath string
	// EmbeddingModel is the OpenAI embedding model used by dense engines
	// and the semantic chunker.
	EmbeddingModel string
	// EmbeddingDim is the expected embedding dimensionality.
	EmbeddingDim int
	// TopK is the number of chunks returned per retrieval.
	TopK int
	// ChunkStrategy selects the chunker (fixed, paragraph, semantic).
	ChunkStrategy string
	ChunkSize     int
	ChunkOverlap  int
}

// LLMConfig carries provider credentials and call bounds.
type LLMConfig struct {
	OpenAIKey     string
	OpenRouterKey string
	AnthropicKey  string
	GoogleKey     string
	// Timeout bounds every outbound LLM and embedding call.
	Timeout time.Duration
	// FetchTimeout bounds URL ingestion fetches.
	FetchTimeout time.Duration
}

type JobConfig struct {
	// Workers caps concurrent index builds.
	Workers int
	// Timeout is the outer deadline per job.
	Timeout time.Duration
}

type MediaConfig struct {
	// Root is the base directory for document sources and extracted text.
	Root string
}

// LoadConfig reads configuration from environment variables with defaults
// suitable for local development.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: envString("SERVER_HOST", "0.0.0.0"),
			Port: envInt("SERVER_PORT", 8000),
		},
		Database: DatabaseConfig{
			Host:     envString("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			User:     envString("DB_USER", "ragreader"),
			Password: envString("DB_PASSWORD", ""),
			Name:     envString("DB_NAME", "ragreader"),
			SSLMode:  envString("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Vector: VectorConfig{
			StorePath:      envString("VECTOR_STORE_PATH", "./vector_stores"),
			EmbeddingModel: envString("EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDim:   envInt("EMBEDDING_DIM", 1536),
			TopK:           envInt("RETRIEVAL_TOP_K", 5),
			ChunkStrategy:  envString("CHUNK_STRATEGY", "paragraph"),
			ChunkSize:      envInt("CHUNK_SIZE", 500),
			ChunkOverlap:   envInt("CHUNK_OVERLAP", 50),
		},
		LLM: LLMConfig{
			OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
			OpenRouterKey: os.Getenv("OPENROUTER_API_KEY"),
			AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
			GoogleKey:     os.Getenv("GOOGLE_API_KEY"),
			Timeout:       envDuration("LLM_TIMEOUT", 30*time.Second),
			FetchTimeout:  envDuration("FETCH_TIMEOUT", 10*time.Second),
		},
		Jobs: JobConfig{
			Workers: envInt("JOB_WORKERS", 4),
			Timeout: envDuration("JOB_TIMEOUT", 10*time.Minute),
		},
		Media: MediaConfig{
			Root: envString("MEDIA_ROOT", "./media"),
		},
	}

	if cfg.Vector.ChunkOverlap >= cfg.Vector.ChunkSize {
		cfg.Vector.ChunkOverlap = cfg.Vector.ChunkSize - 1
	}
	return cfg, nil
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Address renders the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
