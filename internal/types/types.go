package types

import (
	"context"

	"github.com/docdex/docdex/internal/models"
)

// Core interfaces. Every external collaborator the pipeline touches is
// defined here so orchestrators depend on contracts, not clients, and
// tests substitute doubles.

// BlobStore fetches raw file bytes. Implementations must return an
// error matching models.ErrNotFound for missing objects and
// models.ErrPermission for denied access so the caller can tell them
// apart.
type BlobStore interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// Extractor converts raw bytes of a declared media type to plain text.
type Extractor interface {
	Extract(ctx context.Context, content []byte, mediaType string) (string, error)
}

// Chunker splits extracted text into indexable chunks carrying the base
// metadata plus their positional index.
type Chunker interface {
	Chunk(text string, baseMetadata map[string]interface{}) []models.Chunk
}

// Embedder turns text into fixed-length vectors. Dimension reports the
// pipeline-wide vector length every embedding must have.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// VectorIndex stores (id, vector, metadata) triples and answers
// nearest-neighbour queries.
type VectorIndex interface {
	Upsert(ctx context.Context, chunks []models.Chunk) error
	DeleteBySource(ctx context.Context, sourceFileID string) error
	Query(ctx context.Context, embedding []float32, topK int) ([]models.RetrievedChunk, error)
	Describe(ctx context.Context) (models.IndexStats, error)
	Ping(ctx context.Context) error
}

// Ledger tracks which source files have been ingested.
type Ledger interface {
	Record(ctx context.Context, entry models.LedgerEntry) error
	Get(ctx context.Context, sourceFileID string) (*models.LedgerEntry, error)
	Delete(ctx context.Context, sourceFileID string) (bool, error)
}

// Synthesizer produces an answer from a question and retrieved chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (string, error)
}

// QuestionLog records asked questions. Logging is fire-and-forget; a
// failing implementation must never affect query results.
type QuestionLog interface {
	LogQuestion(ctx context.Context, id, question string) error
}
