package models

import "time"

// SourceFile describes a user-submitted document held in blob storage.
// It is created by the upload flow and only ever referenced here.
type SourceFile struct {
	FileID      string
	StoragePath string
	Name        string
	MediaType   string
	ByteSize    int64
	OwnerID     string
	Description string
}

// Chunk is the unit of embedding and retrieval: a slice of a source
// file's text plus the metadata needed to find it again.
type Chunk struct {
	ID        string
	Text      string
	Index     int
	Embedding []float32
	Metadata  map[string]interface{}
}

// RetrievedChunk is a chunk returned by a similarity search.
type RetrievedChunk struct {
	ID       string
	Score    float32
	Text     string
	Metadata map[string]interface{}
}

// LedgerEntry records ingestion provenance for one source file.
type LedgerEntry struct {
	SourceFileID   string
	Processed      bool
	ChunkCount     int
	EmbeddingModel string
	VectorStore    string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// IngestResult reports what an ingestion run indexed.
type IngestResult struct {
	ChunksIndexed int
}

// DeleteResult reports whether the deleted file was tracked at all.
type DeleteResult struct {
	Found bool
}

// QueryStatus classifies the outcome of a query.
type QueryStatus string

const (
	QueryOK          QueryStatus = "ok"
	QueryUnavailable QueryStatus = "unavailable"
	QueryFailed      QueryStatus = "failed"
)

// QueryResult is the structured answer to a question. Queries degrade
// rather than fail: an unusable index or a synthesis error shows up in
// Status and Detail, never as a panic or a returned error.
type QueryResult struct {
	Answer  string
	Sources []RetrievedChunk
	Status  QueryStatus
	Detail  string
}

// IndexStats describes the vector index contents.
type IndexStats struct {
	VectorCount int64
	Dimension   int
}

// MetadataKeySourceFileID is the metadata key every indexed chunk must
// carry. Deletion locates a file's vectors by this key alone.
const MetadataKeySourceFileID = "source_file_id"
