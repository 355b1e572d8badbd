package pipeline

import (
	"log/slog"

	"github.com/docdex/docdex/internal/types"
)

const defaultMaxFileBytes = 30 * 1024 * 1024

// Config carries the orchestrator's tunables.
type Config struct {
	// MaxFileBytes rejects files before any download happens.
	MaxFileBytes int64
	// TopK is how many chunks a query retrieves.
	TopK int
	// Bucket is the blob storage bucket all source files live in.
	Bucket string
	// EmbeddingModel and VectorStoreName are recorded in ledger entries
	// so provenance survives model or backend migrations.
	EmbeddingModel  string
	VectorStoreName string
}

// Deps holds every collaborator the pipeline talks to. All dependencies
// are injected; the pipeline owns no clients and no package state.
type Deps struct {
	// Stores are tried in order during acquisition, typically one client
	// per credential level.
	Stores      []types.BlobStore
	Extractor   types.Extractor
	Chunker     types.Chunker
	Embedder    types.Embedder
	Index       types.VectorIndex
	Ledger      types.Ledger
	Synthesizer types.Synthesizer
	// Questions is optional. When set, queries are logged fire-and-forget.
	Questions types.QuestionLog
	Logger    *slog.Logger
}

// Pipeline orchestrates ingestion, retrieval and deletion of source
// files. Operations on the same source_file_id are serialized through a
// keyed mutex so concurrent ingest and delete cannot interleave.
type Pipeline struct {
	config Config
	deps   Deps
	locks  *keyLock
	logger *slog.Logger
}

func New(config Config, deps Deps) *Pipeline {
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = defaultMaxFileBytes
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config: config,
		deps:   deps,
		locks:  newKeyLock(),
		logger: logger,
	}
}
