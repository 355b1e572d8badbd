package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docdex/docdex/internal/models"
)

type Config struct {
	TableName     string
	QuestionTable string
}

// Store is the relational tracking ledger: one row per ingested source
// file, recording chunk count and embedding provenance so files can be
// audited and deleted later.
type Store struct {
	config Config
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, pool *pgxpool.Pool, config Config) (*Store, error) {
	if config.TableName == "" {
		config.TableName = "file_ledger"
	}
	if config.QuestionTable == "" {
		config.QuestionTable = "question_log"
	}

	s := &Store{
		config: config,
		pool:   pool,
	}

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	createLedger := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			source_file_id TEXT PRIMARY KEY,
			processed BOOLEAN NOT NULL DEFAULT TRUE,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			embedding_model TEXT,
			vector_store TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.TableName)

	if _, err := s.pool.Exec(ctx, createLedger); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}

	createQuestions := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			asked_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.QuestionTable)

	if _, err := s.pool.Exec(ctx, createQuestions); err != nil {
		return fmt.Errorf("failed to create question log table: %w", err)
	}

	return nil
}

// Record upserts the ledger entry for a source file. The primary key
// keeps at most one live entry per file; reprocessing replaces it.
func (s *Store) Record(ctx context.Context, entry models.LedgerEntry) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (source_file_id, processed, chunk_count, embedding_model, vector_store, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_file_id) DO UPDATE SET
			processed = EXCLUDED.processed,
			chunk_count = EXCLUDED.chunk_count,
			embedding_model = EXCLUDED.embedding_model,
			vector_store = EXCLUDED.vector_store,
			metadata = EXCLUDED.metadata,
			created_at = now()`,
		s.config.TableName)

	_, err := s.pool.Exec(ctx, stmt,
		entry.SourceFileID,
		entry.Processed,
		entry.ChunkCount,
		entry.EmbeddingModel,
		entry.VectorStore,
		entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry for %s: %w", entry.SourceFileID, err)
	}
	return nil
}

// Get returns the entry for a source file, or nil when untracked.
func (s *Store) Get(ctx context.Context, sourceFileID string) (*models.LedgerEntry, error) {
	query := fmt.Sprintf(`
		SELECT source_file_id, processed, chunk_count, embedding_model, vector_store, metadata, created_at
		FROM %s
		WHERE source_file_id = $1`,
		s.config.TableName)

	var entry models.LedgerEntry
	err := s.pool.QueryRow(ctx, query, sourceFileID).Scan(
		&entry.SourceFileID,
		&entry.Processed,
		&entry.ChunkCount,
		&entry.EmbeddingModel,
		&entry.VectorStore,
		&entry.Metadata,
		&entry.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ledger entry for %s: %w", sourceFileID, err)
	}
	return &entry, nil
}

// Delete removes the entry and reports whether one existed.
func (s *Store) Delete(ctx context.Context, sourceFileID string) (bool, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE source_file_id = $1", s.config.TableName)

	tag, err := s.pool.Exec(ctx, stmt, sourceFileID)
	if err != nil {
		return false, fmt.Errorf("failed to delete ledger entry for %s: %w", sourceFileID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LogQuestion records an asked question for later analysis.
func (s *Store) LogQuestion(ctx context.Context, id, question string) error {
	stmt := fmt.Sprintf("INSERT INTO %s (id, question) VALUES ($1, $2)", s.config.QuestionTable)

	if _, err := s.pool.Exec(ctx, stmt, id, question); err != nil {
		return fmt.Errorf("failed to log question: %w", err)
	}
	return nil
}
