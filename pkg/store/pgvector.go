package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/docdex/docdex/internal/models"
)

type VectorStoreConfig struct {
	TableName   string
	VectorDim   int
	SearchLimit int
}

// VectorStore keeps chunk embeddings in PostgreSQL with pgvector and
// answers cosine nearest-neighbour queries over them.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, pool *pgxpool.Pool, config VectorStoreConfig) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source_file_id TEXT NOT NULL,
			content TEXT,
			chunk_index INTEGER,
			embedding vector(%d),
			metadata JSONB
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err = vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createVectorIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)

	if _, err = vs.pool.Exec(ctx, createVectorIndex); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	// Deletion filters on metadata, so it gets its own index.
	createMetadataIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_metadata_idx
		ON %s
		USING gin (metadata jsonb_path_ops)`,
		vs.config.TableName, vs.config.TableName)

	if _, err = vs.pool.Exec(ctx, createMetadataIndex); err != nil {
		return fmt.Errorf("failed to create metadata index: %w", err)
	}

	return nil
}

// Upsert writes all chunks in one transactional batch. The operation is
// all-or-nothing: a failing row rolls back the whole batch.
func (vs *VectorStore) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_file_id, content, chunk_index, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source_file_id = EXCLUDED.source_file_id,
			content = EXCLUDED.content,
			chunk_index = EXCLUDED.chunk_index,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`,
		vs.config.TableName)

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		sourceFileID, _ := chunk.Metadata[models.MetadataKeySourceFileID].(string)
		batch.Queue(stmt,
			chunk.ID,
			sourceFileID,
			sanitizeUTF8(chunk.Text),
			chunk.Index,
			pgvector.NewVector(chunk.Embedding),
			chunk.Metadata,
		)
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return classifyStoreError(fmt.Errorf("failed to upsert chunk: %w", err))
		}
	}
	if err := results.Close(); err != nil {
		return classifyStoreError(fmt.Errorf("failed to close batch: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyStoreError(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// DeleteBySource purges every vector whose metadata carries the given
// source file id.
func (vs *VectorStore) DeleteBySource(ctx context.Context, sourceFileID string) error {
	// The filter is always built by json.Marshal, never concatenated.
	filter, err := json.Marshal(map[string]string{models.MetadataKeySourceFileID: sourceFileID})
	if err != nil {
		return fmt.Errorf("failed to marshal delete filter: %w", err)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE metadata @> $1", vs.config.TableName)
	if _, err := vs.pool.Exec(ctx, stmt, filter); err != nil {
		return classifyStoreError(fmt.Errorf("failed to delete vectors for %s: %w", sourceFileID, err))
	}
	return nil
}

// Query returns the topK chunks nearest to the embedding by cosine
// distance, scored in [0, 1] with 1 meaning identical direction.
func (vs *VectorStore) Query(ctx context.Context, embedding []float32, topK int) ([]models.RetrievedChunk, error) {
	if topK == 0 {
		topK = vs.config.SearchLimit
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to query chunks: %w", err))
	}
	defer rows.Close()

	var chunks []models.RetrievedChunk
	for rows.Next() {
		var chunk models.RetrievedChunk
		if err := rows.Scan(&chunk.ID, &chunk.Text, &chunk.Metadata, &chunk.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreError(err)
	}

	return chunks, nil
}

// Describe reports how many vectors the index holds and the declared
// column dimension.
func (vs *VectorStore) Describe(ctx context.Context) (models.IndexStats, error) {
	var stats models.IndexStats

	countQuery := fmt.Sprintf("SELECT count(*) FROM %s", vs.config.TableName)
	if err := vs.pool.QueryRow(ctx, countQuery).Scan(&stats.VectorCount); err != nil {
		return stats, fmt.Errorf("failed to count vectors: %w", err)
	}

	err := vs.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		vs.config.TableName).Scan(&stats.Dimension)
	if err != nil {
		return stats, fmt.Errorf("failed to read vector dimension: %w", err)
	}

	return stats, nil
}

func (vs *VectorStore) Ping(ctx context.Context) error {
	return vs.pool.Ping(ctx)
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// classifyStoreError maps backend failures onto the pipeline error
// kinds: pgvector dimension complaints are configuration errors, and
// resource exhaustion is reported as retryable throttling.
func classifyStoreError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.Contains(pgErr.Message, "dimensions") {
			return fmt.Errorf("%w: %v", models.ErrEmbeddingDimension, err)
		}
		// Class 53: insufficient resources (connection and memory limits).
		if strings.HasPrefix(pgErr.Code, "53") {
			return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
		}
	}
	return err
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
