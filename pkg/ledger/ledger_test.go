package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdex/docdex/internal/models"
)

// Integration tests need a PostgreSQL instance; set TEST_DATABASE_URL
// to run them.
func TestLedgerIntegration(t *testing.T) {
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	s, err := NewWithConfig(ctx, pool, Config{
		TableName:     "test_file_ledger",
		QuestionTable: "test_question_log",
	})
	require.NoError(t, err)
	defer pool.Exec(ctx, "DROP TABLE IF EXISTS test_file_ledger, test_question_log")

	// Untracked file yields nil, not an error.
	entry, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	found, err := s.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	record := models.LedgerEntry{
		SourceFileID:   "file-1",
		Processed:      true,
		ChunkCount:     7,
		EmbeddingModel: "nomic-embed-text:latest",
		VectorStore:    "chunks",
		Metadata:       map[string]interface{}{"file_name": "report.pdf"},
	}
	require.NoError(t, s.Record(ctx, record))

	entry, err = s.Get(ctx, "file-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 7, entry.ChunkCount)
	assert.Equal(t, "report.pdf", entry.Metadata["file_name"])
	assert.False(t, entry.CreatedAt.IsZero())

	// Re-recording the same file replaces the entry rather than
	// duplicating it.
	record.ChunkCount = 9
	require.NoError(t, s.Record(ctx, record))
	entry, err = s.Get(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, 9, entry.ChunkCount)

	found, err = s.Delete(ctx, "file-1")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.LogQuestion(ctx, "q-1", "what is in the report?"))
}
