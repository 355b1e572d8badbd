package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdex/docdex/internal/models"
	"github.com/docdex/docdex/internal/types"
	"github.com/docdex/docdex/pkg/pipeline"
)

// --- fakes ---

type fakeBlobStore struct {
	objects   map[string][]byte
	errByPath map[string]error
	downloads []string
}

func (s *fakeBlobStore) Download(_ context.Context, bucket, path string) ([]byte, error) {
	key := bucket + "/" + path
	s.downloads = append(s.downloads, key)
	if err, ok := s.errByPath[path]; ok {
		return nil, err
	}
	if data, ok := s.objects[path]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
}

type fakeExtractor struct {
	text  string
	err   error
	calls int
}

func (e *fakeExtractor) Extract(_ context.Context, _ []byte, _ string) (string, error) {
	e.calls++
	return e.text, e.err
}

// fakeChunker splits on "|" and deliberately returns chunks without any
// metadata, so the tests prove the orchestrator stamps source_file_id
// no matter what the chunker does.
type fakeChunker struct{}

func (fakeChunker) Chunk(text string, _ map[string]interface{}) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, "|")
	chunks := make([]models.Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = models.Chunk{Text: part, Index: i}
	}
	return chunks
}

type fakeEmbedder struct {
	dim       int
	vectorDim int
	err       error
	calls     [][]string
}

func (e *fakeEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	e.calls = append(e.calls, texts)
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = make([]float32, e.vectorDim)
		vectors[i][0] = float32(i + 1)
	}
	return vectors, nil
}

func (e *fakeEmbedder) Dimension() int { return e.dim }

type fakeIndex struct {
	upserts     [][]models.Chunk
	deletes     []string
	deleteErr   error
	queryResult []models.RetrievedChunk
	queryErr    error
	pingErr     error
}

func (i *fakeIndex) Upsert(_ context.Context, chunks []models.Chunk) error {
	i.upserts = append(i.upserts, chunks)
	return nil
}

func (i *fakeIndex) DeleteBySource(_ context.Context, sourceFileID string) error {
	i.deletes = append(i.deletes, sourceFileID)
	return i.deleteErr
}

func (i *fakeIndex) Query(_ context.Context, _ []float32, _ int) ([]models.RetrievedChunk, error) {
	return i.queryResult, i.queryErr
}

func (i *fakeIndex) Describe(_ context.Context) (models.IndexStats, error) {
	return models.IndexStats{}, nil
}

func (i *fakeIndex) Ping(_ context.Context) error { return i.pingErr }

type fakeLedger struct {
	mu        sync.Mutex
	entries   map[string]models.LedgerEntry
	recordErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]models.LedgerEntry)}
}

func (l *fakeLedger) Record(_ context.Context, entry models.LedgerEntry) error {
	if l.recordErr != nil {
		return l.recordErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.SourceFileID] = entry
	return nil
}

func (l *fakeLedger) Get(_ context.Context, sourceFileID string) (*models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[sourceFileID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (l *fakeLedger) Delete(_ context.Context, sourceFileID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[sourceFileID]
	delete(l.entries, sourceFileID)
	return ok, nil
}

type fakeSynthesizer struct {
	answer string
	err    error
	chunks []models.RetrievedChunk
}

func (s *fakeSynthesizer) Synthesize(_ context.Context, _ string, chunks []models.RetrievedChunk) (string, error) {
	s.chunks = chunks
	return s.answer, s.err
}

type fakeQuestionLog struct {
	logged chan string
}

func (q *fakeQuestionLog) LogQuestion(_ context.Context, id, question string) error {
	if id == "" {
		return errors.New("missing id")
	}
	q.logged <- question
	return nil
}

// --- harness ---

type harness struct {
	store     *fakeBlobStore
	extractor *fakeExtractor
	embedder  *fakeEmbedder
	index     *fakeIndex
	ledger    *fakeLedger
	synth     *fakeSynthesizer
	pipeline  *pipeline.Pipeline
}

func newHarness(t *testing.T, extra func(*pipeline.Deps)) *harness {
	t.Helper()
	h := &harness{
		store:     &fakeBlobStore{objects: map[string][]byte{}, errByPath: map[string]error{}},
		extractor: &fakeExtractor{text: "alpha|beta|gamma"},
		embedder:  &fakeEmbedder{dim: 4, vectorDim: 4},
		index:     &fakeIndex{},
		ledger:    newFakeLedger(),
		synth:     &fakeSynthesizer{answer: "the answer"},
	}
	deps := pipeline.Deps{
		Stores:      []types.BlobStore{h.store},
		Extractor:   h.extractor,
		Chunker:     fakeChunker{},
		Embedder:    h.embedder,
		Index:       h.index,
		Ledger:      h.ledger,
		Synthesizer: h.synth,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if extra != nil {
		extra(&deps)
	}
	h.pipeline = pipeline.New(pipeline.Config{
		Bucket:          "files",
		EmbeddingModel:  "nomic-embed-text:latest",
		VectorStoreName: "pgvector",
	}, deps)
	return h
}

func testFile() models.SourceFile {
	return models.SourceFile{
		FileID:    "file-1",
		Name:      "report.txt",
		MediaType: "text/plain",
		ByteSize:  64,
		OwnerID:   "owner-1",
	}
}

// --- ingestion ---

func TestIngestHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw bytes")

	result, err := h.pipeline.Ingest(context.Background(), testFile())
	require.NoError(t, err)
	assert.Equal(t, 3, result.ChunksIndexed)

	require.Len(t, h.index.upserts, 1)
	chunks := h.index.upserts[0]
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, fmt.Sprintf("file-1_%d", i), chunk.ID)
		assert.Equal(t, "file-1", chunk.Metadata[models.MetadataKeySourceFileID])
		assert.Len(t, chunk.Embedding, 4)
	}

	entry, err := h.ledger.Get(context.Background(), "file-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Processed)
	assert.Equal(t, 3, entry.ChunkCount)
	assert.Equal(t, "nomic-embed-text:latest", entry.EmbeddingModel)
}

func TestIngestOversizedFileRejectedBeforeAnySideEffect(t *testing.T) {
	h := newHarness(t, nil)

	file := testFile()
	file.ByteSize = 31 * 1024 * 1024

	_, err := h.pipeline.Ingest(context.Background(), file)
	assert.ErrorIs(t, err, models.ErrFileTooLarge)
	assert.Empty(t, h.store.downloads)
	assert.Zero(t, h.extractor.calls)
	assert.Empty(t, h.embedder.calls)
	assert.Empty(t, h.index.upserts)
}

func TestIngestTriesCandidatePathsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["file-1"] = []byte("raw bytes")

	file := testFile()
	file.StoragePath = "uploads/report.txt"

	_, err := h.pipeline.Ingest(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"files/uploads/report.txt",
		"files/owner-1/file-1",
		"files/file-1",
	}, h.store.downloads)
}

func TestIngestFallsBackAcrossStorageClients(t *testing.T) {
	second := &fakeBlobStore{objects: map[string][]byte{"owner-1/file-1": []byte("raw")}}
	h := newHarness(t, func(deps *pipeline.Deps) {
		deps.Stores = append(deps.Stores, second)
	})

	_, err := h.pipeline.Ingest(context.Background(), testFile())
	require.NoError(t, err)
	assert.NotEmpty(t, second.downloads)
}

func TestIngestReportsPermissionOverNotFound(t *testing.T) {
	h := newHarness(t, nil)
	h.store.errByPath["owner-1/file-1"] = fmt.Errorf("%w: owner-1/file-1", models.ErrPermission)

	_, err := h.pipeline.Ingest(context.Background(), testFile())
	assert.ErrorIs(t, err, models.ErrPermission)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestIngestMissingEverywhereIsNotFound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.pipeline.Ingest(context.Background(), testFile())
	assert.ErrorIs(t, err, models.ErrNotFound)

	var stage *models.StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, "download", stage.Stage)
	assert.Equal(t, "file-1", stage.FileID)
}

func TestIngestZeroChunksIsSuccessWithoutUpsert(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")
	h.extractor.text = "   \n\t  "

	result, err := h.pipeline.Ingest(context.Background(), testFile())
	require.NoError(t, err)
	assert.Zero(t, result.ChunksIndexed)
	assert.Empty(t, h.index.upserts)
	assert.Empty(t, h.embedder.calls)

	entry, err := h.ledger.Get(context.Background(), "file-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Zero(t, entry.ChunkCount)
}

func TestIngestDimensionMismatchFailsBeforeUpsert(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")
	h.embedder.vectorDim = 3 // index expects 4

	_, err := h.pipeline.Ingest(context.Background(), testFile())
	assert.ErrorIs(t, err, models.ErrEmbeddingDimension)
	assert.Empty(t, h.index.upserts)
}

func TestReingestPurgesPreviousVersionFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")

	ctx := context.Background()
	_, err := h.pipeline.Ingest(ctx, testFile())
	require.NoError(t, err)

	h.extractor.text = "new-alpha|new-beta"
	result, err := h.pipeline.Ingest(ctx, testFile())
	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunksIndexed)

	assert.Equal(t, []string{"file-1"}, h.index.deletes)
	require.Len(t, h.index.upserts, 2)

	entry, err := h.ledger.Get(ctx, "file-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.ChunkCount)
}

func TestIngestSucceedsWhenLedgerWriteFails(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")
	h.ledger.recordErr = errors.New("ledger down")

	result, err := h.pipeline.Ingest(context.Background(), testFile())
	require.NoError(t, err)
	assert.Equal(t, 3, result.ChunksIndexed)
	require.Len(t, h.index.upserts, 1)
}

func TestIngestExtractionErrorNamesStage(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")
	h.extractor.err = fmt.Errorf("%w: text/x-unknown", models.ErrUnsupportedType)

	_, err := h.pipeline.Ingest(context.Background(), testFile())
	assert.ErrorIs(t, err, models.ErrUnsupportedType)

	var stage *models.StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, "extract", stage.Stage)
}

// --- deletion ---

func TestDeleteUntrackedFileNeverTouchesIndex(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.pipeline.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Empty(t, h.index.deletes)
}

func TestDeleteTrackedFile(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")

	ctx := context.Background()
	_, err := h.pipeline.Ingest(ctx, testFile())
	require.NoError(t, err)

	result, err := h.pipeline.Delete(ctx, "file-1")
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, []string{"file-1"}, h.index.deletes)

	entry, err := h.ledger.Get(ctx, "file-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDeleteSucceedsWhenVectorPurgeFails(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")

	ctx := context.Background()
	_, err := h.pipeline.Ingest(ctx, testFile())
	require.NoError(t, err)

	h.index.deleteErr = errors.New("index down")
	result, err := h.pipeline.Delete(ctx, "file-1")
	require.NoError(t, err)
	assert.True(t, result.Found)

	// Ledger row is gone even though the purge failed.
	entry, err := h.ledger.Get(ctx, "file-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// --- query ---

func retrieved() []models.RetrievedChunk {
	return []models.RetrievedChunk{
		{ID: "file-1_0", Score: 0.91, Text: "alpha", Metadata: map[string]interface{}{"file_name": "report.txt"}},
		{ID: "file-1_1", Score: 0.78, Text: "beta"},
	}
}

func TestAskHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.index.queryResult = retrieved()

	result := h.pipeline.Ask(context.Background(), "what is alpha?")
	assert.Equal(t, models.QueryOK, result.Status)
	assert.Equal(t, "the answer", result.Answer)
	assert.Len(t, result.Sources, 2)
	assert.Equal(t, retrieved(), h.synth.chunks)
}

func TestAskEmptyQuestion(t *testing.T) {
	h := newHarness(t, nil)

	result := h.pipeline.Ask(context.Background(), "   ")
	assert.Equal(t, models.QueryFailed, result.Status)
}

func TestAskUnavailableWhenIndexDown(t *testing.T) {
	h := newHarness(t, nil)
	h.index.pingErr = errors.New("connection refused")

	result := h.pipeline.Ask(context.Background(), "anything")
	assert.Equal(t, models.QueryUnavailable, result.Status)
	assert.Contains(t, result.Detail, "connection refused")
}

func TestAskUnavailableWithoutIndex(t *testing.T) {
	h := newHarness(t, func(deps *pipeline.Deps) {
		deps.Index = nil
	})

	result := h.pipeline.Ask(context.Background(), "anything")
	assert.Equal(t, models.QueryUnavailable, result.Status)
}

func TestAskFailsOnEmbeddingError(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.err = errors.New("provider timeout")

	result := h.pipeline.Ask(context.Background(), "anything")
	assert.Equal(t, models.QueryFailed, result.Status)
	assert.Contains(t, result.Detail, "provider timeout")
}

func TestAskNoMatchesIsStillOK(t *testing.T) {
	h := newHarness(t, nil)

	result := h.pipeline.Ask(context.Background(), "anything")
	assert.Equal(t, models.QueryOK, result.Status)
	assert.Empty(t, result.Sources)
	assert.NotEmpty(t, result.Answer)
}

func TestAskSynthesisErrorKeepsSources(t *testing.T) {
	h := newHarness(t, nil)
	h.index.queryResult = retrieved()
	h.synth.err = errors.New("model overloaded")

	result := h.pipeline.Ask(context.Background(), "anything")
	assert.Equal(t, models.QueryFailed, result.Status)
	assert.Len(t, result.Sources, 2)
	assert.Contains(t, result.Detail, "model overloaded")
}

func TestAskLogsQuestionInBackground(t *testing.T) {
	log := &fakeQuestionLog{logged: make(chan string, 1)}
	h := newHarness(t, func(deps *pipeline.Deps) {
		deps.Questions = log
	})
	h.index.queryResult = retrieved()

	result := h.pipeline.Ask(context.Background(), "what is alpha?")
	assert.Equal(t, models.QueryOK, result.Status)

	select {
	case question := <-log.logged:
		assert.Equal(t, "what is alpha?", question)
	case <-time.After(time.Second):
		t.Fatal("question was never logged")
	}
}

// --- serialization ---

func TestConcurrentIngestAndDeleteSerialize(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["owner-1/file-1"] = []byte("raw")

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.pipeline.Ingest(ctx, testFile())
		}()
		go func() {
			defer wg.Done()
			_, _ = h.pipeline.Delete(ctx, "file-1")
		}()
	}
	wg.Wait()

	// Whatever the interleaving, state is consistent: either the ledger
	// tracks the file with its real chunk count or it does not track it
	// at all.
	entry, err := h.ledger.Get(ctx, "file-1")
	require.NoError(t, err)
	if entry != nil {
		assert.Equal(t, 3, entry.ChunkCount)
	}
}
