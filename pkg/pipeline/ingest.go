package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docdex/docdex/internal/models"
)

// Ingest runs a source file through the full pipeline: acquire bytes,
// extract text, chunk, embed, index, record. The size gate fires before
// any side effect. Re-ingesting a tracked file purges the previous
// version's vectors and ledger row before the new chunks go in, so the
// index never holds two versions of the same file.
func (p *Pipeline) Ingest(ctx context.Context, file models.SourceFile) (models.IngestResult, error) {
	var zero models.IngestResult

	if file.FileID == "" {
		return zero, models.StageErr("validate", "", errors.New("source file has no file_id"))
	}
	if file.ByteSize > p.config.MaxFileBytes {
		return zero, models.StageErr("validate", file.FileID,
			fmt.Errorf("%w: %d bytes (limit %d)", models.ErrFileTooLarge, file.ByteSize, p.config.MaxFileBytes))
	}

	p.locks.Lock(file.FileID)
	defer p.locks.Unlock(file.FileID)

	content, err := p.acquire(ctx, file)
	if err != nil {
		return zero, models.StageErr("download", file.FileID, err)
	}

	text, err := p.deps.Extractor.Extract(ctx, content, file.MediaType)
	if err != nil {
		return zero, models.StageErr("extract", file.FileID, err)
	}

	chunks := p.deps.Chunker.Chunk(text, baseMetadata(file))
	stampChunks(chunks, file.FileID)

	if len(chunks) == 0 {
		// Nothing to index is still a completed ingestion: purge any
		// previous version and track the file with a zero count.
		if err := p.purgePrevious(ctx, file.FileID); err != nil {
			return zero, models.StageErr("purge", file.FileID, err)
		}
		p.recordLedger(ctx, file, 0)
		return models.IngestResult{ChunksIndexed: 0}, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := p.deps.Embedder.CreateEmbedding(ctx, texts)
	if err != nil {
		return zero, models.StageErr("embed", file.FileID, err)
	}
	if len(vectors) != len(chunks) {
		return zero, models.StageErr("embed", file.FileID,
			fmt.Errorf("expected %d embeddings, got %d", len(chunks), len(vectors)))
	}
	// Dimension mismatch is a configuration error; catch it before any
	// write reaches the index.
	want := p.deps.Embedder.Dimension()
	for i, vector := range vectors {
		if want > 0 && len(vector) != want {
			return zero, models.StageErr("embed", file.FileID,
				fmt.Errorf("%w: chunk %d has %d dimensions, index expects %d",
					models.ErrEmbeddingDimension, i, len(vector), want))
		}
		chunks[i].Embedding = vector
	}

	if err := p.purgePrevious(ctx, file.FileID); err != nil {
		return zero, models.StageErr("purge", file.FileID, err)
	}

	if err := p.deps.Index.Upsert(ctx, chunks); err != nil {
		return zero, models.StageErr("index", file.FileID, err)
	}

	p.recordLedger(ctx, file, len(chunks))

	p.logger.Info("file ingested",
		"file_id", file.FileID,
		"name", file.Name,
		"chunks", len(chunks))
	return models.IngestResult{ChunksIndexed: len(chunks)}, nil
}

// acquire tries every candidate path against every storage client in
// order. A permission denial anywhere is remembered so that after
// exhaustion the caller can tell "denied" from "does not exist".
func (p *Pipeline) acquire(ctx context.Context, file models.SourceFile) ([]byte, error) {
	paths := candidatePaths(file)
	if len(p.deps.Stores) == 0 {
		return nil, errors.New("no storage clients configured")
	}

	denied := false
	for _, store := range p.deps.Stores {
		for _, path := range paths {
			data, err := store.Download(ctx, p.config.Bucket, path)
			if err == nil {
				return data, nil
			}
			switch {
			case errors.Is(err, models.ErrPermission):
				denied = true
			case errors.Is(err, models.ErrNotFound):
			default:
				return nil, err
			}
		}
	}
	if denied {
		return nil, fmt.Errorf("%w: %s", models.ErrPermission, file.FileID)
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNotFound, file.FileID)
}

// candidatePaths lists storage locations to probe, most specific first.
func candidatePaths(file models.SourceFile) []string {
	var paths []string
	add := func(path string) {
		if path == "" {
			return
		}
		for _, seen := range paths {
			if seen == path {
				return
			}
		}
		paths = append(paths, path)
	}
	add(strings.TrimSpace(file.StoragePath))
	if file.OwnerID != "" {
		add(file.OwnerID + "/" + file.FileID)
	}
	add(file.FileID)
	return paths
}

func baseMetadata(file models.SourceFile) map[string]interface{} {
	meta := map[string]interface{}{
		models.MetadataKeySourceFileID: file.FileID,
		"file_name":                    file.Name,
		"media_type":                   file.MediaType,
	}
	if file.OwnerID != "" {
		meta["owner_id"] = file.OwnerID
	}
	if file.Description != "" {
		meta["description"] = file.Description
	}
	return meta
}

// stampChunks guarantees deletion-by-source works no matter what the
// chunker did with the base metadata, and gives every chunk a stable id.
func stampChunks(chunks []models.Chunk, fileID string) {
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]interface{})
		}
		chunks[i].Metadata[models.MetadataKeySourceFileID] = fileID
		chunks[i].ID = fmt.Sprintf("%s_%d", fileID, chunks[i].Index)
	}
}

// purgePrevious removes a previously ingested version, vectors first so
// a purge failure leaves the ledger still pointing at the old data.
func (p *Pipeline) purgePrevious(ctx context.Context, fileID string) error {
	entry, err := p.deps.Ledger.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("checking ledger: %w", err)
	}
	if entry == nil {
		return nil
	}
	p.logger.Info("replacing previously ingested file", "file_id", fileID, "old_chunks", entry.ChunkCount)
	if err := p.deps.Index.DeleteBySource(ctx, fileID); err != nil {
		return fmt.Errorf("purging stale vectors: %w", err)
	}
	if _, err := p.deps.Ledger.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("purging stale ledger row: %w", err)
	}
	return nil
}

// recordLedger tracks the ingestion. The vectors are already committed
// at this point, so a ledger failure is logged rather than surfaced.
func (p *Pipeline) recordLedger(ctx context.Context, file models.SourceFile, chunkCount int) {
	entry := models.LedgerEntry{
		SourceFileID:   file.FileID,
		Processed:      true,
		ChunkCount:     chunkCount,
		EmbeddingModel: p.config.EmbeddingModel,
		VectorStore:    p.config.VectorStoreName,
		Metadata:       baseMetadata(file),
	}
	if err := p.deps.Ledger.Record(ctx, entry); err != nil {
		p.logger.Warn("ledger write failed after successful indexing",
			"file_id", file.FileID, "error", err)
	}
}
