package pipeline

import (
	"context"
	"errors"

	"github.com/docdex/docdex/internal/models"
)

// Delete removes a source file's footprint. An untracked file is a
// successful no-op with Found=false and the index is never touched.
// For a tracked file the ledger row goes first; the vector purge after
// it is best effort, since orphaned vectors are invisible to the ledger
// and get replaced on re-ingest anyway.
func (p *Pipeline) Delete(ctx context.Context, sourceFileID string) (models.DeleteResult, error) {
	var zero models.DeleteResult

	if sourceFileID == "" {
		return zero, models.StageErr("validate", "", errors.New("empty source file id"))
	}

	p.locks.Lock(sourceFileID)
	defer p.locks.Unlock(sourceFileID)

	entry, err := p.deps.Ledger.Get(ctx, sourceFileID)
	if err != nil {
		return zero, models.StageErr("ledger lookup", sourceFileID, err)
	}
	if entry == nil {
		return models.DeleteResult{Found: false}, nil
	}

	if _, err := p.deps.Ledger.Delete(ctx, sourceFileID); err != nil {
		return zero, models.StageErr("ledger delete", sourceFileID, err)
	}

	if err := p.deps.Index.DeleteBySource(ctx, sourceFileID); err != nil {
		p.logger.Warn("vector purge failed after ledger delete",
			"file_id", sourceFileID, "error", err)
	}

	p.logger.Info("file deleted", "file_id", sourceFileID, "chunks", entry.ChunkCount)
	return models.DeleteResult{Found: true}, nil
}
