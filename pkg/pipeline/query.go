package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docdex/docdex/internal/models"
)

const questionLogTimeout = 5 * time.Second

// Ask answers a question from the indexed documents. It always returns
// a structured result: a dead or missing index degrades to
// QueryUnavailable and embedding, search or synthesis failures to
// QueryFailed. It never panics and never returns an error.
func (p *Pipeline) Ask(ctx context.Context, question string) models.QueryResult {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.QueryResult{Status: models.QueryFailed, Detail: "empty question"}
	}

	if p.deps.Index == nil {
		return models.QueryResult{Status: models.QueryUnavailable, Detail: "no vector index configured"}
	}
	if err := p.deps.Index.Ping(ctx); err != nil {
		p.logger.Warn("vector index unreachable", "error", err)
		return models.QueryResult{Status: models.QueryUnavailable, Detail: "vector index unreachable: " + err.Error()}
	}

	p.logQuestion(question)

	vectors, err := p.deps.Embedder.CreateEmbedding(ctx, []string{question})
	if err != nil {
		p.logger.Warn("question embedding failed", "error", err)
		return models.QueryResult{Status: models.QueryFailed, Detail: "embedding question: " + err.Error()}
	}
	if len(vectors) != 1 {
		return models.QueryResult{Status: models.QueryFailed, Detail: "embedding provider returned no vector"}
	}

	chunks, err := p.deps.Index.Query(ctx, vectors[0], p.config.TopK)
	if err != nil {
		p.logger.Warn("similarity search failed", "error", err)
		return models.QueryResult{Status: models.QueryFailed, Detail: "similarity search: " + err.Error()}
	}
	if len(chunks) == 0 {
		return models.QueryResult{
			Status: models.QueryOK,
			Answer: "No indexed documents matched this question.",
		}
	}

	answer, err := p.deps.Synthesizer.Synthesize(ctx, question, chunks)
	if err != nil {
		p.logger.Warn("answer synthesis failed", "error", err)
		return models.QueryResult{
			Status:  models.QueryFailed,
			Sources: chunks,
			Detail:  "answer synthesis: " + err.Error(),
		}
	}

	return models.QueryResult{
		Status:  models.QueryOK,
		Answer:  answer,
		Sources: chunks,
	}
}

// logQuestion records the question in the background. It runs off the
// request context, swallows errors and recovers panics: question
// logging can never slow down or fail a query.
func (p *Pipeline) logQuestion(question string) {
	if p.deps.Questions == nil {
		return
	}
	id := uuid.NewString()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Warn("question log panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), questionLogTimeout)
		defer cancel()
		if err := p.deps.Questions.LogQuestion(ctx, id, question); err != nil {
			p.logger.Warn("question log failed", "error", err)
		}
	}()
}
