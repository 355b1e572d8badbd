package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"

	"github.com/docdex/docdex/internal/models"
)

// EmbedderConfig configures the embedding provider client.
type EmbedderConfig struct {
	Model   string
	BaseURL string // Ollama server URL

	// Dimension is the pipeline-wide vector length. Every embedding the
	// provider returns must have exactly this length; anything else is
	// a configuration error, not a transient failure.
	Dimension int

	// RateLimit caps provider calls per second.
	RateLimit float64
}

// Embedder computes fixed-length embedding vectors for text.
type Embedder struct {
	config  EmbedderConfig
	llm     *ollama.LLM
	limiter *rate.Limiter
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Dimension == 0 {
		config.Dimension = 768
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}

	emb, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}

	return &Embedder{
		config:  config,
		llm:     emb,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// CreateEmbedding embeds each text, enforcing the configured dimension
// before anything reaches the vector index.
func (e *Embedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	embeddings, err := e.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(embeddings), len(texts))
	}
	if err := ValidateDimensions(embeddings, e.config.Dimension); err != nil {
		return nil, err
	}

	return embeddings, nil
}

// Dimension reports the configured vector length.
func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

// ValidateDimensions checks every vector against the expected length.
func ValidateDimensions(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("%w: vector %d has %d dimensions, index expects %d",
				models.ErrEmbeddingDimension, i, len(v), want)
		}
	}
	return nil
}
