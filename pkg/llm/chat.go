package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"github.com/docdex/docdex/internal/models"
)

// ChatConfig represents the configuration for the answer synthesizer.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
	BaseURL         string // Ollama server URL
}

// ChatEngine synthesizes answers from a question and retrieved chunks.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.Temperature <= 0 {
		config.Temperature = 0.7
	}
	if config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant with access to the user's documents. " +
			"Answer questions based on the provided document excerpts."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "Relevant document excerpts:\n%s\nQuestion: %s"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// Synthesize generates an answer to the question grounded in the
// retrieved chunks.
func (ce *ChatEngine) Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (string, error) {
	response, err := ce.llm.GenerateContent(ctx, ce.buildMessages(question, chunks),
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature))
	if err != nil {
		return "", fmt.Errorf("answer synthesis: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("answer synthesis: no response from LLM")
	}

	return response.Choices[0].Content, nil
}

// SynthesizeStream generates the answer incrementally. The channel is
// closed when generation finishes; a trailing "Error: ..." element
// signals a mid-stream failure.
func (ce *ChatEngine) SynthesizeStream(ctx context.Context, question string, chunks []models.RetrievedChunk) <-chan string {
	resultChan := make(chan string)

	go func() {
		defer close(resultChan)

		_, err := ce.llm.GenerateContent(ctx, ce.buildMessages(question, chunks),
			llms.WithMaxTokens(ce.config.MaxTokens),
			llms.WithTemperature(ce.config.Temperature),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case resultChan <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}))
		if err != nil {
			resultChan <- fmt.Sprintf("Error: %v", err)
		}
	}()

	return resultChan
}

func (ce *ChatEngine) buildMessages(question string, chunks []models.RetrievedChunk) []llms.MessageContent {
	var contextBuilder strings.Builder
	for _, chunk := range chunks {
		contextBuilder.WriteString(fmt.Sprintf("Source: %s\n%s\n\n", chunkSource(chunk), chunk.Text))
	}

	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(schema.ChatMessageTypeHuman,
			fmt.Sprintf(ce.config.ContextTemplate, contextBuilder.String(), question)),
	}
}

func chunkSource(chunk models.RetrievedChunk) string {
	if name, ok := chunk.Metadata["file_name"].(string); ok && name != "" {
		return name
	}
	if id, ok := chunk.Metadata[models.MetadataKeySourceFileID].(string); ok && id != "" {
		return id
	}
	return chunk.ID
}
