package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/docdex/docdex/internal/models"
	cfgPkg "github.com/docdex/docdex/pkg/config"
	"github.com/docdex/docdex/pkg/llm"
	"github.com/docdex/docdex/pkg/pipeline"
	"github.com/docdex/docdex/pkg/store"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func printResult(result models.QueryResult) {
	switch result.Status {
	case models.QueryOK:
		color.Cyan("Assistant: %s", result.Answer)
		printSources(result.Sources)
	case models.QueryUnavailable:
		color.Red("Service unavailable: %s", result.Detail)
	default:
		color.Red("Query failed: %s", result.Detail)
	}
}

func printSources(chunks []models.RetrievedChunk) {
	if len(chunks) == 0 {
		return
	}
	color.Blue("\nSources:")
	for _, chunk := range chunks {
		name := chunk.ID
		if fileName, ok := chunk.Metadata["file_name"].(string); ok && fileName != "" {
			name = fileName
		}
		color.Blue("  %.2f  %s", chunk.Score, name)
	}
}

func chatLoop(ctx context.Context, pipe *pipeline.Pipeline, embedder *llm.Embedder, vectorStore *store.VectorStore, chatEngine *llm.ChatEngine, cfg *cfgPkg.Config) error {
	color.Cyan("\nChat with your documents (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.ToLower(query) == "exit" {
			break
		}

		if !cfg.UI.Streaming {
			responseSpinner := getSpinner(" Thinking...")
			result := pipe.Ask(ctx, query)
			responseSpinner.Finish()
			fmt.Print("\n")
			printResult(result)
			continue
		}

		// Streaming answers need the retrieval pieces directly; the
		// one-shot orchestrator only returns a complete result.
		querySpinner := getSpinner(" Searching documents...")
		embeddings, err := embedder.CreateEmbedding(ctx, []string{query})
		if err != nil {
			querySpinner.Finish()
			color.Red("\nFailed to embed question: %v", err)
			continue
		}
		chunks, err := vectorStore.Query(ctx, embeddings[0], cfg.Database.SearchLimit)
		querySpinner.Finish()
		if err != nil {
			color.Red("\nError querying documents: %v", err)
			continue
		}
		if len(chunks) == 0 {
			fmt.Print("\n")
			assistantPrompt("Assistant: No indexed documents matched this question.\n")
			continue
		}

		stream := chatEngine.SynthesizeStream(ctx, query, chunks)
		responseSpinner := getSpinner(" Thinking...")
		firstChunk := true

		fmt.Print("\n")
		assistantPrompt("Assistant: ")

		for chunk := range stream {
			if strings.HasPrefix(chunk, "Error:") {
				responseSpinner.Finish()
				color.Red("\n%s", chunk)
				break
			}
			if firstChunk {
				responseSpinner.Finish()
				firstChunk = false
			}
			fmt.Print(chunk)
		}
		if firstChunk {
			responseSpinner.Finish()
		}
		fmt.Print("\n")
		printSources(chunks)
	}

	return nil
}
