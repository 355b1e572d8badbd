package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docdex/docdex/internal/models"
	"github.com/docdex/docdex/internal/types"
	cfgPkg "github.com/docdex/docdex/pkg/config"
	"github.com/docdex/docdex/pkg/extractor"
	"github.com/docdex/docdex/pkg/ledger"
	"github.com/docdex/docdex/pkg/llm"
	"github.com/docdex/docdex/pkg/pipeline"
	"github.com/docdex/docdex/pkg/processor"
	"github.com/docdex/docdex/pkg/storage"
	"github.com/docdex/docdex/pkg/store"
	"github.com/docdex/docdex/server"
)

type Flags struct {
	ConfigPath  string
	BaseURL     string
	DBUrl       string
	DataDir     string
	IngestPath  string
	FileID      string
	OwnerID     string
	MediaType   string
	Description string
	DeleteID    string
	Question    string
	Listen      string
	Verbose     bool
}

func main() {
	flags := parseFlags()

	if err := run(flags); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() Flags {
	var flags Flags

	flag.StringVar(&flags.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&flags.BaseURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&flags.DBUrl, "db-url", "", "PostgreSQL connection string")
	flag.StringVar(&flags.DataDir, "data-dir", "", "Local blob storage directory")
	flag.StringVar(&flags.IngestPath, "ingest", "", "Path of a file to ingest")
	flag.StringVar(&flags.FileID, "file-id", "", "Source file id (generated when empty)")
	flag.StringVar(&flags.OwnerID, "owner", "", "Owner id to record on ingested files")
	flag.StringVar(&flags.MediaType, "media-type", "", "Media type of the ingested file (guessed from extension when empty)")
	flag.StringVar(&flags.Description, "description", "", "Description to record on the ingested file")
	flag.StringVar(&flags.DeleteID, "delete", "", "Source file id to delete")
	flag.StringVar(&flags.Question, "ask", "", "Ask a single question and exit")
	flag.StringVar(&flags.Listen, "listen", "", "Serve the WebSocket API on this address instead of the chat loop")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	return flags
}

func loadConfig(flags Flags) (*cfgPkg.Config, error) {
	cfg, err := cfgPkg.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Command line flags win over the file and environment.
	if flags.BaseURL != "" {
		cfg.LLM.BaseURL = flags.BaseURL
	}
	if flags.DBUrl != "" {
		cfg.Database.URL = flags.DBUrl
	}
	if flags.DataDir != "" {
		cfg.Storage.DataDir = flags.DataDir
	}

	if violations := cfg.Validate(); len(violations) > 0 {
		for _, v := range violations {
			color.Red("config: %s: %s", v.Field, v.Message)
		}
		return nil, fmt.Errorf("invalid configuration (%d problems)", len(violations))
	}
	return cfg, nil
}

func run(flags Flags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := extractor.CheckAvailable(); err != nil {
		color.Yellow("PDF extraction tools missing: %v", err)
		color.Yellow("%s", extractor.InstallInstructions())
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	vectorStore, err := store.NewWithConfig(ctx, pool, store.VectorStoreConfig{
		TableName:   cfg.Database.TableName,
		VectorDim:   cfg.Database.VectorDim,
		SearchLimit: cfg.Database.SearchLimit,
	})
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}

	fileLedger, err := ledger.NewWithConfig(ctx, pool, ledger.Config{
		TableName: cfg.Database.LedgerTable,
	})
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:     cfg.LLM.EmbedModel,
		BaseURL:   cfg.LLM.BaseURL,
		Dimension: cfg.Database.VectorDim,
		RateLimit: cfg.LLM.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("initializing chat engine: %w", err)
	}

	blobs, err := storage.NewLocalStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing blob storage: %w", err)
	}

	proc := processor.NewWithConfig(processor.Config{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
	})

	extract := extractor.NewWithConfig(extractor.Config{
		MinChars: cfg.Extractor.MinChars,
		MinWords: cfg.Extractor.MinWords,
		OCRDPI:   cfg.Extractor.OCRDPI,
	}, logger)

	pipe := pipeline.New(pipeline.Config{
		MaxFileBytes:    cfg.Pipeline.MaxFileBytes,
		TopK:            cfg.Database.SearchLimit,
		Bucket:          cfg.Storage.Bucket,
		EmbeddingModel:  cfg.LLM.EmbedModel,
		VectorStoreName: "pgvector",
	}, pipeline.Deps{
		Stores:      []types.BlobStore{blobs},
		Extractor:   extract,
		Chunker:     &proc,
		Embedder:    embedder,
		Index:       vectorStore,
		Ledger:      fileLedger,
		Synthesizer: chatEngine,
		Questions:   fileLedger,
		Logger:      logger,
	})

	switch {
	case flags.IngestPath != "":
		return ingestFile(ctx, pipe, blobs, cfg.Storage.Bucket, flags)
	case flags.DeleteID != "":
		return deleteFile(ctx, pipe, flags.DeleteID)
	case flags.Question != "":
		printResult(pipe.Ask(ctx, flags.Question))
		return nil
	case flags.Listen != "":
		return server.New(server.Config{Addr: flags.Listen}, pipe, logger).Run(ctx)
	default:
		return chatLoop(ctx, pipe, embedder, vectorStore, chatEngine, cfg)
	}
}

func ingestFile(ctx context.Context, pipe *pipeline.Pipeline, blobs *storage.LocalStore, bucket string, flags Flags) error {
	info, err := os.Stat(flags.IngestPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", flags.IngestPath, err)
	}
	if info.IsDir() {
		return ingestDirectory(ctx, pipe, blobs, bucket, flags)
	}

	fileID := flags.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	spinner := getSpinner(" Ingesting " + filepath.Base(flags.IngestPath) + "...")
	result, err := ingestOne(ctx, pipe, blobs, bucket, flags, flags.IngestPath, fileID)
	spinner.Finish()
	fmt.Print("\n")

	if err != nil {
		return err
	}
	color.Green("✓ Ingested %s as %s (%d chunks)", flags.IngestPath, fileID, result.ChunksIndexed)
	return nil
}

func ingestDirectory(ctx context.Context, pipe *pipeline.Pipeline, blobs *storage.LocalStore, bucket string, flags Flags) error {
	if flags.FileID != "" {
		return fmt.Errorf("-file-id only applies to single files")
	}

	var paths []string
	err := filepath.WalkDir(flags.IngestPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", flags.IngestPath, err)
	}
	if len(paths) == 0 {
		color.Yellow("No files found under %s", flags.IngestPath)
		return nil
	}

	bar := getProgressBar(len(paths), " Ingesting files...")
	chunks, failed := 0, 0
	for _, path := range paths {
		result, err := ingestOne(ctx, pipe, blobs, bucket, flags, path, uuid.NewString())
		if err != nil {
			failed++
			color.Red("\n%s: %v", path, err)
		} else {
			chunks += result.ChunksIndexed
		}
		bar.Add(1)
	}
	fmt.Print("\n")

	color.Green("✓ Ingested %d files (%d chunks, %d failed)", len(paths)-failed, chunks, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

func ingestOne(ctx context.Context, pipe *pipeline.Pipeline, blobs *storage.LocalStore, bucket string, flags Flags, path, fileID string) (models.IngestResult, error) {
	var zero models.IngestResult

	data, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("reading %s: %w", path, err)
	}

	mediaType := flags.MediaType
	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mediaType == "" {
		return zero, fmt.Errorf("cannot guess media type of %s, pass -media-type", path)
	}

	storagePath := fileID
	if flags.OwnerID != "" {
		storagePath = flags.OwnerID + "/" + fileID
	}
	if err := blobs.Upload(ctx, bucket, storagePath, data); err != nil {
		return zero, fmt.Errorf("staging file: %w", err)
	}

	return pipe.Ingest(ctx, models.SourceFile{
		FileID:      fileID,
		StoragePath: storagePath,
		Name:        filepath.Base(path),
		MediaType:   mediaType,
		ByteSize:    int64(len(data)),
		OwnerID:     flags.OwnerID,
		Description: flags.Description,
	})
}

func deleteFile(ctx context.Context, pipe *pipeline.Pipeline, sourceFileID string) error {
	result, err := pipe.Delete(ctx, sourceFileID)
	if err != nil {
		return err
	}
	if !result.Found {
		color.Yellow("File %s was not tracked, nothing to delete", sourceFileID)
		return nil
	}
	color.Green("✓ Deleted %s", sourceFileID)
	return nil
}
