package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		BaseURL     string  `yaml:"base_url"`
		Model       string  `yaml:"model"`
		EmbedModel  string  `yaml:"embed_model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		RateLimit   float64 `yaml:"rate_limit"`
	} `yaml:"llm"`

	Database struct {
		URL         string `yaml:"url"`
		TableName   string `yaml:"table_name"`
		LedgerTable string `yaml:"ledger_table"`
		VectorDim   int    `yaml:"vector_dim"`
		BatchSize   int    `yaml:"batch_size"`
		SearchLimit int    `yaml:"search_limit"`
	} `yaml:"database"`

	Storage struct {
		Bucket  string `yaml:"bucket"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`

	Extractor struct {
		MinChars int `yaml:"min_chars"`
		MinWords int `yaml:"min_words"`
		OCRDPI   int `yaml:"ocr_dpi"`
	} `yaml:"extractor"`

	Processor struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
	} `yaml:"processor"`

	Pipeline struct {
		MaxFileBytes int64 `yaml:"max_file_bytes"`
	} `yaml:"pipeline"`

	UI struct {
		Streaming bool   `yaml:"streaming"`
		Theme     string `yaml:"theme"`
	} `yaml:"ui"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docdex/config.yaml"),
			"/etc/docdex/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.EmbedModel == "" {
		config.LLM.EmbedModel = "nomic-embed-text:latest"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.RateLimit == 0 {
		config.LLM.RateLimit = 10.0
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "chunks"
	}
	if config.Database.LedgerTable == "" {
		config.Database.LedgerTable = "file_ledger"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}
	if config.Database.SearchLimit == 0 {
		config.Database.SearchLimit = 5
	}

	if config.Storage.Bucket == "" {
		config.Storage.Bucket = "files"
	}
	if config.Storage.DataDir == "" {
		config.Storage.DataDir = "./data"
	}

	if config.Extractor.MinChars == 0 {
		config.Extractor.MinChars = 50
	}
	if config.Extractor.MinWords == 0 {
		config.Extractor.MinWords = 10
	}
	if config.Extractor.OCRDPI == 0 {
		config.Extractor.OCRDPI = 300
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1024
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}

	if config.Pipeline.MaxFileBytes == 0 {
		config.Pipeline.MaxFileBytes = 30 * 1024 * 1024
	}

	if config.UI.Theme == "" {
		config.UI.Theme = "default"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if bucket := os.Getenv("STORAGE_BUCKET"); bucket != "" {
		config.Storage.Bucket = bucket
	}
	if dataDir := os.Getenv("DATA_DIRECTORY"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
}
