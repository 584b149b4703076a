// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	BackendLocal    = "local"
	BackendPostgres = "postgres"

	HistoryRedis  = "redis"
	HistoryMemory = "memory"
)

type Config struct {
	ListenAddr  string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	Index      IndexConfig
	Ingestion  IngestionConfig
	Retrieval  RetrievalConfig
	History    HistoryConfig
	Timeouts   TimeoutConfig

	RetryMaxAttempts      int
	GenerationMaxAttempts int

	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type LLMConfig struct {
	Provider    string
	Temperature float64
	TopP        float64
	TopK        int
}

type IndexConfig struct {
	Backend     string
	StorageRoot string
	Collection  string
}

type IngestionConfig struct {
	MaxFileMB           int
	DefaultChunkSize    int
	DefaultChunkOverlap int
	StagingDir          string
}

type RetrievalConfig struct {
	TopK              int
	FetchK            int
	Lambda            float64
	HistoryWindow     int
	MaxContextChars   int
	ReturnFullHistory bool
}

type HistoryConfig struct {
	Backend              string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	Key                  string
	DegradeOnReadFailure bool
}

type TimeoutConfig struct {
	Embedding  time.Duration
	ModelList  time.Duration
	Generation time.Duration
	History    time.Duration
}

// Load reads .env (when present) and the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		CORSOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Embeddings: EmbeddingConfig{
			Provider:  strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", ProviderOllama)),
			Model:     getEnv("EMBEDDINGS_MODEL", "mxbai-embed-large"),
			Dimension: getInt("EMBEDDINGS_DIMENSION", 0),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderOllama)),
			Temperature: getFloat("LLM_TEMPERATURE", 0.2),
			TopP:        getFloat("LLM_TOP_P", 1.0),
			TopK:        getInt("LLM_TOP_K", 20),
		},
		Index: IndexConfig{
			Backend:     strings.ToLower(getEnv("INDEX_BACKEND", BackendLocal)),
			StorageRoot: getEnv("INDEX_STORAGE_ROOT", "vector_store"),
			Collection:  getEnv("INDEX_COLLECTION", "rag_collection"),
		},
		Ingestion: IngestionConfig{
			MaxFileMB:           getInt("MAX_FILE_SIZE_MB", 8),
			DefaultChunkSize:    getInt("DEFAULT_CHUNK_SIZE", 1000),
			DefaultChunkOverlap: getInt("DEFAULT_CHUNK_OVERLAP", 50),
			StagingDir:          getEnv("INGEST_STAGING_DIR", ""),
		},
		Retrieval: RetrievalConfig{
			TopK:              getInt("RETRIEVAL_TOP_K", 8),
			FetchK:            getInt("RETRIEVAL_FETCH_K", 20),
			Lambda:            getFloat("RETRIEVAL_LAMBDA", 0.8),
			HistoryWindow:     getInt("HISTORY_WINDOW", 2),
			MaxContextChars:   getInt("CONTEXT_MAX_CHARS", 12000),
			ReturnFullHistory: getBool("RETURN_FULL_HISTORY", true),
		},
		History: HistoryConfig{
			Backend:              strings.ToLower(getEnv("HISTORY_BACKEND", HistoryRedis)),
			RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:        getEnv("REDIS_PASSWORD", ""),
			RedisDB:              getInt("REDIS_DB", 0),
			Key:                  getEnv("HISTORY_KEY", "rag:conversation_history"),
			DegradeOnReadFailure: getBool("HISTORY_DEGRADE_ON_READ_ERROR", false),
		},
		Timeouts: TimeoutConfig{
			Embedding:  getDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			ModelList:  getDuration("MODEL_LIST_TIMEOUT", 10*time.Second),
			Generation: getDuration("GENERATION_TIMEOUT", 120*time.Second),
			History:    getDuration("HISTORY_TIMEOUT", 5*time.Second),
		},

		RetryMaxAttempts:      getInt("RETRY_MAX_ATTEMPTS", 3),
		GenerationMaxAttempts: getInt("GENERATION_MAX_ATTEMPTS", 1),

		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/rag?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", ""),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),
	}
}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	switch c.Index.Backend {
	case BackendLocal, BackendPostgres:
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}
	switch c.History.Backend {
	case HistoryRedis, HistoryMemory:
	default:
		return fmt.Errorf("unknown history backend: %s", c.History.Backend)
	}
	if strings.TrimSpace(c.Index.StorageRoot) == "" {
		return fmt.Errorf("INDEX_STORAGE_ROOT must not be empty")
	}
	if strings.TrimSpace(c.Index.Collection) == "" {
		return fmt.Errorf("INDEX_COLLECTION must not be empty")
	}
	if c.Ingestion.MaxFileMB <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if c.Retrieval.FetchK < c.Retrieval.TopK {
		return fmt.Errorf("RETRIEVAL_FETCH_K (%d) must be at least RETRIEVAL_TOP_K (%d)", c.Retrieval.FetchK, c.Retrieval.TopK)
	}
	if c.Retrieval.Lambda < 0 || c.Retrieval.Lambda > 1 {
		return fmt.Errorf("RETRIEVAL_LAMBDA must be within [0, 1]")
	}
	if c.Retrieval.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW must not be negative")
	}
	if c.RetryMaxAttempts <= 0 || c.GenerationMaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func getFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func getList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
