package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is loaded once at startup
// and shared by reference; nothing mutates it afterwards.
type Config struct {
	Indexing   IndexingConfig   `mapstructure:"indexing"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type IndexingConfig struct {
	// SourcePath is the directory holding the document corpus.
	SourcePath string `mapstructure:"source_path"`
	// TrackerPath is the JSON file recording per-file content hashes.
	TrackerPath string `mapstructure:"tracker_path"`
	// ChunkSize bounds chunk length in characters.
	ChunkSize int `mapstructure:"chunk_size"`
	// EmbedBatchSize bounds concurrent embedding calls per file.
	EmbedBatchSize int `mapstructure:"embed_batch_size"`
	// EmbedRatePerSec paces embedding requests; 0 disables pacing.
	EmbedRatePerSec float64 `mapstructure:"embed_rate_per_sec"`
}

type ProxyConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Endpoint string `mapstructure:"endpoint"`
	// FingerprintLength is the tail length used by the fallback locator
	// when splicing context into a system message.
	FingerprintLength int `mapstructure:"fingerprint_length"`
}

type LLMConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
}

type EmbeddingsConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

type QdrantConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	APIKey         string  `mapstructure:"api_key"`
	Collection     string  `mapstructure:"collection"`
	VectorSize     uint64  `mapstructure:"vector_size"`
	Distance       string  `mapstructure:"distance"`
	TopK           int     `mapstructure:"top_k"`
	ScoreThreshold float32 `mapstructure:"score_threshold"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables tracing.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.LLM.Endpoint != "" && c.LLM.APIKey == "" {
		warnings = append(warnings, "llm endpoint is configured but api_key is empty")
	}
	if c.Indexing.ChunkSize < 0 {
		warnings = append(warnings, fmt.Sprintf("indexing chunk_size %d is negative", c.Indexing.ChunkSize))
	}
	if c.Qdrant.ScoreThreshold < 0 || c.Qdrant.ScoreThreshold > 1 {
		warnings = append(warnings, fmt.Sprintf("qdrant score_threshold %.2f is outside [0.0, 1.0]", c.Qdrant.ScoreThreshold))
	}
	return warnings
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RAGPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}
	if cfg.Proxy.FingerprintLength <= 0 {
		cfg.Proxy.FingerprintLength = 255
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("indexing.chunk_size", 512)
	v.SetDefault("indexing.embed_batch_size", 8)
	v.SetDefault("indexing.tracker_path", "file_tracker.json")
	v.SetDefault("proxy.host", "127.0.0.1")
	v.SetDefault("proxy.port", 3000)
	v.SetDefault("proxy.endpoint", "/v1/chat/completions")
	v.SetDefault("proxy.fingerprint_length", 255)
	v.SetDefault("qdrant.distance", "Cosine")
	v.SetDefault("qdrant.top_k", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.sample_rate", 1.0)
}
