package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

// File names searched in a collection root, in order of precedence.
const (
	FileYAML = ".hybridrank.yaml"
	FileYML  = ".hybridrank.yml"
	FileTOML = ".hybridrank.toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HYBRIDRANK_"

// DataDirName is the collection directory created inside the corpus root.
const DataDirName = ".hybridrank"

// Config is the complete hybridrank configuration.
type Config struct {
	Version    int              `yaml:"version" toml:"version"`
	Chunking   ChunkingConfig   `yaml:"chunking" toml:"chunking"`
	Search     SearchConfig     `yaml:"search" toml:"search"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Lexical    LexicalConfig    `yaml:"lexical" toml:"lexical"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" toml:"embeddings"`
	Reranker   RerankerConfig   `yaml:"reranker" toml:"reranker"`
	Corpus     CorpusConfig     `yaml:"corpus" toml:"corpus"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
}

// ChunkingConfig configures the markdown chunker.
type ChunkingConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size" toml:"max_chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" toml:"chunk_overlap"`

	// Tokenizer is "words", "tiktoken" or a tiktoken encoding/model name.
	Tokenizer string `yaml:"tokenizer" toml:"tokenizer"`
}

// SearchConfig configures retrieval, aggregation and fusion.
type SearchConfig struct {
	Limit               int `yaml:"limit" toml:"limit"`
	MaxLimit            int `yaml:"max_limit" toml:"max_limit"`
	RetrievalMultiplier int `yaml:"retrieval_multiplier" toml:"retrieval_multiplier"`

	// Mode is hybrid, bm25 or vector.
	Mode string `yaml:"mode" toml:"mode"`

	LexicalAggregation string  `yaml:"lexical_aggregation" toml:"lexical_aggregation"`
	VectorAggregation  string  `yaml:"vector_aggregation" toml:"vector_aggregation"`
	AggregationM       int     `yaml:"aggregation_m" toml:"aggregation_m"`
	AggregationL       int     `yaml:"aggregation_l" toml:"aggregation_l"`
	AggregationDecay   float64 `yaml:"aggregation_decay" toml:"aggregation_decay"`
	AggregationRRFK    int     `yaml:"aggregation_rrf_k" toml:"aggregation_rrf_k"`

	RRFConstant   int     `yaml:"rrf_constant" toml:"rrf_constant"`
	LexicalWeight float64 `yaml:"lexical_weight" toml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight" toml:"vector_weight"`
	Normalize     bool    `yaml:"normalize" toml:"normalize"`

	TitleWeight   float64 `yaml:"title_weight" toml:"title_weight"`
	ContentWeight float64 `yaml:"content_weight" toml:"content_weight"`

	RerankCandidates int    `yaml:"rerank_candidates" toml:"rerank_candidates"`
	Timeout          string `yaml:"timeout" toml:"timeout"`
}

// StoreConfig selects the transactional store.
type StoreConfig struct {
	// Backend is sqlite or bolt.
	Backend string `yaml:"backend" toml:"backend"`

	// Path is the data directory; empty means DataDirName in the corpus root.
	Path string `yaml:"path" toml:"path"`

	CacheSize int `yaml:"cache_size" toml:"cache_size"`
}

// LexicalConfig configures the lexical index.
type LexicalConfig struct {
	// Backend is kv (BM25 in the store) or bleve.
	Backend  string  `yaml:"backend" toml:"backend"`
	K1       float64 `yaml:"k1" toml:"k1"`
	B        float64 `yaml:"b" toml:"b"`
	Unigrams bool    `yaml:"unigrams" toml:"unigrams"`
	CaseFold bool    `yaml:"case_fold" toml:"case_fold"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is static or ollama.
	Provider      string `yaml:"provider" toml:"provider"`
	Model         string `yaml:"model" toml:"model"`
	Host          string `yaml:"host" toml:"host"`
	Dimensions    int    `yaml:"dimensions" toml:"dimensions"`
	BatchSize     int    `yaml:"batch_size" toml:"batch_size"`
	CacheSize     int    `yaml:"cache_size" toml:"cache_size"`
	Timeout       string `yaml:"timeout" toml:"timeout"`
	QueryPrefix   string `yaml:"query_prefix" toml:"query_prefix"`
	PassagePrefix string `yaml:"passage_prefix" toml:"passage_prefix"`
}

// RerankerConfig configures the optional cross-encoder reranker.
type RerankerConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	Model        string `yaml:"model" toml:"model"`
	Timeout      string `yaml:"timeout" toml:"timeout"`
	MaxRetries   int    `yaml:"max_retries" toml:"max_retries"`
	MaxFailures  int    `yaml:"max_failures" toml:"max_failures"`
	ResetTimeout string `yaml:"reset_timeout" toml:"reset_timeout"`
}

// CorpusConfig selects the files of a directory corpus.
type CorpusConfig struct {
	// Include replaces the default markdown and text globs when set.
	Include []string `yaml:"include" toml:"include"`
	// Exclude adds to the default VCS and index directory excludes.
	Exclude     []string `yaml:"exclude" toml:"exclude"`
	MaxFileSize int64    `yaml:"max_file_size" toml:"max_file_size"`
	BatchSize   int      `yaml:"batch_size" toml:"batch_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level"`
	File      string `yaml:"file" toml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" toml:"max_files"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	// MetricsAddr exposes Prometheus metrics over HTTP when set.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
}

// NewConfig creates a Config with the defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Chunking: ChunkingConfig{
			MaxChunkSize: 512,
			ChunkOverlap: 64,
			Tokenizer:    "words",
		},
		Search: SearchConfig{
			Limit:               10,
			MaxLimit:            100,
			RetrievalMultiplier: 5,
			Mode:                "hybrid",
			LexicalAggregation:  "max_p",
			VectorAggregation:   "max_p",
			AggregationM:        3,
			AggregationL:        3,
			AggregationDecay:    0.95,
			AggregationRRFK:     60,
			RRFConstant:         60,
			LexicalWeight:       1,
			VectorWeight:        1,
			Normalize:           true,
			ContentWeight:       1,
			RerankCandidates:    50,
			Timeout:             "30s",
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			CacheSize: 4096,
		},
		Lexical: LexicalConfig{
			Backend:  "kv",
			K1:       1.2,
			B:        0.75,
			Unigrams: true,
			CaseFold: true,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "static",
			Model:     "nomic-embed-text",
			BatchSize: 32,
			CacheSize: 1000,
			Timeout:   "60s",
		},
		Reranker: RerankerConfig{
			Enabled:      false,
			Timeout:      "30s",
			MaxRetries:   2,
			MaxFailures:  3,
			ResetTimeout: "30s",
		},
		Corpus: CorpusConfig{
			MaxFileSize: 10 * 1024 * 1024,
			BatchSize:   32,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the user configuration file:
// $XDG_CONFIG_HOME/hybridrank/config.yaml, else ~/.config/hybridrank/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hybridrank", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "hybridrank", "config.yaml")
	}
	return filepath.Join(home, ".config", "hybridrank", "config.yaml")
}

// Load builds the configuration of the collection rooted at dir, in order of
// increasing precedence:
//  1. Defaults
//  2. User config (GetUserConfigPath)
//  3. Project config (.hybridrank.yaml, .hybridrank.yml or .hybridrank.toml in dir)
//  4. Environment variables (HYBRIDRANK_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.LoadFile(userPath); err != nil {
			return nil, err
		}
	}
	if path := FindProjectFile(dir); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindProjectFile returns the project config file in dir, or "".
func FindProjectFile(dir string) string {
	for _, name := range []string{FileYAML, FileYML, FileTOML} {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// LoadFile decodes a YAML or TOML file over c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeConfigNotFound, "read config file "+path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return apperrors.ConfigError("parse config file "+path, err).
			WithSuggestion("Check the file syntax and field types")
	}
	return nil
}

// applyEnvOverrides applies HYBRIDRANK_* variables. A malformed value is an
// error rather than silently ignored.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SEARCH_MODE":         &c.Search.Mode,
		"LEXICAL_AGGREGATION": &c.Search.LexicalAggregation,
		"VECTOR_AGGREGATION":  &c.Search.VectorAggregation,
		"STORE_BACKEND":       &c.Store.Backend,
		"STORE_PATH":          &c.Store.Path,
		"LEXICAL_BACKEND":     &c.Lexical.Backend,
		"TOKENIZER":           &c.Chunking.Tokenizer,
		"EMBEDDINGS_PROVIDER": &c.Embeddings.Provider,
		"EMBEDDINGS_MODEL":    &c.Embeddings.Model,
		"EMBEDDINGS_HOST":     &c.Embeddings.Host,
		"RERANKER_ENDPOINT":   &c.Reranker.Endpoint,
		"RERANKER_MODEL":      &c.Reranker.Model,
		"LOG_LEVEL":           &c.Logging.Level,
		"LOG_FILE":            &c.Logging.File,
		"METRICS_ADDR":        &c.Server.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_CHUNK_SIZE":        &c.Chunking.MaxChunkSize,
		"CHUNK_OVERLAP":         &c.Chunking.ChunkOverlap,
		"SEARCH_LIMIT":          &c.Search.Limit,
		"RETRIEVAL_MULTIPLIER":  &c.Search.RetrievalMultiplier,
		"RRF_CONSTANT":          &c.Search.RRFConstant,
		"RERANK_CANDIDATES":     &c.Search.RerankCandidates,
		"EMBEDDINGS_DIMENSIONS": &c.Embeddings.Dimensions,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return envError(key, v, err)
		}
		*dst = n
	}

	floats := map[string]*float64{
		"LEXICAL_WEIGHT": &c.Search.LexicalWeight,
		"VECTOR_WEIGHT":  &c.Search.VectorWeight,
		"TITLE_WEIGHT":   &c.Search.TitleWeight,
		"CONTENT_WEIGHT": &c.Search.ContentWeight,
	}
	for key, dst := range floats {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return envError(key, v, err)
		}
		*dst = f
	}

	if v, ok := os.LookupEnv(EnvPrefix + "RERANKER_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return envError("RERANKER_ENABLED", v, err)
		}
		c.Reranker.Enabled = b
	}
	return nil
}

func envError(key, value string, err error) error {
	return apperrors.ConfigError(fmt.Sprintf("invalid %s%s=%q", EnvPrefix, key, value), err)
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.ConfigError(fmt.Sprintf(format, args...), nil)
	}

	if c.Chunking.MaxChunkSize <= 0 {
		return invalid("chunking.max_chunk_size must be positive, got %d", c.Chunking.MaxChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.MaxChunkSize {
		return invalid("chunking.chunk_overlap must be in [0, max_chunk_size), got %d", c.Chunking.ChunkOverlap)
	}

	s := c.Search
	if s.Limit <= 0 || s.MaxLimit <= 0 || s.Limit > s.MaxLimit {
		return invalid("search.limit must be in [1, max_limit], got %d (max %d)", s.Limit, s.MaxLimit)
	}
	if s.RetrievalMultiplier <= 0 {
		return invalid("search.retrieval_multiplier must be positive, got %d", s.RetrievalMultiplier)
	}
	if !oneOf(s.Mode, "hybrid", "bm25", "lexical", "vector", "semantic") {
		return invalid("search.mode must be hybrid, bm25 or vector, got %q", s.Mode)
	}
	for name, method := range map[string]string{
		"search.lexical_aggregation": s.LexicalAggregation,
		"search.vector_aggregation":  s.VectorAggregation,
	} {
		if !oneOf(method, "max_p", "top_m_sum", "top_m_avg", "weighted_top_l_sum", "rrf_per_doc") {
			return invalid("%s: unknown aggregation method %q", name, method)
		}
	}
	if s.AggregationM <= 0 || s.AggregationL <= 0 || s.AggregationRRFK <= 0 {
		return invalid("search.aggregation_m, aggregation_l and aggregation_rrf_k must be positive")
	}
	if s.AggregationDecay <= 0 || s.AggregationDecay > 1 {
		return invalid("search.aggregation_decay must be in (0, 1], got %g", s.AggregationDecay)
	}
	if s.RRFConstant <= 0 {
		return invalid("search.rrf_constant must be positive, got %d", s.RRFConstant)
	}
	if s.LexicalWeight < 0 || s.VectorWeight < 0 || s.LexicalWeight+s.VectorWeight == 0 {
		return invalid("search.lexical_weight and vector_weight must be non-negative and not both zero")
	}
	if s.TitleWeight < 0 || s.ContentWeight < 0 {
		return invalid("search.title_weight and content_weight must be non-negative")
	}
	if s.RerankCandidates < 0 {
		return invalid("search.rerank_candidates must be non-negative, got %d", s.RerankCandidates)
	}

	if !oneOf(c.Store.Backend, "sqlite", "bolt") {
		return invalid("store.backend must be sqlite or bolt, got %q", c.Store.Backend)
	}
	if !oneOf(c.Lexical.Backend, "kv", "bleve") {
		return invalid("lexical.backend must be kv or bleve, got %q", c.Lexical.Backend)
	}
	if c.Lexical.K1 < 0 || c.Lexical.B < 0 || c.Lexical.B > 1 {
		return invalid("lexical.k1 must be non-negative and lexical.b in [0, 1]")
	}
	if !oneOf(c.Embeddings.Provider, "static", "ollama", "http") {
		return invalid("embeddings.provider must be static or ollama, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 {
		return invalid("embeddings.dimensions must be non-negative, got %d", c.Embeddings.Dimensions)
	}
	if c.Reranker.Enabled && strings.TrimSpace(c.Reranker.Endpoint) == "" {
		return invalid("reranker.endpoint is required when the reranker is enabled")
	}
	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		return invalid("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	for name, d := range map[string]string{
		"search.timeout":         s.Timeout,
		"embeddings.timeout":     c.Embeddings.Timeout,
		"reranker.timeout":       c.Reranker.Timeout,
		"reranker.reset_timeout": c.Reranker.ResetTimeout,
	} {
		if _, err := parseDuration(d); err != nil {
			return apperrors.ConfigError(name+" is not a duration", err)
		}
	}
	return nil
}

// SearchTimeout returns search.timeout, zero when unset.
func (c *Config) SearchTimeout() time.Duration {
	d, _ := parseDuration(c.Search.Timeout)
	return d
}

// EmbeddingsTimeout returns embeddings.timeout, zero when unset.
func (c *Config) EmbeddingsTimeout() time.Duration {
	d, _ := parseDuration(c.Embeddings.Timeout)
	return d
}

// RerankerTimeouts returns the request timeout and the circuit reset timeout.
func (c *Config) RerankerTimeouts() (request, reset time.Duration) {
	request, _ = parseDuration(c.Reranker.Timeout)
	reset, _ = parseDuration(c.Reranker.ResetTimeout)
	return request, reset
}

// DataDir returns the collection directory for the corpus rooted at root.
func (c *Config) DataDir(root string) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(root, DataDirName)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(s))
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
