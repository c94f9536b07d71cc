package embed

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ProviderType represents an embedding provider.
type ProviderType string

const (
	// ProviderStatic uses hash-based embeddings (offline, deterministic).
	ProviderStatic ProviderType = "static"

	// ProviderOllama uses an Ollama-compatible HTTP API.
	ProviderOllama ProviderType = "ollama"
)

// ParseProvider parses a provider name. "http" is an alias of "ollama".
func ParseProvider(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ProviderStatic):
		return ProviderStatic, nil
	case string(ProviderOllama), "http":
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("unknown embedding provider %q (want static or ollama)", s)
	}
}

// Config selects and configures an embedder.
type Config struct {
	Provider   ProviderType
	Model      string
	Host       string
	Dimensions int

	// Counter names the token counter (see NewTokenCounter).
	Counter string

	// CacheSize bounds the embedding cache; a negative value disables it.
	CacheSize int

	BatchSize     int
	Timeout       time.Duration
	QueryPrefix   string
	PassagePrefix string
}

// NewEmbedder builds the configured embedder, wrapped in a CachedEmbedder
// unless CacheSize is negative.
func NewEmbedder(cfg Config, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	counter, err := NewTokenCounter(cfg.Counter)
	if err != nil {
		return nil, err
	}

	var embedder Embedder
	switch cfg.Provider {
	case ProviderStatic, "":
		embedder = NewStaticEmbedder(WithStaticDimensions(cfg.Dimensions), WithStaticCounter(counter))
	case ProviderOllama:
		httpCfg := DefaultHTTPConfig()
		if cfg.Host != "" {
			httpCfg.Host = cfg.Host
		}
		if cfg.Model != "" {
			httpCfg.Model = cfg.Model
		}
		if cfg.BatchSize > 0 {
			httpCfg.BatchSize = cfg.BatchSize
		}
		if cfg.Timeout > 0 {
			httpCfg.Timeout = cfg.Timeout
		}
		httpCfg.Dimensions = cfg.Dimensions
		httpCfg.QueryPrefix = cfg.QueryPrefix
		httpCfg.PassagePrefix = cfg.PassagePrefix
		httpCfg.Counter = counter
		embedder = NewHTTPEmbedder(httpCfg, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	logger.Debug("embedder_created",
		slog.String("provider", string(cfg.Provider)),
		slog.String("model", embedder.ModelName()))

	if cfg.CacheSize < 0 {
		return embedder, nil
	}
	return NewCachedEmbedder(embedder, cfg.CacheSize)
}
