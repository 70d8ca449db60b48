package gateway

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/logoslabs/logos-gateway/internal/classify"
	"github.com/logoslabs/logos-gateway/internal/config"
	"github.com/logoslabs/logos-gateway/internal/embedding"
	"github.com/logoslabs/logos-gateway/internal/storage"
	"github.com/logoslabs/logos-gateway/internal/storage/memory"
	"github.com/logoslabs/logos-gateway/internal/storage/sqlite"
	"github.com/logoslabs/logos-gateway/internal/tokens"
)

// Option configures a Gateway during construction.
type Option func(*Gateway) error

// WithStore sets the persistence backend.
func WithStore(store storage.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithSQLite opens (or bootstraps) a sqlite store at path.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		g.store = store
		return nil
	}
}

// WithMemoryStore uses the in-memory store, mainly for tests and demos.
func WithMemoryStore() Option {
	return func(g *Gateway) error {
		g.store = memory.New()
		return nil
	}
}

// WithConfig sets the loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithHTTPClient overrides the client used for upstream calls and
// discovery probes.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}

// WithEmbedder enables the semantic classification stage.
func WithEmbedder(embedder classify.Embedder) Option {
	return func(g *Gateway) error {
		g.embedder = embedder
		return nil
	}
}

// WithEmbeddingService enables the semantic stage against an
// OpenAI-compatible embeddings endpoint.
func WithEmbeddingService(baseURL, apiKey, model string, cacheSize int) Option {
	return func(g *Gateway) error {
		client, err := embedding.New(baseURL, apiKey, model, cacheSize)
		if err != nil {
			return fmt.Errorf("create embedding client: %w", err)
		}
		g.embedder = client
		return nil
	}
}

// WithTokenRegistry overrides the token counting registry.
func WithTokenRegistry(reg *tokens.Registry) Option {
	return func(g *Gateway) error {
		g.tokens = reg
		return nil
	}
}
