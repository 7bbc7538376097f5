// Package bootstrap builds the service graph from configuration. Both the
// HTTP server and the CLI start from a Container.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/ruleassist/artifact"
	"github.com/liamcoop/ruleassist/events"
	"github.com/liamcoop/ruleassist/internal/config"
	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/knowledge"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/llm/gemini"
	"github.com/liamcoop/ruleassist/llm/ollama"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
	"github.com/liamcoop/ruleassist/workflow"
)

// Container owns every long-lived dependency. Close releases them.
type Container struct {
	Config       *config.Config
	DB           *sql.DB
	Redis        *redis.Client
	Rules        rules.RuleStore
	Engine       *rules.Engine
	Knowledge    knowledge.Store
	Retriever    *knowledge.Retriever
	Ingester     *knowledge.Ingester
	Client       llm.Client
	Embedder     llm.Embedder
	Loader       *prompts.Loader
	Publisher    events.Publisher
	Orchestrator *workflow.Orchestrator
}

type Option func(*options)

type options struct {
	client   llm.Client
	embedder llm.Embedder
}

// WithClient replaces the configured completion backend.
func WithClient(c llm.Client) Option {
	return func(o *options) { o.client = c }
}

// WithEmbedder replaces the configured embedding backend.
func WithEmbedder(e llm.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// New connects to the configured backends. An empty database URL selects
// in-memory stores and an empty NATS URL selects the in-process publisher.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{Config: cfg, Engine: rules.NewEngine()}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	if err := c.openStores(ctx); err != nil {
		return nil, err
	}

	client, embedder, err := newBackends(cfg)
	if err != nil {
		return nil, err
	}
	if o.client != nil {
		client = o.client
	}
	if o.embedder != nil {
		embedder = o.embedder
	}
	c.Embedder = embedder
	c.Client = llm.NewRetryingClient(client, llm.RetryConfig{
		MaxRetries:      cfg.LLM.MaxRetries,
		CallTimeout:     cfg.LLM.CallTimeout,
		InitialInterval: cfg.LLM.InitialInterval,
		MaxInterval:     cfg.LLM.MaxInterval,
	})

	c.Retriever = knowledge.NewRetriever(embedder, c.Knowledge,
		knowledge.WithCacheTTL(cfg.Knowledge.CacheTTL),
		knowledge.WithMinScore(cfg.Knowledge.MinScore),
	)
	c.Ingester = knowledge.NewIngester(embedder, c.Knowledge, cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)

	if cfg.Nats.URL != "" {
		pub, err := events.NewNatsPublisher(cfg.Nats.URL)
		if err != nil {
			return nil, err
		}
		c.Publisher = pub
	} else {
		c.Publisher = events.NewChannelPublisher()
	}

	c.Loader = prompts.NewLoader(cfg.Prompts.File)
	c.Orchestrator = workflow.New(c.Client, c.Rules,
		workflow.WithConfig(workflow.Config{
			DefaultIndustry:        cfg.Workflow.DefaultIndustry,
			HistoryTurns:           cfg.Workflow.HistoryTurns,
			TopK:                   cfg.Knowledge.TopK,
			ConversationalResponse: cfg.Workflow.ConversationalResponse,
			ConflictReview:         cfg.Workflow.ConflictReview,
			ArtifactDir:            cfg.Workflow.ArtifactDir,
		}),
		workflow.WithLoader(c.Loader),
		workflow.WithRetriever(c.Retriever),
		workflow.WithEngine(c.Engine),
		workflow.WithGenerator(artifact.NewGenerator(c.Client,
			artifact.WithPackage(cfg.Workflow.Package),
			artifact.WithAttempts(cfg.Workflow.GenerationAttempts),
		)),
		workflow.WithPublisher(c.Publisher),
	)

	ok = true
	return c, nil
}

func (c *Container) openStores(ctx context.Context) error {
	var base rules.RuleStore
	if url := c.Config.Database.URL; url != "" {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		c.DB = db
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		base = rules.NewPostgresRuleStore(db)
		c.Knowledge = knowledge.NewPostgresStore(db)
		logger.Info("using PostgreSQL stores")
	} else {
		base = rules.NewInMemoryRuleStore()
		c.Knowledge = knowledge.NewMemoryStore()
		logger.Info("using in-memory stores")
	}

	cacheCfg := rules.DefaultCacheConfig()
	cacheCfg.TTL = c.Config.Redis.RulesTTL
	if url := c.Config.Redis.URL; url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		c.Redis = redis.NewClient(opt)
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		c.Rules = rules.NewCachedRuleStore(base, rules.NewRedisRulesCache(c.Redis, cacheCfg))
	} else {
		c.Rules = rules.NewCachedRuleStore(base, rules.NewInMemoryRulesCache(cacheCfg))
	}
	return nil
}

// backend is what both REST adapters implement.
type backend interface {
	llm.Client
	llm.Embedder
}

func newBackends(cfg *config.Config) (llm.Client, llm.Embedder, error) {
	client, err := newBackend(strings.ToLower(cfg.LLM.Provider), cfg.LLM.Model, cfg)
	if err != nil {
		return nil, nil, err
	}
	embedder, err := newBackend(cfg.EmbeddingProvider(), "", cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, embedder, nil
}

func newBackend(provider, model string, cfg *config.Config) (backend, error) {
	switch provider {
	case "gemini":
		if cfg.LLM.APIKey == "" {
			logger.Warn("gemini selected without an API key; model calls will fail")
		}
		return gemini.NewClient(gemini.Config{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          model,
			EmbeddingModel: cfg.Embedding.Model,
		}), nil
	case "ollama":
		return ollama.NewClient(ollama.Config{
			BaseURL:        cfg.LLM.BaseURL,
			Model:          model,
			EmbeddingModel: cfg.Embedding.Model,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", provider)
	}
}

// Ping reports whether the backing database is reachable. In-memory mode is always healthy.
func (c *Container) Ping(ctx context.Context) error {
	if c.DB == nil {
		return nil
	}
	return c.DB.PingContext(ctx)
}

func (c *Container) Close() error {
	var errs []error
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
