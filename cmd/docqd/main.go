// Docqd is a document question-answering daemon.
//
// It chunks submitted documents, embeds the chunks, indexes them in a
// namespaced vector store, and answers questions about each document with
// retrieval-augmented generation.
//
// Usage:
//
//	# Start with defaults (embedded index, in-process everything)
//	docqd -config config.yaml
//
//	# Environment overrides use the DOCQD_ prefix
//	DOCQD_SERVER__PORT=9090 docqd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/cache"
	"github.com/fyrsmithlabs/docqd/internal/chunker"
	"github.com/fyrsmithlabs/docqd/internal/config"
	"github.com/fyrsmithlabs/docqd/internal/embeddings"
	"github.com/fyrsmithlabs/docqd/internal/events"
	"github.com/fyrsmithlabs/docqd/internal/generation"
	"github.com/fyrsmithlabs/docqd/internal/logging"
	"github.com/fyrsmithlabs/docqd/internal/pipeline"
	"github.com/fyrsmithlabs/docqd/internal/retrieval"
	"github.com/fyrsmithlabs/docqd/internal/server"
	"github.com/fyrsmithlabs/docqd/internal/store"
	"github.com/fyrsmithlabs/docqd/internal/telemetry"
	"github.com/fyrsmithlabs/docqd/internal/vectorstore"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("docqd %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("docqd: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info(ctx, "starting docqd",
		zap.String("version", version),
		zap.String("index_provider", cfg.Index.Provider),
	)

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}()

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer st.Close()

	index, err := newIndex(cfg)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}
	defer index.Close()

	provider, err := embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		APIKey:  cfg.Embedding.APIKey,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer provider.Close()

	generator := embeddings.NewGenerator(provider, embeddings.GeneratorConfig{
		BatchSize:         cfg.Embedding.BatchSize,
		Workers:           cfg.Embedding.Workers,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		MaxAttempts:       cfg.Embedding.MaxAttempts,
		RetryBaseDelay:    cfg.Embedding.RetryBaseDelay,
	}, logger)

	chain, err := newChain(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating generation chain: %w", err)
	}

	mgr, err := cache.NewManager(st, cfg.Cache.TTL, logger)
	if err != nil {
		return fmt.Errorf("creating cache manager: %w", err)
	}

	ck, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("creating chunker: %w", err)
	}

	assembler := retrieval.NewAssembler(index, generator, st, retrieval.Config{
		TopK:        cfg.Retrieval.TopK,
		MinScore:    cfg.Retrieval.MinScore,
		TokenBudget: cfg.Retrieval.TokenBudget,
	}, logger)

	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.NewPublisher(cfg.Events.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer publisher.Close()
	}

	svc, err := pipeline.NewService(pipeline.Deps{
		Store:     st,
		Index:     index,
		Chunker:   ck,
		Embedder:  generator,
		Retriever: assembler,
		Chain:     chain,
		Cache:     mgr,
		Events:    publisher,
		Logger:    logger,
	}, pipeline.Config{
		MaxDocumentBytes: cfg.Server.MaxDocumentSize,
	})
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}
	defer svc.Close()

	srv, err := server.NewServer(svc, logger, server.Config{Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logger.Info(context.Background(), "docqd stopped")
	return nil
}

// newIndex selects the vector index backend.
func newIndex(cfg *config.Config) (vectorstore.Index, error) {
	switch cfg.Index.Provider {
	case "qdrant":
		return vectorstore.NewQdrantIndex(vectorstore.QdrantConfig{
			Host:   cfg.Index.Qdrant.Host,
			Port:   cfg.Index.Qdrant.Port,
			APIKey: cfg.Index.Qdrant.APIKey,
			UseTLS: cfg.Index.Qdrant.UseTLS,
		})
	default:
		return vectorstore.NewChromemIndex(cfg.Index.Chromem.Path)
	}
}

// newChain builds the generation fallback chain in configured order:
// OpenAI-compatible primary, Google AI fallback.
func newChain(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*generation.Chain, error) {
	options := generation.ProviderOptions{
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	}

	var providers []generation.TextGenerator
	if cfg.Generation.OpenAI.Enabled {
		p, err := generation.NewOpenAIGenerator(
			cfg.Generation.OpenAI.BaseURL,
			cfg.Generation.OpenAI.Model,
			cfg.Generation.OpenAI.APIKey,
			options,
		)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.Generation.GoogleAI.Enabled {
		p, err := generation.NewGoogleAIGenerator(ctx,
			cfg.Generation.GoogleAI.Model,
			cfg.Generation.GoogleAI.APIKey,
			options,
		)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	return generation.NewChain(providers, generation.ChainConfig{
		CallTimeout: cfg.Generation.CallTimeout,
	}, logger)
}
