// memoryd is a durable, bounded memory daemon for conversational
// assistants. It keeps three tiers of memory per user: a working ring of
// the live conversation, episodic summaries of past sessions, and
// semantic facts plus a profile. Sessions are distilled into durable
// memory when they end, and weak memories decay away over time.
//
// Usage:
//
//	memoryd serve [-config path] [-preset minimal|balanced|full_featured]
//	memoryd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toybox-ai/memoryd/internal/api"
	"github.com/toybox-ai/memoryd/internal/buildinfo"
	"github.com/toybox-ai/memoryd/internal/config"
	"github.com/toybox-ai/memoryd/internal/embeddings"
	"github.com/toybox-ai/memoryd/internal/extract"
	"github.com/toybox-ai/memoryd/internal/forget"
	"github.com/toybox-ai/memoryd/internal/llm"
	"github.com/toybox-ai/memoryd/internal/manager"
	"github.com/toybox-ai/memoryd/internal/retrieval"
	"github.com/toybox-ai/memoryd/internal/store"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 2
	exitStorage   = 3
	exitTransient = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(buildinfo.String())
		return exitOK
	}

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}

	fs := flag.NewFlagSet("memoryd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	preset := fs.String("preset", "", "config preset: minimal, balanced, full_featured")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}
	logger := config.NewLogger(os.Stderr, level, cfg.LogFormat)
	logger.Info("starting", "build", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		logger.Error("opening store failed", "path", cfg.DBPath(), "error", err)
		return exitStorage
	}
	defer st.Close()

	llmClient, err := llm.New(cfg.LLM.Provider, llm.Config{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		ExtractionModel: cfg.LLM.ExtractionModel,
		MaxRetries:      cfg.LLM.MaxRetries,
		TimeoutSeconds:  cfg.LLM.TimeoutSeconds,
	})
	if err != nil {
		logger.Error("llm provider setup failed", "error", err)
		return exitConfig
	}

	tokenizer := extract.NewGseTokenizer()
	llmExtractor := extract.NewLLMExtractor(llmClient, tokenizer, cfg.EpisodeSummaryMaxLength, logger)
	ruleExtractor := extract.NewRuleExtractor(tokenizer, cfg.EpisodeSummaryMaxLength)

	var (
		vec   *retrieval.VectorIndex
		embed retrieval.Embedder
	)
	if cfg.Vector.Enabled {
		vec, err = retrieval.OpenVectorIndex(ctx, cfg.VectorDBPath(), cfg.Vector.Dim)
		if err != nil {
			logger.Error("opening vector index failed", "path", cfg.VectorDBPath(), "error", err)
			return exitStorage
		}
		defer vec.Close()
		embed = embeddings.NewClient(cfg.LLM.APIKey, cfg.Vector.EmbeddingBaseURL,
			cfg.Vector.EmbeddingModel, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	}

	var cache *retrieval.Cache
	if cfg.EnableCache {
		cache = retrieval.NewCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	}
	retriever := retrieval.New(st, vec, embed, tokenizer, retrieval.Config{
		MaxResults:          cfg.Vector.MaxRetrievalResults,
		DecayDays:           cfg.MemoryDecayDays,
		SimilarityThreshold: cfg.Vector.SimilarityThreshold,
		TimeDecayWeight:     cfg.TimeDecayWeight,
		AccessCountWeight:   cfg.AccessCountWeight,
	}, cache, logger)

	var vecDeleter forget.VectorDeleter
	if vec != nil {
		vecDeleter = vec
	}
	forgetter := forget.New(st, vecDeleter, forget.Config{
		DecayDays:          cfg.MemoryDecayDays,
		TimeDecayWeight:    cfg.TimeDecayWeight,
		AccessCountWeight:  cfg.AccessCountWeight,
		MinImportance:      cfg.MinImportanceThreshold,
		MaxEpisodesPerUser: cfg.MaxEpisodesPerUser,
		MaxFactsPerUser:    cfg.MaxFactsPerUser,
	}, logger)

	mgr := manager.New(cfg, manager.Deps{
		Store:     st,
		Extractor: llmExtractor,
		Fallback:  ruleExtractor,
		Retriever: retriever,
		Forgetter: forgetter,
		Vec:       vec,
		Embed:     embed,
		Logger:    logger,
	})
	if err := mgr.RestoreSessions(ctx); err != nil {
		logger.Error("restoring sessions failed", "error", err)
		return exitStorage
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return exitTransient
		}
		return exitOK
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return exitTransient
		}
		return exitOK
	}
}

// loadConfig resolves precedence: explicit preset, then config file, then
// defaults when neither is given.
func loadConfig(path, preset string) (*config.Config, error) {
	if preset != "" {
		return config.Preset(preset)
	}

	found, err := config.FindConfig(path)
	if err != nil {
		if path != "" {
			return nil, err
		}
		// No config anywhere: run on defaults.
		return config.Default(), nil
	}
	return config.Load(found)
}
