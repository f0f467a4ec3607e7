package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/pensieve/internal/alert"
	"github.com/agentworkforce/pensieve/internal/config"
	"github.com/agentworkforce/pensieve/internal/httpapi"
	"github.com/agentworkforce/pensieve/internal/inference"
	"github.com/agentworkforce/pensieve/internal/insight"
	"github.com/agentworkforce/pensieve/internal/metrics"
	"github.com/agentworkforce/pensieve/internal/provider"
	"github.com/agentworkforce/pensieve/internal/search"
	"github.com/agentworkforce/pensieve/internal/store"
	"github.com/agentworkforce/pensieve/internal/syncer"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	once := pflag.Bool("once", false, "run one sync and analysis pass, then exit")
	pflag.Parse()

	logger := log.New(os.Stderr, "pensieve ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreDSN, store.Options{Logger: logger})
	if err != nil {
		logger.Fatalf("open store %s: %v", cfg.StoreDSN, err)
	}
	defer st.Close()
	if err := st.Setup(ctx); err != nil {
		logger.Fatalf("set up store schema: %v", err)
	}

	idx, err := openIndex(cfg.IndexPath)
	if err != nil {
		logger.Fatalf("open search index %s: %v", cfg.IndexPath, err)
	}
	defer idx.Close()

	flags := config.NewFlags(cfg.FlagsFile, logger)
	if cfg.FlagsFile != "" {
		if err := flags.Watch(); err != nil {
			logger.Printf("watch flags file: %v", err)
		}
	}
	defer flags.Close()

	m := metrics.New()

	fetcher := provider.NewClient(provider.ClientOptions{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Logger:  logger,
	})
	alerter := alert.NewClient(alert.ClientOptions{
		WebhookURL: cfg.Alert.WebhookURL,
		Logger:     logger,
	})

	controller := syncer.New(syncer.Options{
		Store:              st,
		Fetcher:            fetcher,
		Index:              idx,
		Alert:              alerter,
		Disabled:           flags.SyncDisabled,
		FullRefresh:        flags.FullRefreshRequested,
		ClearFullRefresh:   flags.ClearFullRefresh,
		PageLimit:          cfg.Provider.PageLimit,
		Timezone:           cfg.Provider.Timezone,
		BootstrapWindow:    cfg.Sync.BootstrapWindow,
		BackfillMargin:     cfg.Sync.BackfillMargin,
		StalenessThreshold: cfg.Sync.StalenessThreshold,
		AlertMinInterval:   cfg.Sync.AlertMinInterval,
		Metrics:            m,
		Logger:             logger,
	})

	orchestrator, err := insight.New(insight.Options{
		Store: st,
		Primary: inference.NewGemini(inference.GeminiOptions{
			BaseURL: cfg.Inference.Primary.BaseURL,
			APIKey:  cfg.Inference.Primary.APIKey,
			Model:   cfg.Inference.Primary.Model,
		}),
		Secondary: inference.NewOpenAI(inference.OpenAIOptions{
			BaseURL: cfg.Inference.Secondary.BaseURL,
			APIKey:  cfg.Inference.Secondary.APIKey,
			Model:   cfg.Inference.Secondary.Model,
		}),
		Disabled:     flags.InferenceDisabled,
		CallDelay:    cfg.Inference.CallDelay,
		MaxSegments:  cfg.Inference.MaxSegments,
		DefaultLimit: cfg.Inference.BatchLimit,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("build analysis orchestrator: %v", err)
	}

	if *once {
		runPass(ctx, controller, orchestrator, logger)
		return
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(httpapi.ServerOptions{
			Store:   st,
			Sync:    controller,
			Analyze: orchestrator,
			Search:  idx,
			Metrics: m.Handler(),
			Logger:  logger,
		}),
	}
	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	go scheduleLoop(ctx, cfg.Sync.Interval, controller, orchestrator, logger)

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

func openIndex(path string) (*search.Index, error) {
	if path == "" || path == "memory" {
		return search.OpenMemory()
	}
	return search.Open(path)
}

// scheduleLoop runs sync-then-analyze on a fixed interval. The first pass is
// jittered so restarted replicas do not hammer the provider in lockstep.
func scheduleLoop(ctx context.Context, interval time.Duration, controller *syncer.Controller, orchestrator *insight.Orchestrator, logger *log.Logger) {
	jitter := time.Duration(rand.Int63n(int64(30 * time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}
	runPass(ctx, controller, orchestrator, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runPass(ctx, controller, orchestrator, logger)
		}
	}
}

func runPass(ctx context.Context, controller *syncer.Controller, orchestrator *insight.Orchestrator, logger *log.Logger) {
	if _, err := controller.Run(ctx); err != nil {
		logger.Printf("sync pass: %v", err)
		return
	}
	if _, err := orchestrator.Run(ctx, insight.Request{}); err != nil {
		logger.Printf("analysis pass: %v", err)
	}
}
