package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"marketscope/internal/artifact"
	"marketscope/internal/call"
	"marketscope/internal/config"
	"marketscope/internal/llmclient"
	"marketscope/internal/pipeline"
	"marketscope/internal/report"
	"marketscope/internal/run"
)

func main() {
	industry := flag.String("industry", "", "industry or market area to research (one-shot mode)")
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml when present)")
	outDir := flag.String("out", "", "output directory for artifact and report")
	serve := flag.Bool("serve", false, "run the HTTP API server instead of a one-shot pipeline")
	maxCategories := flag.Int("max-categories", 0, "cap taxonomy categories fanned out (0 = config/unlimited)")
	maxSegments := flag.Int("max-segments", 0, "cap segments per category fanned out (0 = config/unlimited)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *outDir != "" {
		cfg.OutDir = *outDir
	}
	if *maxCategories > 0 {
		cfg.MaxCategories = *maxCategories
	}
	if *maxSegments > 0 {
		cfg.MaxSegmentsPerCategory = *maxSegments
	}

	if !*serve && *industry == "" {
		fmt.Fprintln(os.Stderr, "usage: marketscope --industry <name> | marketscope --serve")
		flag.Usage()
		os.Exit(2)
	}

	limiter := llmclient.NewRPSLimiter(cfg.RPS, cfg.Burst)
	if limiter != nil {
		defer limiter.Stop()
	}
	factory := func(ctx context.Context, model string) (llmclient.LLMClient, error) {
		return llmclient.NewGeminiClient(ctx, cfg.GeminiAPIKey, model, limiter)
	}
	calls := call.NewClient(256)

	store, err := artifact.NewStore(cfg.OutDir)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}
	var mirror *artifact.S3Store
	if cfg.Artifact.Enabled {
		mirror, err = artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			log.Fatalf("Failed to init artifact mirror: %v", err)
		}
	}

	if *serve {
		serveAPI(cfg, calls, factory, store, mirror)
		return
	}
	oneShot(cfg, calls, factory, store, mirror, *industry)
}

func oneShot(cfg *config.Config, calls *call.Client, factory pipeline.ClientFactory, store *artifact.Store, mirror *artifact.S3Store, industry string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := pipeline.New(cfg.Settings(), calls, factory)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	runID := time.Now().UTC().Format("20060102-150405")
	art, runErr := orch.Run(ctx, runID, industry, cfg.Options())

	if err := store.Save(art); err != nil {
		log.Printf("Save artifact: %v", err)
	}
	if mirror != nil {
		putCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mirror.Put(putCtx, art); err != nil {
			log.Printf("Mirror artifact: %v", err)
		}
		cancel()
	}

	reportPath := filepath.Join(cfg.OutDir, runID+".md")
	if err := os.WriteFile(reportPath, []byte(report.Markdown(art)), 0o644); err != nil {
		log.Printf("Write report: %v", err)
	}

	if runErr != nil {
		log.Fatalf("Run %s failed: %v (partial artifact at %s)", runID, runErr, store.Path(runID))
	}
	if art.PartialCoverage() {
		log.Printf("Run %s completed with partial coverage: %d branch(es) dropped", runID, len(art.Dropped))
	}
	log.Printf("Artifact: %s", store.Path(runID))
	log.Printf("Report:   %s", reportPath)
}

func serveAPI(cfg *config.Config, calls *call.Client, factory pipeline.ClientFactory, store *artifact.Store, mirror *artifact.S3Store) {
	var registry *run.PGRegistry
	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		registry, err = run.NewPGRegistry(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			log.Fatalf("Failed to open run registry: %v", err)
		}
		defer registry.Close()
	}

	svc := run.NewService(cfg.Settings(), cfg.Options(), calls, factory, store, mirror, registry)
	srv := run.NewServer(cfg.Port, run.NewHandler(svc).Mux())

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exiting")
}
