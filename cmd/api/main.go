package main

import (
	"context"
	"crypto/rand"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/seralin/docflow/internal/api"
	"github.com/seralin/docflow/internal/config"
	"github.com/seralin/docflow/internal/database"
	"github.com/seralin/docflow/internal/processing"
	"github.com/seralin/docflow/internal/queue"
	"github.com/seralin/docflow/internal/repository"
	"github.com/seralin/docflow/internal/s3storage"
	"github.com/seralin/docflow/internal/signing"
	"github.com/seralin/docflow/internal/storage"
	"github.com/seralin/docflow/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var srv *api.Server
	if cfg.DatabaseURL == "" {
		// Self-contained dev mode: in-memory registry, locally hosted
		// uploads, and an in-process pipeline. No postgres/MinIO/redis.
		log.Printf("no database configured, running in dev mode")
		srv = devServer(ctx, cfg)
	} else {
		srv, err = fullServer(ctx, cfg)
		if err != nil {
			log.Fatalf("init server: %v", err)
		}
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}

func devServer(ctx context.Context, cfg *config.Config) *api.Server {
	registry := storage.NewMemoryRegistry()
	blobs := storage.NewMemoryBlobStore()
	signer := signing.NewSigner(cfg.SigningSecret)
	if len(cfg.SigningSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatalf("generate signing secret: %v", err)
		}
		signer = signing.NewSigner(secret)
	}
	uploads := &api.LocalUploadStore{
		Blobs:   blobs,
		Signer:  signer,
		BaseURL: cfg.APIBaseURL,
		TTL:     cfg.SignedURLTTL,
	}
	pool := processing.NewPool(worker.NewProcessor(registry, blobs), cfg.ProcessingPool)
	pool.Start(ctx)
	srv := api.New(cfg, registry, uploads, pool)
	srv.EnableLocalUploads(blobs, signer)
	return srv
}

func fullServer(ctx context.Context, cfg *config.Config) (*api.Server, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	repo := repository.NewDocumentRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		return nil, err
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return api.New(cfg, repo, store, queue.NewClient(client)), nil
}
