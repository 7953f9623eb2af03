package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tapestry/api/internal/app"
	"tapestry/api/internal/config"
	"tapestry/api/internal/feed"
	"tapestry/api/internal/livequery"
	"tapestry/api/internal/queries"
	"tapestry/api/internal/ratelimit"
	"tapestry/api/internal/search"
	"tapestry/api/internal/storage"
	"tapestry/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	// Redis backs the cross-instance change feed and the search rate
	// limiter. Without it a single instance still works: the feed runs
	// in-process and search goes unthrottled.
	var changeFeed feed.Feed = feed.NewMemory()
	var limiter *ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisClient := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("WARNING: redis unreachable, using in-process change feed: %v", err)
			_ = redisClient.Close()
		} else {
			defer redisClient.Close()
			changeFeed = feed.NewRedis(redisClient, "tapestry:feed:")
			limiter = ratelimit.NewLimiter(redisClient, cfg.SearchRateLimit, cfg.SearchRateWindow)
			log.Printf("Using Redis change feed")
		}
	}

	var blobs *storage.Storage
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		blobs, err = storage.New(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		log.Printf("Attachment mirroring enabled (bucket %s)", cfg.S3Bucket)
	}

	service := app.New(cfg, dataStore, searchService, changeFeed, blobs)

	registry := queries.NewRegistry()
	service.RegisterQueries(registry)
	client := queries.NewClient(registry, changeFeed)
	resolver := livequery.NewResolver(client, livequery.ResolverOptions{})
	defer resolver.Close()
	liveCache := livequery.NewCache(resolver)

	service.BootstrapSearchIndex(ctx)

	httpServer := app.NewHTTPServer(service, liveCache, limiter, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tapestry API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
