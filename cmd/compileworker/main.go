// Command compileworker runs the headless compile pipeline: it pulls
// job envelopes off the Redis queue and drives each through the
// Compile Orchestrator until a terminal status is reached. It has no
// HTTP surface of its own beyond a small metrics/health listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/gogotex/gogotex/backend/go-services/internal/compile"
	"github.com/gogotex/gogotex/backend/go-services/internal/compilejob"
	"github.com/gogotex/gogotex/backend/go-services/internal/config"
	"github.com/gogotex/gogotex/backend/go-services/internal/database"
	"github.com/gogotex/gogotex/backend/go-services/internal/logbus"
	"github.com/gogotex/gogotex/backend/go-services/internal/queue"
	"github.com/gogotex/gogotex/backend/go-services/internal/sandbox"
	"github.com/gogotex/gogotex/backend/go-services/internal/storage"
	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
	"github.com/gogotex/gogotex/backend/go-services/pkg/metrics"
)

var startTime = time.Now()

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))
	fmt.Println("MAIN: after logger.Init")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Infof("MAIN checkpoint: config loaded (mongo=%v redis=%v minio=%v)",
		cfg.MongoDB.URI != "", cfg.Redis.Host != "", os.Getenv("MINIO_ENDPOINT") != "")

	if cfg.Redis.Host == "" {
		logger.Fatalf("compileworker requires REDIS_HOST: the compile queue and log bus are both Redis-backed")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to connect to Redis (%s:%s): %v", cfg.Redis.Host, cfg.Redis.Port, err)
	}
	logger.Infof("MAIN checkpoint: connected to Redis at %s:%s", cfg.Redis.Host, cfg.Redis.Port)
	bus := logbus.NewRedisBus(redisClient, "")

	var store compile.Store
	if cfg.MongoDB.URI != "" {
		const maxAttempts = 5
		backoff := time.Second
		var client *mongo.Client
		var connErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			client, connErr = database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
			if connErr == nil {
				break
			}
			logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, connErr)
			if attempt < maxAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		if connErr != nil {
			logger.Warnf("could not connect to MongoDB after %d attempts, falling back to in-memory record store: %v", maxAttempts, connErr)
			store = compile.NewMemoryStore()
		} else {
			defer func() { _ = client.Disconnect(ctx) }()
			store = compile.NewMongoStore(cfg.MongoDB.URI, cfg.MongoDB.Database)
			logger.Infof("MAIN checkpoint: using MongoDB-backed record store (db=%s)", cfg.MongoDB.Database)
		}
	} else {
		logger.Warnf("MONGODB_URI not set, using in-memory record store (not durable across restarts)")
		store = compile.NewMemoryStore()
	}

	var blobs storage.Blobs
	if minioCfg := storage.LoadMinIOConfig(); minioCfg.Endpoint != "" {
		mstore, err := storage.NewMinIOStorage(minioCfg)
		if err != nil {
			logger.Fatalf("failed to initialize MinIO storage: %v", err)
		}
		blobs = storage.AsBlobs(mstore)
		logger.Infof("MAIN checkpoint: using MinIO-backed blob store (bucket=%s)", minioCfg.Bucket)
	} else {
		logger.Warnf("MINIO_ENDPOINT not set, using in-memory blob store (artifacts vanish on restart)")
		blobs = storage.NewMemoryBlobs()
	}

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.ImagePrefix = cfg.Compile.SandboxImagePrefix
	sandboxCfg.MemoryBytes = cfg.Compile.SandboxMemoryMiB * 1024 * 1024
	sandboxCfg.CPUs = cfg.Compile.SandboxCPUs
	sandboxCfg.PidsLimit = cfg.Compile.SandboxPidsLimit
	sandboxCfg.Deadline = cfg.Compile.SandboxDeadline
	executor := sandbox.NewExecutor(sandboxCfg)

	orchestrator := compilejob.New(store, blobs, bus, executor)
	orchestrator.Deadline = cfg.Compile.SandboxDeadline
	orchestrator.ArtifactTTL = cfg.Compile.ArtifactTTL

	consumer := queue.New(redisClient, orchestrator, store, bus)
	consumer.Config.Concurrency = cfg.Compile.Concurrency
	consumer.Config.RateLimitMax = cfg.Compile.RateLimitMax
	consumer.Config.RateLimitWindow = cfg.Compile.RateLimitWindow
	consumer.Config.StallGrace = cfg.Compile.StallGrace
	consumer.Config.ShutdownGrace = cfg.Compile.ShutdownGrace
	logger.Infof("MAIN checkpoint: consumer configured (concurrency=%d rate_limit=%d/%s stall_grace=%s shutdown_grace=%s)",
		consumer.Config.Concurrency, consumer.Config.RateLimitMax, consumer.Config.RateLimitWindow,
		consumer.Config.StallGrace, consumer.Config.ShutdownGrace)

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "healthy, uptime=%s", time.Since(startTime))
	})
	metricsAddr := os.Getenv("COMPILE_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = "0.0.0.0:5002"
	}
	go func() {
		logger.Infof("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Errorf("metrics server failed: %v", err)
		}
	}()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reclaimInterval := cfg.Compile.StallGrace / 2
	if reclaimInterval <= 0 {
		reclaimInterval = time.Minute
	}
	reclaimTicker := time.NewTicker(reclaimInterval)
	defer reclaimTicker.Stop()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-reclaimTicker.C:
				n, err := consumer.ReclaimStalled(context.Background())
				if err != nil {
					logger.Warnf("reclaim sweep failed: %v", err)
					continue
				}
				if n > 0 {
					logger.Infof("reclaim sweep requeued %d stalled job(s)", n)
				}
			}
		}
	}()

	logger.Infof("MAIN checkpoint: compileworker starting")
	consumer.Run(runCtx)
	logger.Infof("compileworker drained and exiting")
}
