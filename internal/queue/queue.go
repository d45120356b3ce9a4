// Package queue implements the Queue Consumer (C8): a Redis-list-backed
// reliable queue that pulls compile job envelopes, enforces bounded
// concurrency and rate shaping, and hands each job to a Compile
// Orchestrator, short-circuiting already-terminal jobs for idempotent
// at-least-once redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gogotex/gogotex/backend/go-services/internal/compile"
	"github.com/gogotex/gogotex/backend/go-services/internal/logbus"
	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
	"github.com/gogotex/gogotex/backend/go-services/pkg/metrics"
)

// JobEnvelope is the self-describing record read off the queue (spec §6).
type JobEnvelope struct {
	CompilationID string             `json:"compilation_id"`
	ProjectID     string             `json:"project_id"`
	Engine        string             `json:"engine"`
	Files         []compile.TextFile `json:"files"`
	Assets        []compile.Asset    `json:"assets"`
}

// Config holds the Queue Consumer's tunables (spec §4.8).
type Config struct {
	QueueKey        string
	ProcessingKey   string
	Concurrency     int
	RateLimitMax    int
	RateLimitWindow time.Duration
	StallGrace      time.Duration
	ShutdownGrace   time.Duration
	// PopTimeout is how long to sleep between pop attempts when the
	// queue is empty.
	PopTimeout time.Duration
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		QueueKey:        "compile:queue",
		ProcessingKey:   "compile:processing",
		Concurrency:     3,
		RateLimitMax:    10,
		RateLimitWindow: 60 * time.Second,
		StallGrace:      5 * time.Minute,
		ShutdownGrace:   30 * time.Second,
		PopTimeout:      200 * time.Millisecond,
	}
}

// Runner is the subset of the Compile Orchestrator the consumer drives.
type Runner interface {
	Run(ctx context.Context, job *compile.Job, payload compile.SourcePayload) error
}

// Consumer pulls job envelopes from a Redis list and drives each one to
// a terminal status via Runner (normally a compilejob.Orchestrator).
type Consumer struct {
	Client *redis.Client
	Runner Runner
	Store  compile.Store
	Bus    logbus.Bus
	Config Config
}

// New returns a Consumer wired with the spec's default Config.
func New(client *redis.Client, runner Runner, store compile.Store, bus logbus.Bus) *Consumer {
	return &Consumer{Client: client, Runner: runner, Store: store, Bus: bus, Config: DefaultConfig()}
}

// Run pulls and processes jobs until ctx is canceled. On cancellation it
// stops accepting new jobs immediately; in-flight jobs get
// Config.ShutdownGrace to reach a terminal state before their sandboxes
// are killed out from under them (which the orchestrator reports as
// status=timeout). Run returns once every in-flight job has finished.
func (c *Consumer) Run(ctx context.Context) {
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	go func() {
		<-ctx.Done()
		logger.Infof("queue: shutdown signal received, draining in-flight jobs (grace=%s)", c.Config.ShutdownGrace)
		timer := time.NewTimer(c.Config.ShutdownGrace)
		defer timer.Stop()
		<-timer.C
		cancelJobs()
	}()

	sem := make(chan struct{}, c.Config.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		c.reportQueueDepth(ctx)

		raw, err := c.Client.RPopLPush(ctx, c.Config.QueueKey, c.Config.ProcessingKey).Result()
		if err == redis.Nil {
			time.Sleep(c.Config.PopTimeout)
			continue
		}
		if err != nil {
			logger.Warnf("queue: pop failed: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		// Rate-shape successful dequeues, not poll attempts: an idle
		// worker polling an empty queue must never burn tokens.
		if !c.allow(ctx) {
			c.requeue(context.Background(), raw)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var env JobEnvelope
		if jsonErr := json.Unmarshal([]byte(raw), &env); jsonErr != nil {
			logger.Errorf("queue: malformed envelope, dropping: %v", jsonErr)
			c.ack(context.Background(), raw)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, env JobEnvelope) {
			defer wg.Done()
			defer func() { <-sem }()
			c.process(jobCtx, raw, env)
		}(raw, env)
	}
}

// process handles one dequeued envelope: idempotent short-circuit for
// already-terminal jobs, otherwise a full orchestrator run.
func (c *Consumer) process(ctx context.Context, raw string, env JobEnvelope) {
	existing, err := c.Store.Load(ctx, env.CompilationID)
	if err != nil {
		logger.Warnf("queue: load %s failed, returning to queue: %v", env.CompilationID, err)
		c.requeue(context.Background(), raw)
		return
	}
	if existing != nil && existing.Status.Terminal() {
		logger.Infof("queue: %s already terminal (%s), republishing done", env.CompilationID, existing.Status)
		c.Bus.Publish(env.CompilationID, logbus.Done(existing.PDFURL, existing.SynctexURL, existing.DurationMs))
		c.ack(context.Background(), raw)
		return
	}

	job := existing
	if job == nil {
		now := time.Now().UTC()
		job = &compile.Job{
			ID:        env.CompilationID,
			ProjectID: env.ProjectID,
			Engine:    env.Engine,
			Status:    compile.StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.Store.Save(ctx, job); err != nil {
			logger.Warnf("queue: save %s failed, returning to queue: %v", env.CompilationID, err)
			c.requeue(context.Background(), raw)
			return
		}
	}

	payload := compile.SourcePayload{Files: env.Files, Assets: env.Assets}
	if err := c.Runner.Run(ctx, job, payload); err != nil {
		logger.Warnf("queue: run %s failed (transport fault), returning to queue: %v", env.CompilationID, err)
		c.requeue(context.Background(), raw)
		return
	}
	c.ack(context.Background(), raw)
}

// ack removes one occurrence of raw from the processing list: the job
// reached a terminal state (or was a duplicate/malformed entry) and
// must not be redelivered.
func (c *Consumer) ack(ctx context.Context, raw string) {
	if err := c.Client.LRem(ctx, c.Config.ProcessingKey, 1, raw).Err(); err != nil {
		logger.Warnf("queue: ack failed: %v", err)
	}
}

// requeue moves raw from the processing list back onto the queue for
// another delivery attempt.
func (c *Consumer) requeue(ctx context.Context, raw string) {
	if err := c.Client.LRem(ctx, c.Config.ProcessingKey, 1, raw).Err(); err != nil {
		logger.Warnf("queue: requeue lrem failed: %v", err)
	}
	if err := c.Client.LPush(ctx, c.Config.QueueKey, raw).Err(); err != nil {
		logger.Warnf("queue: requeue lpush failed: %v", err)
	}
}

// reportQueueDepth samples the queue's current length into the gauge.
// Called once per poll iteration, which is frequent enough to track
// depth without issuing a dedicated reporting goroutine.
func (c *Consumer) reportQueueDepth(ctx context.Context) {
	depth, err := c.Client.LLen(ctx, c.Config.QueueKey).Result()
	if err != nil {
		return
	}
	metrics.CompileQueueDepth.Set(float64(depth))
}

// allow enforces the sliding-window dequeue rate shape via a fixed-window
// Redis counter, the same algorithm pkg/middleware's Redis rate limiter
// uses for HTTP requests, repointed at queue pops. Callers must only
// invoke this after a successful (non-redis.Nil) pop so idle polling of
// an empty queue never consumes a token.
func (c *Consumer) allow(ctx context.Context) bool {
	if c.Config.RateLimitMax <= 0 {
		return true
	}
	windowSeconds := int64(c.Config.RateLimitWindow.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	bucket := time.Now().Unix() / windowSeconds
	key := fmt.Sprintf("compile:ratelimit:%d", bucket)

	cnt, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		logger.Warnf("queue: rate limit check failed, allowing: %v", err)
		return true
	}
	if cnt == 1 {
		_ = c.Client.Expire(ctx, key, time.Duration(windowSeconds+1)*time.Second).Err()
	}
	return int(cnt) <= c.Config.RateLimitMax
}

// ReclaimStalled scans the processing list for entries whose tracked
// enqueue time exceeds StallGrace and moves them back onto the main
// queue. Intended to run periodically (e.g. from a ticker in the
// worker's main loop) to recover jobs left behind by a crashed worker.
func (c *Consumer) ReclaimStalled(ctx context.Context) (int, error) {
	items, err := c.Client.LRange(ctx, c.Config.ProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}

	reclaimed := 0
	for _, raw := range items {
		var env JobEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		job, err := c.Store.Load(ctx, env.CompilationID)
		if err != nil || job == nil {
			continue
		}
		if job.Status.Terminal() {
			// Finished since being listed; leave ack/removal to process().
			continue
		}
		if time.Since(job.UpdatedAt) <= c.Config.StallGrace {
			continue
		}
		logger.Warnf("queue: reclaiming stalled job %s (no progress since %s)", env.CompilationID, job.UpdatedAt)
		c.requeue(ctx, raw)
		reclaimed++
	}
	return reclaimed, nil
}
