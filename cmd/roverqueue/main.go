// Command roverqueue is a demo wiring of the command-queue core: it
// assembles the priority queue, acknowledgment tracker, processor,
// cancellation manager, and batch executor into a single runnable process,
// in either an in-memory or Redis-backed deployment depending on whether
// ROVERQUEUE_REDIS_ADDR (or a config file's redis.addr) is set, then
// submits a handful of rover commands to exercise the whole pipeline end
// to end.
//
// Grounded on the teacher's cmd/*/main.go demo-wiring style: load config,
// build a logger, construct the domain objects, start background loops,
// wait for shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/roverfleet/commandqueue/rovercmd"
	"github.com/roverfleet/commandqueue/rovercmd/ack"
	"github.com/roverfleet/commandqueue/rovercmd/batch"
	"github.com/roverfleet/commandqueue/rovercmd/cancellation"
	"github.com/roverfleet/commandqueue/rovercmd/config"
	"github.com/roverfleet/commandqueue/rovercmd/persistence"
	"github.com/roverfleet/commandqueue/rovercmd/processor"
	"github.com/roverfleet/commandqueue/rovercmd/queue"
	"github.com/roverfleet/commandqueue/rovercore"
	"github.com/roverfleet/commandqueue/roverresilience"
	"github.com/roverfleet/commandqueue/rovertelemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("roverqueue: loading config: %v", err)
	}

	baseLogger := rovercore.NewProductionLogger(
		rovercore.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output},
		cfg.Telemetry.ServiceName,
	)
	var logger rovercore.ComponentAwareLogger = baseLogger

	var events rovertelemetry.EventSink = rovertelemetry.NoOpSink{}
	if cfg.Telemetry.Enabled {
		if provider, err := rovertelemetry.NewProvider(cfg.Telemetry.ServiceName); err != nil {
			logger.Warn("telemetry disabled: failed to start provider", "error", err.Error())
		} else {
			events = rovertelemetry.NewOTelSink()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}
	audit := rovertelemetry.NewLogAuditSink(logger.WithComponent("audit"))
	sinks := config.Sinks{Logger: logger, Events: events, Audit: audit}

	store, retryThrottle, breaker, cleanup := buildStore(cfg, logger)
	defer cleanup()

	q := queue.New(cfg.ToQueueConfig(sinks, retryThrottle, breaker))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go q.Run(ctx)

	tracker := ack.New(cfg.ToAckConfig(sinks, func(commandID string) {
		logger.Warn("acknowledgment timed out", "command_id", commandID)
	}))
	tracker.Run(ctx)

	proc := processor.New(cfg.ToProcessorConfig(sinks), q, store, tracker)
	if err := proc.RegisterHandler("MoveForward", simHandler{}); err != nil {
		log.Fatalf("roverqueue: registering handler: %v", err)
	}
	if err := proc.RegisterHandler("TakePhoto", simHandler{}); err != nil {
		log.Fatalf("roverqueue: registering handler: %v", err)
	}
	proc.SetDefaultHandler(simHandler{})
	if err := proc.Recover(ctx); err != nil {
		logger.Warn("recovery: loading pending commands failed", "error", err.Error())
	}
	proc.Start(ctx)

	cancelMgr := cancellation.New(cfg.ToCancellationConfig(sinks), store, q)
	// cancellation.Manager satisfies batch.CompensatingActionSource, so the
	// batch executor's rollback plan reuses the cancellation manager's
	// inverse-command registry instead of maintaining a second one.
	batchExec := batch.New(cfg.ToBatchConfig(sinks), q, store, cancelMgr)

	seeded := seedDemoCommands(q)
	go runDemoCancellation(ctx, cancelMgr, logger, seeded)
	go runDemoBatch(ctx, batchExec, logger)

	logger.Info("roverqueue started",
		"redis_enabled", cfg.Redis.Enabled(),
		"telemetry_enabled", cfg.Telemetry.Enabled,
	)

	<-ctx.Done()
	logger.Info("roverqueue shutting down")
	proc.Stop(context.Background())
	tracker.Stop()
	q.Stop()
}

// buildStore returns the Persistence Port implementation the deployment
// shape calls for: Redis-backed when cfg.Redis.Enabled(), in-memory
// otherwise. It also returns the matching retry throttle (Redis sorted set
// vs. in-process deque), a queue.PersistenceBreaker the queue can check
// before admitting new submissions, and a cleanup func to close any Redis
// client.
//
// Only the Redis-backed deployment gets a breaker: persistence is mandatory
// there (a restart needs LoadPending to recover anything), so repeated
// write failures should degrade the whole intake path per §7. The
// in-memory store can't fail this way, so its breaker is nil and the queue
// admits unconditionally.
func buildStore(cfg *config.Config, logger rovercore.ComponentAwareLogger) (persistence.Store, queue.RetryThrottle, queue.PersistenceBreaker, func()) {
	if !cfg.Redis.Enabled() {
		throttle := queue.NewMemoryRetryThrottle(cfg.Queue.MaxGlobalRetries, mustDuration(cfg.Queue.RetryWindow, time.Minute))
		return persistence.NewMemoryStore(), throttle, nil, func() {}
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	storeCfg := persistence.DefaultRedisStoreConfig()
	storeCfg.Logger = logger
	breakerCfg := roverresilience.DefaultCircuitBreakerConfig("roverqueue.persistence")
	breakerCfg.Logger = logger
	store := persistence.NewCircuitBreakerStore(persistence.NewRedisStore(client, storeCfg), breakerCfg)
	throttle := queue.NewRedisRetryThrottle(client, "roverqueue:retry-throttle", cfg.Queue.MaxGlobalRetries, mustDuration(cfg.Queue.RetryWindow, time.Minute))
	return store, throttle, store.Breaker(), func() { _ = client.Close() }
}

func mustDuration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

// simHandler simulates rover command execution: a short random delay,
// progress reporting, and a success result. Real deployments replace this
// with handlers that talk to the rover's actual actuator/sensor stack.
type simHandler struct{}

func (simHandler) CanHandle(cmd *rovercmd.Command) bool { return true }

func (simHandler) Handle(ctx context.Context, cmd *rovercmd.Command, progress processor.ProgressFunc) (*rovercmd.Result, error) {
	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(20+rand.Intn(40)) * time.Millisecond):
		}
		progress(float64(i)/float64(steps), fmt.Sprintf("step %d/%d", i, steps))
	}
	return &rovercmd.Result{Success: true, Payload: map[string]interface{}{"type": cmd.Type}}, nil
}

// seedDemoCommands enqueues a small mixed-priority workload so the demo has
// something to process immediately on startup, and returns the seeded
// commands so the demo cancellation goroutine has a target.
func seedDemoCommands(q *queue.Queue) []*rovercmd.Command {
	demo := []struct {
		cmdType  string
		priority rovercmd.Priority
	}{
		{"MoveForward", rovercmd.PriorityNormal},
		{"TakePhoto", rovercmd.PriorityLow},
		{"MoveForward", rovercmd.PriorityHigh},
	}
	cmds := make([]*rovercmd.Command, 0, len(demo))
	for _, d := range demo {
		cmd := rovercmd.NewCommand(d.cmdType, rovercmd.CategoryMovement, d.priority, nil)
		if err := q.Enqueue(cmd); err == nil {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// runDemoCancellation requests cancellation of the last seeded command a
// few milliseconds in, to exercise the cancellation manager's validation
// and cleanup path against a command that may already be executing.
func runDemoCancellation(ctx context.Context, mgr *cancellation.Manager, logger rovercore.ComponentAwareLogger, seeded []*rovercmd.Command) {
	if len(seeded) == 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(10 * time.Millisecond):
	}
	target := seeded[len(seeded)-1]
	ok, reason := mgr.RequestCancellation(ctx, cancellation.Request{
		CommandID:   target.ID,
		Reason:      "demo cancellation",
		RequesterID: "roverqueue-demo",
	})
	logger.Info("demo cancellation requested", "command_id", target.ID, "accepted", ok, "reason", reason)
}

// runDemoBatch submits a two-command sequential batch to exercise the
// batch executor end to end.
func runDemoBatch(ctx context.Context, exec *batch.Executor, logger rovercore.ComponentAwareLogger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Millisecond):
	}

	cmds := []*rovercmd.Command{
		rovercmd.NewCommand("MoveForward", rovercmd.CategoryMovement, rovercmd.PriorityNormal, nil),
		rovercmd.NewCommand("TakePhoto", rovercmd.CategoryDiagnostic, rovercmd.PriorityNormal, nil),
	}
	b, err := exec.CreateBatch(ctx, cmds, "demo-batch", "move then photograph",
		batch.Sequential, batch.BestEffort, nil, rovercmd.PriorityNormal, nil, false)
	if err != nil {
		logger.Warn("demo batch creation failed", "error", err.Error())
		return
	}
	if _, err := exec.ExecuteBatch(ctx, b.ID); err != nil {
		logger.Warn("demo batch execution failed", "error", err.Error())
	}
}
