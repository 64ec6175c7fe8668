package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/executor"
	"github.com/basket/dispatchd/internal/obs"
	"github.com/basket/dispatchd/internal/shared"
	"github.com/basket/dispatchd/internal/store"
)

const defaultInferenceLeaseTTL = 300 * time.Second

// InferenceConfig configures an InferencePool.
type InferenceConfig struct {
	Store   *store.Store
	Bus     *bus.Hub
	Logger  *slog.Logger
	Obs     *obs.Provider
	Cancels *CancelRegistry

	// Runner is the external Model Runner collaborator.
	Runner executor.ModelRunner

	Workers      int
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// InferencePool runs a fixed set of inference workers, each repeating:
// claim one PENDING task, stream the generation through the external model
// runner, finalize. While a task runs, the worker extends its own lease on a
// heartbeat so a legitimately slow generation is not reclaimed as crashed.
type InferencePool struct {
	cfg InferenceConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInferencePool constructs an InferencePool. Zero values fall back to
// 1 worker, a 300s lease, and a 100ms poll.
func NewInferencePool(cfg InferenceConfig) *InferencePool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultInferenceLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "inference_worker")
	if cfg.Obs == nil {
		cfg.Obs = obs.NewNoop()
	}
	if cfg.Cancels == nil {
		cfg.Cancels = NewCancelRegistry()
	}
	return &InferencePool{cfg: cfg}
}

// Start launches the worker goroutines.
func (p *InferencePool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.worker(ctx, n)
		}(i)
	}
	p.cfg.Logger.Info("inference worker pool started", "workers", p.cfg.Workers, "lease_ttl", p.cfg.LeaseTTL)
}

// Stop cancels the pool and waits for in-flight generations to wind down.
func (p *InferencePool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cfg.Logger.Info("inference worker pool stopped")
}

func (p *InferencePool) worker(ctx context.Context, n int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := p.cfg.Store.RequeueExpiredInferenceLeases(ctx); err != nil && ctx.Err() == nil {
			p.cfg.Logger.Error("requeue expired inference leases", "error", err)
		}

		leaseID := uuid.NewString()
		claimStart := time.Now()
		task, err := p.cfg.Store.ClaimNextInferenceTask(ctx, leaseID, p.cfg.LeaseTTL)
		p.cfg.Obs.Metrics.ClaimDuration.Record(ctx, time.Since(claimStart).Seconds(),
			metric.WithAttributes(attribute.String("queue", "inference")))
		if err != nil && ctx.Err() == nil {
			p.cfg.Logger.Error("claim inference task", "error", err, "worker", n)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		p.cfg.Obs.Metrics.JobsDispatched.Add(ctx, 1,
			metric.WithAttributes(attribute.String("queue", "inference")))
		p.handle(ctx, task, leaseID)
	}
}

// handle drives one leased inference task: parse, ensure the model is
// loaded, stream tokens, finalize. Every branch publishes exactly one
// terminal stream event (DONE, CANCELED, or ERROR).
func (p *InferencePool) handle(ctx context.Context, task *store.InferenceTask, leaseID string) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger := p.cfg.Logger.With("task_id", task.ID, "model_id", task.ModelID, "trace_id", traceID)

	ctx, span := p.cfg.Obs.Tracer.Start(ctx, "inference.run")
	defer span.End()

	p.cfg.Obs.Metrics.ActiveJobs.Add(ctx, 1)
	defer p.cfg.Obs.Metrics.ActiveJobs.Add(ctx, -1)
	start := time.Now()

	if task.Status == store.StatusCancelRequested {
		p.finalize(ctx, logger, task.ID, store.StatusCanceled, sql.NullString{}, sql.NullString{}, sql.NullFloat64{})
		p.publish(streamEvent(EventCanceled, task.ID, nil))
		return
	}

	flag := executor.NewCancelFlag()
	p.cfg.Cancels.Register(task.ID, flag)
	defer p.cfg.Cancels.Unregister(task.ID)

	stopHeartbeat := p.startHeartbeat(ctx, logger, task.ID, leaseID)
	defer stopHeartbeat()

	if err := p.cfg.Runner.EnsureLoaded(ctx, task.ModelID); err != nil {
		logger.Error("ensure model loaded", "error", err)
		msg := shared.Redact(err.Error())
		p.finalize(ctx, logger, task.ID, store.StatusFailed, sql.NullString{}, nullString(msg), sql.NullFloat64{})
		p.publish(streamEvent(EventError, task.ID, map[string]any{"message": msg}))
		return
	}

	var tokens int64
	onToken := func(text string) {
		tokens++
		p.publish(streamEvent(EventToken, task.ID, map[string]any{"text": text}))
	}

	logger.Info("inference started", "priority", task.Priority)
	res, err := p.runChat(ctx, task, onToken, flag)
	p.cfg.Obs.Metrics.StreamTokens.Add(ctx, tokens)

	switch {
	case errors.Is(err, executor.ErrCanceled):
		logger.Info("inference canceled", "elapsed", time.Since(start), "streamed", tokens)
		p.finalize(ctx, logger, task.ID, store.StatusCanceled, sql.NullString{}, sql.NullString{}, sql.NullFloat64{})
		p.publish(streamEvent(EventCanceled, task.ID, nil))
	case err != nil:
		logger.Error("inference failed", "error", err, "elapsed", time.Since(start))
		msg := shared.Redact(err.Error())
		p.finalize(ctx, logger, task.ID, store.StatusFailed, sql.NullString{}, nullString(msg), sql.NullFloat64{})
		p.publish(streamEvent(EventError, task.ID, map[string]any{"message": msg}))
	default:
		logger.Info("inference completed", "elapsed", time.Since(start),
			"streamed", tokens, "tps", res.TokensPerSecond)
		tps := sql.NullFloat64{Float64: res.TokensPerSecond, Valid: true}
		p.finalize(ctx, logger, task.ID, store.StatusCompleted, nullString(res.Result), sql.NullString{}, tps)
		p.publish(streamEvent(EventDone, task.ID, map[string]any{
			"result":            res.Result,
			"tokens_per_second": res.TokensPerSecond,
		}))
	}
	p.cfg.Obs.Metrics.JobDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("queue", "inference")))
}

// runChat invokes the external runner under panic recovery.
func (p *InferencePool) runChat(ctx context.Context, task *store.InferenceTask, onToken func(string), flag *executor.CancelFlag) (res executor.ChatResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model runner panic: %v", r)
		}
	}()
	return p.cfg.Runner.RunChat(ctx, json.RawMessage(task.Prompt), json.RawMessage(task.Parameters), onToken, flag)
}

// startHeartbeat extends the task's lease at a third of the TTL while the
// run is in flight. A crashed worker simply stops heartbeating, and the
// lease expires on schedule for reclamation.
func (p *InferencePool) startHeartbeat(ctx context.Context, logger *slog.Logger, taskID, leaseID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.cfg.Store.HeartbeatInferenceLease(hbCtx, taskID, leaseID, p.cfg.LeaseTTL); err != nil {
					if hbCtx.Err() == nil {
						logger.Warn("inference lease heartbeat failed", "error", err)
					}
					return
				}
				p.cfg.Obs.Metrics.LeaseHeartbeats.Add(hbCtx, 1)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (p *InferencePool) finalize(ctx context.Context, logger *slog.Logger, id string, status store.Status, result, errLog sql.NullString, tps sql.NullFloat64) {
	err := p.cfg.Store.FinalizeInferenceTask(ctx, id, status, result, errLog, tps)
	switch {
	case errors.Is(err, store.ErrTerminal):
		return
	case err != nil:
		logger.Error("finalize inference task", "status", status, "error", err)
		return
	}
	p.cfg.Obs.Metrics.JobsFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", "inference"),
		attribute.String("status", string(status)),
	))
}

func (p *InferencePool) publish(ev bus.Event) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(ev)
	}
}
