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

const (
	defaultAgentLeaseTTL = 600 * time.Second
	defaultPollInterval  = 100 * time.Millisecond
)

// AgentConfig configures an AgentPool.
type AgentConfig struct {
	Store   *store.Store
	Bus     *bus.Hub
	Logger  *slog.Logger
	Obs     *obs.Provider
	Cancels *CancelRegistry

	// Factory builds the external Agent Executor for each leased run.
	Factory executor.AgentExecutorFactory
	// Registry is handed to every executor.
	Registry *executor.NodeRegistry
	// LoadAgentConfig resolves the opaque agent config blob for an agent id.
	// Nil means every executor receives an empty config.
	LoadAgentConfig func(agentID string) (json.RawMessage, error)

	Workers      int
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// AgentPool runs a fixed set of agent workers, each repeating: claim one
// PENDING execution, run its graph through the external executor, finalize.
type AgentPool struct {
	cfg AgentConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgentPool constructs an AgentPool. Zero values fall back to 1 worker,
// a 600s lease, and a 100ms poll.
func NewAgentPool(cfg AgentConfig) *AgentPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultAgentLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "agent_worker")
	if cfg.Obs == nil {
		cfg.Obs = obs.NewNoop()
	}
	if cfg.Cancels == nil {
		cfg.Cancels = NewCancelRegistry()
	}
	return &AgentPool{cfg: cfg}
}

// Start launches the worker goroutines. Callers must run Startup Recovery
// before the first Start in the process.
func (p *AgentPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.worker(ctx, n)
		}(i)
	}
	p.cfg.Logger.Info("agent worker pool started", "workers", p.cfg.Workers, "lease_ttl", p.cfg.LeaseTTL)
}

// Stop cancels the pool and waits for in-flight runs to wind down. Jobs
// still holding leases when the process exits are returned to PENDING by
// Recovery on the next boot.
func (p *AgentPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cfg.Logger.Info("agent worker pool stopped")
}

func (p *AgentPool) worker(ctx context.Context, n int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := p.cfg.Store.RequeueExpiredExecutionLeases(ctx); err != nil && ctx.Err() == nil {
			p.cfg.Logger.Error("requeue expired execution leases", "error", err)
		}

		leaseID := uuid.NewString()
		claimStart := time.Now()
		exec, err := p.cfg.Store.ClaimNextExecution(ctx, leaseID, p.cfg.LeaseTTL)
		p.cfg.Obs.Metrics.ClaimDuration.Record(ctx, time.Since(claimStart).Seconds(),
			metric.WithAttributes(attribute.String("queue", "execution")))
		if err != nil && ctx.Err() == nil {
			p.cfg.Logger.Error("claim execution", "error", err, "worker", n)
		}
		if err != nil || exec == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		p.cfg.Obs.Metrics.JobsDispatched.Add(ctx, 1,
			metric.WithAttributes(attribute.String("queue", "execution")))
		p.handle(ctx, exec)
	}
}

// handle drives one leased execution from claim to finalization. Executor
// failures never escape: every branch ends in exactly one terminal write.
func (p *AgentPool) handle(ctx context.Context, exec *store.Execution) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger := p.cfg.Logger.With("execution_id", exec.ID, "agent_id", exec.AgentID, "trace_id", traceID)

	ctx, span := p.cfg.Obs.Tracer.Start(ctx, "agent.run")
	defer span.End()

	p.cfg.Obs.Metrics.ActiveJobs.Add(ctx, 1)
	defer p.cfg.Obs.Metrics.ActiveJobs.Add(ctx, -1)
	start := time.Now()

	// A job cancel-requested before any worker leased it skips the executor
	// entirely and goes straight to CANCELED.
	if exec.Status == store.StatusCancelRequested {
		p.finalize(ctx, logger, exec.ID, store.StatusCanceled, sql.NullString{}, sql.NullString{})
		return
	}

	flag := executor.NewCancelFlag()
	p.cfg.Cancels.Register(exec.ID, flag)
	defer p.cfg.Cancels.Unregister(exec.ID)

	var agentConfig json.RawMessage
	if p.cfg.LoadAgentConfig != nil {
		cfg, err := p.cfg.LoadAgentConfig(exec.AgentID)
		if err != nil {
			logger.Error("load agent config", "error", err)
			p.finalize(ctx, logger, exec.ID, store.StatusFailed, sql.NullString{},
				nullString(shared.Redact(fmt.Sprintf("load agent config: %v", err))))
			return
		}
		agentConfig = cfg
	}

	emit := func(u executor.NodeUpdate) {
		p.recordNodeUpdate(ctx, logger, exec.ID, u)
	}

	run := executor.AgentRun{
		Execution:   exec,
		AgentConfig: agentConfig,
		Store:       p.cfg.Store,
		Registry:    p.cfg.Registry,
		Emit:        emit,
		Cancel:      flag,
	}

	logger.Info("execution started", "priority", exec.Priority)
	result, err := p.runGraph(ctx, run)

	switch {
	case errors.Is(err, executor.ErrCanceled):
		logger.Info("execution canceled", "elapsed", time.Since(start))
		p.finalize(ctx, logger, exec.ID, store.StatusCanceled, sql.NullString{}, sql.NullString{})
	case err != nil:
		logger.Error("execution failed", "error", err, "elapsed", time.Since(start))
		p.finalize(ctx, logger, exec.ID, store.StatusFailed, sql.NullString{},
			nullString(shared.Redact(err.Error())))
	default:
		logger.Info("execution completed", "elapsed", time.Since(start))
		p.finalize(ctx, logger, exec.ID, store.StatusCompleted, nullString(result), sql.NullString{})
	}
	p.cfg.Obs.Metrics.JobDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("queue", "execution")))
}

// runGraph invokes the external executor under panic recovery: a panicking
// executor fails its own job, never the worker loop.
func (p *AgentPool) runGraph(ctx context.Context, run executor.AgentRun) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return p.cfg.Factory(run).RunGraph(ctx)
}

// recordNodeUpdate appends the durable node_events row and publishes the
// matching event on the execution's channel. A store failure here is logged
// but does not abort the run: the executor owns the run's fate, and the
// Event Hub delivery already happened or will happen independently.
func (p *AgentPool) recordNodeUpdate(ctx context.Context, logger *slog.Logger, executionID string, u executor.NodeUpdate) {
	ev := &store.NodeEvent{
		ExecutionID:        executionID,
		NodeID:             u.NodeID,
		Status:             u.Status,
		IntermediateOutput: nullString(u.Output),
		ErrorLog:           nullString(u.Err),
	}
	now := sql.NullTime{Time: time.Now().UTC(), Valid: true}
	switch u.Status {
	case "started":
		ev.StartedAt = now
	default:
		ev.CompletedAt = now
	}
	if _, err := p.cfg.Store.AppendNodeEvent(ctx, ev); err != nil && ctx.Err() == nil {
		logger.Error("append node event", "node_id", u.NodeID, "error", err)
	}

	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.Event{
			Channel: bus.ExecutionChannel(executionID),
			Kind:    "node_" + u.Status,
			Data: map[string]any{
				"execution_id": executionID,
				"node_id":      u.NodeID,
				"status":       u.Status,
				"output":       u.Output,
				"error":        u.Err,
				"ts":           time.Now().UTC().Unix(),
			},
		})
	}
}

func (p *AgentPool) finalize(ctx context.Context, logger *slog.Logger, id string, status store.Status, result, errLog sql.NullString) {
	err := p.cfg.Store.FinalizeExecution(ctx, id, status, result, errLog)
	switch {
	case errors.Is(err, store.ErrTerminal):
		// Another path already finalized this row; the terminal write is
		// exactly-once by construction, so nothing to do.
		return
	case err != nil:
		logger.Error("finalize execution", "status", status, "error", err)
		return
	}

	p.cfg.Obs.Metrics.JobsFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", "execution"),
		attribute.String("status", string(status)),
	))

	if p.cfg.Bus != nil {
		data := map[string]any{
			"execution_id": id,
			"status":       string(status),
			"ts":           time.Now().UTC().Unix(),
		}
		if result.Valid {
			data["final_result"] = result.String
		}
		if errLog.Valid {
			data["error"] = errLog.String
		}
		var kind string
		switch status {
		case store.StatusCompleted:
			kind = "completed"
		case store.StatusFailed:
			kind = "failed"
		default:
			kind = "canceled"
		}
		p.cfg.Bus.Publish(bus.Event{Channel: bus.ExecutionChannel(id), Kind: kind, Data: data})
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
