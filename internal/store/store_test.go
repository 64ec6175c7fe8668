package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/dispatchd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dispatchd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	for _, table := range []string{"schema_migrations", "executions", "inference_queue", "node_events"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?;", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestCreateAndClaimExecution_SingleStatementLease(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", AgentID: "agent-a", Payload: "{}",
		BasePriority: 70, Priority: 70, EnqueueTS: time.Now().UnixNano(),
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	claimed, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim execution: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed execution, got nil")
	}
	if claimed.Status != store.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", claimed.Status)
	}
	if !claimed.LeaseID.Valid || claimed.LeaseID.String != "lease-1" {
		t.Fatalf("expected lease_id=lease-1, got %+v", claimed.LeaseID)
	}

	again, err := s.ClaimNextExecution(ctx, "lease-2", 30*time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no claimable rows left, got %+v", again)
	}
}

// TestClaimNextExecution_NeverDoubleLeases races many workers against a
// handful of pending rows and asserts every row is claimed by exactly one
// of them, the property the single-statement UPDATE...RETURNING primitive
// exists to guarantee.
func TestClaimNextExecution_NeverDoubleLeases(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	const numJobs = 20
	for i := 0; i < numJobs; i++ {
		id := "exec-" + string(rune('a'+i))
		if err := s.CreateExecution(ctx, &store.Execution{
			ID: id, AgentID: "agent-a", Payload: "{}",
			BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
		}); err != nil {
			t.Fatalf("create execution %s: %v", id, err)
		}
	}

	var mu sync.Mutex
	claimedBy := map[string]string{}

	var wg sync.WaitGroup
	const numWorkers = 8
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		workerID := w
		go func() {
			defer wg.Done()
			for {
				leaseID := "worker-" + string(rune('0'+workerID))
				exec, err := s.ClaimNextExecution(ctx, leaseID, 30*time.Second)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if exec == nil {
					return
				}
				mu.Lock()
				if prior, ok := claimedBy[exec.ID]; ok {
					t.Errorf("execution %s claimed twice: by %s and %s", exec.ID, prior, leaseID)
				}
				claimedBy[exec.ID] = leaseID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimedBy) != numJobs {
		t.Fatalf("expected %d distinct claims, got %d", numJobs, len(claimedBy))
	}
}

func TestClaimNextExecution_HigherPriorityFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now().UnixNano()
	must := func(e *store.Execution) {
		t.Helper()
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}
	must(&store.Execution{ID: "low", AgentID: "a", Payload: "{}", BasePriority: 30, Priority: 30, EnqueueTS: now})
	must(&store.Execution{ID: "high", AgentID: "a", Payload: "{}", BasePriority: 90, Priority: 90, EnqueueTS: now + 1})

	claimed, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "high" {
		t.Fatalf("expected higher-priority job claimed first, got %s", claimed.ID)
	}
}

func TestClaimNextExecution_FIFOWithinSamePriority(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().UnixNano()
	must := func(e *store.Execution) {
		t.Helper()
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}
	must(&store.Execution{ID: "second", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: base + 100})
	must(&store.Execution{ID: "first", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: base})

	claimed, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "first" {
		t.Fatalf("expected FIFO within same priority, got %s", claimed.ID)
	}
}

func TestFinalizeExecution_TerminalIsIdempotentNoop(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result := sql.NullString{String: "ok", Valid: true}
	if err := s.FinalizeExecution(ctx, "exec-1", store.StatusCompleted, result, sql.NullString{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	err := s.FinalizeExecution(ctx, "exec-1", store.StatusFailed, sql.NullString{}, sql.NullString{String: "too late", Valid: true})
	if err != store.ErrTerminal {
		t.Fatalf("expected ErrTerminal re-finalizing a completed job, got %v", err)
	}

	exec, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != store.StatusCompleted {
		t.Fatalf("expected status to remain COMPLETED, got %s", exec.Status)
	}
}

func TestRequestCancel_PendingJobClaimedAsCancelRequested(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RequestCancel(ctx, "exec-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	exec, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != store.StatusCancelRequested {
		t.Fatalf("expected CANCEL_REQUESTED, got %s", exec.Status)
	}

	claimed, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "exec-1" {
		t.Fatalf("expected the cancel-requested row to be claimable, got %+v", claimed)
	}
	if claimed.Status != store.StatusCancelRequested {
		t.Fatalf("expected status to remain CANCEL_REQUESTED through the lease, got %s", claimed.Status)
	}
	if !claimed.LeaseID.Valid {
		t.Fatal("expected lease_id to be set even though status stayed CANCEL_REQUESTED")
	}
}

func TestRequestCancel_TerminalIsNoopSuccess(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FinalizeExecution(ctx, "exec-1", store.StatusCompleted, sql.NullString{String: "done", Valid: true}, sql.NullString{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := s.RequestCancel(ctx, "exec-1"); err != nil {
		t.Fatalf("expected no-op success cancelling a terminal job, got %v", err)
	}
}

func TestRecoverExecutions_ResetsRunningAndCancelRequested(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "running", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimNextExecution(ctx, "lease-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequestCancel(ctx, "running"); err != nil {
		t.Fatalf("request cancel (should now be winding down): %v", err)
	}

	n, err := s.RecoverExecutions(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row recovered, got %d", n)
	}

	exec, err := s.GetExecution(ctx, "running")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != store.StatusPending {
		t.Fatalf("expected PENDING after recovery, got %s", exec.Status)
	}
	if exec.LeaseID.Valid {
		t.Fatal("expected lease_id cleared after recovery")
	}
}

func TestAgeExecutionPriorities_BoostsOldPendingJobsUpToCap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := time.Now().Add(-10 * time.Minute).UnixNano()
	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "stale", AgentID: "a", Payload: "{}", BasePriority: 30, Priority: 30, EnqueueTS: old,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.AgeExecutionPriorities(ctx, 5*time.Minute, 10, 65); err != nil {
		t.Fatalf("age: %v", err)
	}
	exec, err := s.GetExecution(ctx, "stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Priority != 40 {
		t.Fatalf("expected priority boosted to 40, got %d", exec.Priority)
	}

	for i := 0; i < 10; i++ {
		if _, err := s.AgeExecutionPriorities(ctx, 5*time.Minute, 10, 65); err != nil {
			t.Fatalf("age iteration %d: %v", i, err)
		}
	}
	exec, err = s.GetExecution(ctx, "stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Priority != 65 {
		t.Fatalf("expected priority capped at 65, got %d", exec.Priority)
	}
}

func TestRequeueExpiredExecutionLeases(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimNextExecution(ctx, "lease-1", -1*time.Second); err != nil {
		t.Fatalf("claim with already-expired lease: %v", err)
	}

	n, err := s.RequeueExpiredExecutionLeases(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued row, got %d", n)
	}

	exec, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != store.StatusPending {
		t.Fatalf("expected PENDING after requeue, got %s", exec.Status)
	}
}

func TestAppendAndListNodeEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateExecution(ctx, &store.Execution{
		ID: "exec-1", AgentID: "a", Payload: "{}", BasePriority: 50, Priority: 50, EnqueueTS: time.Now().UnixNano(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.AppendNodeEvent(ctx, &store.NodeEvent{ExecutionID: "exec-1", NodeID: "fetch", Status: "RUNNING"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendNodeEvent(ctx, &store.NodeEvent{ExecutionID: "exec-1", NodeID: "fetch", Status: "COMPLETED"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListNodeEvents(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// The CreateExecution root enqueue event plus the two appended above.
	if len(events) != 3 {
		t.Fatalf("expected 3 node events, got %d", len(events))
	}
	if events[0].NodeID != "root" || events[0].Status != "ENQUEUED" {
		t.Fatalf("expected first event to be the root enqueue marker, got %+v", events[0])
	}
}
