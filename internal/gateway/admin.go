package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()

	sqliteVersion, err := s.cfg.Store.SQLiteVersion(ctx)
	healthy := err == nil
	if err != nil {
		s.cfg.Logger.Error("health: sqlite version probe failed", "error", err)
	}

	payload := map[string]any{
		"status":         "ok",
		"sqlite_version": sqliteVersion,
		"uptime_sec":     int64(time.Since(s.startedAt).Seconds()),
		"config":         s.cfg.ConfigFingerprint,
	}
	if !healthy {
		payload["status"] = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()

	execCounts, err := s.cfg.Store.ExecutionCounts(ctx)
	if err != nil {
		s.cfg.Logger.Error("metrics: execution counts", "error", err)
	}
	infCounts, err := s.cfg.Store.InferenceCounts(ctx)
	if err != nil {
		s.cfg.Logger.Error("metrics: inference counts", "error", err)
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	writeQueueGauges(w, "execution", execCounts.Pending, execCounts.Running,
		execCounts.CancelRequested, execCounts.Completed, execCounts.Failed, execCounts.Canceled)
	writeQueueGauges(w, "inference", infCounts.Pending, infCounts.Running,
		infCounts.CancelRequested, infCounts.Completed, infCounts.Failed, infCounts.Canceled)

	if s.cfg.Cancels != nil {
		fmt.Fprintf(w, "# HELP dispatchd_inflight_jobs Jobs holding a registered cancellation handle in this process.\n")
		fmt.Fprintf(w, "# TYPE dispatchd_inflight_jobs gauge\n")
		fmt.Fprintf(w, "dispatchd_inflight_jobs %d\n", s.cfg.Cancels.Len())
	}

	fmt.Fprintf(w, "# HELP dispatchd_uptime_seconds Seconds since process start.\n")
	fmt.Fprintf(w, "# TYPE dispatchd_uptime_seconds counter\n")
	fmt.Fprintf(w, "dispatchd_uptime_seconds %d\n", int64(time.Since(s.startedAt).Seconds()))
	fmt.Fprintf(w, "# HELP dispatchd_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE dispatchd_alloc_bytes gauge\n")
	fmt.Fprintf(w, "dispatchd_alloc_bytes %d\n", mem.Alloc)
}

func writeQueueGauges(w http.ResponseWriter, queue string, pending, running, cancelRequested, completed, failed, canceled int64) {
	fmt.Fprintf(w, "# HELP dispatchd_%s_jobs Jobs in the %s queue by status.\n", queue, queue)
	fmt.Fprintf(w, "# TYPE dispatchd_%s_jobs gauge\n", queue)
	fmt.Fprintf(w, "dispatchd_%s_jobs{status=\"pending\"} %d\n", queue, pending)
	fmt.Fprintf(w, "dispatchd_%s_jobs{status=\"running\"} %d\n", queue, running)
	fmt.Fprintf(w, "dispatchd_%s_jobs{status=\"cancel_requested\"} %d\n", queue, cancelRequested)
	fmt.Fprintf(w, "dispatchd_%s_jobs{status=\"completed\"} %d\n", queue, completed)
	fmt.Fprintf(w, "dispatchd_%s_jobs{status=\"failed\"} %d\n", queue, failed)
	fmt.Fprintf(w, "dispatchd_%s_jobs{status=\"canceled\"} %d\n", queue, canceled)
}
