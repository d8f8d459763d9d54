// Package daemon runs the supervisor loop and owns the daemon process
// surface: PID file, single-instance lock, forking and systemd install.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/stats"
	"github.com/kernel-patches/kpd/internal/syncer"
)

// DefaultLoopDelay is the sleep between supervisor iterations.
const DefaultLoopDelay = 120 * time.Second

// Supervisor counter names, flushed together with the cycle counters.
const (
	CounterRunsSuccessful = "runs_successful"
	CounterRunsFailed     = "runs_failed"
)

// Worker is the supervisor: it rebuilds the sync unit every iteration, runs
// one cycle, accounts the outcome and sleeps.
type Worker struct {
	cfg         *config.Config
	counters    *stats.Stats
	sinks       []stats.Sink
	labelColors map[string]string
	loopDelay   time.Duration

	// lastSuccess is the start time of the last successful cycle; it
	// advances the tracker search window.
	lastSuccess time.Time

	// newSync is swapped by tests.
	newSync func(ctx context.Context, opts syncer.Options) (sync, error)
}

// sync is the slice of GithubSync the supervisor drives.
type sync interface {
	SyncPatches(ctx context.Context) error
}

// WorkerOptions carries the constructor parameters for Worker.
type WorkerOptions struct {
	Config      *config.Config
	Sinks       []stats.Sink
	LabelColors map[string]string
	LoopDelay   time.Duration
}

// NewWorker builds a supervisor.
func NewWorker(opts WorkerOptions) *Worker {
	delay := opts.LoopDelay
	if delay == 0 {
		delay = DefaultLoopDelay
	}
	names := append(syncer.CounterNames(), CounterRunsSuccessful, CounterRunsFailed)
	return &Worker{
		cfg:         opts.Config,
		counters:    stats.New(names...),
		sinks:       opts.Sinks,
		labelColors: opts.LabelColors,
		loopDelay:   delay,
		newSync: func(ctx context.Context, opts syncer.Options) (sync, error) {
			return syncer.NewGithubSync(ctx, opts)
		},
	}
}

// Run loops until the context is canceled. Cycle failures are accounted and
// absorbed; only cancellation ends the loop.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("supervisor starting",
		"project", w.cfg.Patchwork.Project, "loop_delay", w.loopDelay)

	for {
		w.runOnce(ctx)
		if err := w.sleep(ctx); err != nil {
			slog.Info("supervisor stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// runOnce builds a fresh sync unit and runs one cycle. An initialization
// failure skips the cycle without flushing metrics; a cycle failure is
// accounted and flushed.
func (w *Worker) runOnce(ctx context.Context) {
	w.counters.Drop()
	cycleStart := time.Now()

	s, err := w.newSync(ctx, syncer.Options{
		Config:      w.cfg,
		Counters:    w.counters,
		Since:       w.lastSuccess,
		LabelColors: w.labelColors,
	})
	if err != nil {
		slog.Error("sync initialization failed, skipping cycle", "error", err)
		return
	}

	if err := s.SyncPatches(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("cycle failed", "error", err)
		w.counters.Increment(CounterRunsFailed)
		w.counters.IncrementNew("unhandled_" + errorKind(err))
	} else {
		w.counters.Increment(CounterRunsSuccessful)
		w.lastSuccess = cycleStart
	}

	snapshot := w.counters.Snapshot()
	for _, sink := range w.sinks {
		sink.Flush(w.cfg.Patchwork.Project, snapshot)
	}
}

func (w *Worker) sleep(ctx context.Context) error {
	timer := time.NewTimer(w.loopDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errorKind names the most specific typed error in the chain, for the
// per-kind failure counters.
func errorKind(err error) string {
	kind := "error"
	for e := err; e != nil; e = errors.Unwrap(e) {
		if name := typeName(e); name != "" {
			kind = name
		}
	}
	return kind
}

func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	switch name {
	case "*fmt.wrapError", "*errors.errorString", "*errors.joinError":
		return ""
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// ServeMetrics exposes the Prometheus registry on addr until the context is
// canceled. Errors other than a clean shutdown are logged, not returned; a
// broken metrics listener must not take the daemon down.
func ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}
