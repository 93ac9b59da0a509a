package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/executionstore"
)

// defaultSweepConcurrency bounds how many executions one pass drives at once.
const defaultSweepConcurrency = 16

// SweeperService periodically drives executions that no event will wake:
// scheduled retries, abandoned leases, job timeouts, review escalation and
// retention.
type SweeperService struct {
	orch        *OrchestratorService
	store       executionstore.Store
	concurrency int
}

// NewSweeperService creates a SweeperService for orch's executions.
func NewSweeperService(orch *OrchestratorService, store executionstore.Store) *SweeperService {
	return &SweeperService{orch: orch, store: store, concurrency: defaultSweepConcurrency}
}

// SetConcurrency bounds the executions driven in parallel by one pass.
func (s *SweeperService) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *SweeperService) Run(ctx context.Context) {
	interval := s.orch.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce makes one pass over every active execution, a page of SweepBatch
// at a time, and then removes terminal ones past retention. Executions that
// are not due cost a read; they never hide due work behind them. Failures on
// single executions are logged and left for the next pass; only a failing
// List aborts the pass.
func (s *SweeperService) RunOnce(ctx context.Context) error {
	filter := executionstore.Filter{
		States: execution.ActiveStates,
		Limit:  s.orch.cfg.SweepBatch,
	}
	if filter.Limit <= 0 {
		filter.Limit = executionstore.DefaultListLimit
	}
	for {
		page, err := s.store.List(ctx, filter)
		if err != nil {
			return err
		}
		if err := s.drivePage(ctx, page); err != nil {
			return err
		}
		if len(page) < filter.Limit {
			break
		}
		filter.After = executionstore.CursorAfter(&page[len(page)-1])
	}

	return s.collect(ctx)
}

func (s *SweeperService) drivePage(ctx context.Context, page []execution.Execution) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range page {
		e := &page[i]
		g.Go(func() error {
			if err := s.drive(gctx, e); err != nil {
				logger.From(gctx).Warn("sweep execution failed", "execution_id", e.ID, "state", e.State, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// drive decides from a listed snapshot what e needs. Every action re-checks
// its precondition under CAS, so a stale snapshot only costs a no-op.
func (s *SweeperService) drive(ctx context.Context, e *execution.Execution) error {
	now := s.orch.now()
	cfg := s.orch.cfg
	switch e.State {
	case execution.StateCreated:
		if now.Sub(e.CreatedAt) >= cfg.ProcessingLease {
			return s.orch.redriveCreated(ctx, e.ID)
		}
	case execution.StateInvoked:
		if e.Due(now) && !e.LeaseActive(now) {
			return s.orch.redriveInvoked(ctx, e.ID)
		}
	case execution.StateAwaitingJob:
		if e.JobSubmittedAt != nil && now.Sub(*e.JobSubmittedAt) > cfg.JobTimeout {
			return s.orch.timeoutJob(ctx, e.ID)
		}
	case execution.StateProcessingResult:
		if !e.LeaseActive(now) {
			return s.orch.redriveProcessing(ctx, e.ID)
		}
	case execution.StateFinalizing:
		if !e.LeaseActive(now) {
			return s.orch.redriveFinalizing(ctx, e.ID)
		}
	case execution.StateAwaitingReview:
		s.orch.announceReviews(ctx, e)
	}
	return nil
}

// collect deletes terminal executions whose last update is older than the
// retention period, together with their correlation entries.
func (s *SweeperService) collect(ctx context.Context) error {
	retention := s.orch.cfg.Retention
	if retention <= 0 {
		return nil
	}
	expired, err := s.store.List(ctx, executionstore.Filter{
		States:        []execution.State{execution.StateDone, execution.StateError},
		UpdatedBefore: s.orch.now().Add(-retention),
		Limit:         s.orch.cfg.SweepBatch,
	})
	if err != nil {
		return err
	}
	for _, e := range expired {
		if err := s.store.DeleteCorrelations(ctx, e.JobHandles); err != nil {
			logger.From(ctx).Warn("delete correlations failed", "execution_id", e.ID, "error", err)
			continue
		}
		if err := s.store.Delete(ctx, e.ID); err != nil {
			logger.From(ctx).Warn("delete execution failed", "execution_id", e.ID, "error", err)
			continue
		}
		slog.Debug("execution expired", "execution_id", e.ID, "state", e.State)
	}
	return nil
}
