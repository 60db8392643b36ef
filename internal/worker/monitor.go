package worker

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"gasless/relayer/internal/models"
)

// Monitor polls submitted relay records for receipts and settles in-doubt relayer nonces
type Monitor struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewMonitor creates a new reconciliation monitor
func NewMonitor(manager *WorkerManager) *Monitor {
	return &Monitor{
		manager: manager,
		logger:  manager.logger.Named("monitor"),
	}
}

// Run starts the monitor polling loop
func (m *Monitor) Run(ctx context.Context) {
	interval := m.manager.cfg.ReconcileInterval
	m.logger.Info("Monitor started", zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one polling cycle
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, MonitorTimeout)
	defer cancel()

	m.logger.Debug("Starting poll cycle")

	m.reconcileSubmitted(pollCtx)
	m.resolveInDoubt(pollCtx)
}

// reconcileSubmitted checks receipts for submitted records on a bounded pool
func (m *Monitor) reconcileSubmitted(ctx context.Context) {
	records, err := m.manager.store.GetRelayRecordsByStatus(ctx, models.RelayStatusSubmitted, ReconcileBatchSize)
	if err != nil {
		m.logger.Error("Failed to get submitted records", zap.Error(err))
		return
	}

	if len(records) == 0 {
		return
	}

	m.logger.Debug("Reconciling submitted records", zap.Int("count", len(records)))

	p := pool.New().
		WithMaxGoroutines(m.manager.cfg.ReconcileWorkers).
		WithContext(ctx)

	for i := range records {
		record := records[i]
		p.Go(func(ctx context.Context) error {
			if _, err := m.manager.reconciler.Reconcile(ctx, &record); err != nil {
				m.logger.Warn("Failed to reconcile record",
					zap.String("request_id", record.RequestID),
					zap.Error(err))
			}
			return nil
		})
	}

	// per-record failures are logged, not propagated
	_ = p.Wait()
}

// resolveInDoubt settles relayer nonces whose broadcast outcome was unknown
func (m *Monitor) resolveInDoubt(ctx context.Context) {
	dropped, recovered, err := m.manager.allocator.ResolveInDoubt(ctx, m.manager.chain, m.manager.cfg.InDoubtGrace)
	if err != nil {
		m.logger.Error("Failed to resolve in-doubt nonces", zap.Error(err))
		return
	}

	if dropped > 0 || recovered > 0 {
		m.logger.Info("In-doubt nonces resolved",
			zap.Int("consumed", dropped),
			zap.Int("recovered", recovered))
	}
}
