package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gasless/relayer/internal/config"
	"gasless/relayer/internal/models"
	"gasless/relayer/internal/service"
)

// Constants for worker configuration
const (
	DefaultPollInterval = 15 * time.Second
	ReconcileBatchSize  = 200
	MonitorTimeout      = 30 * time.Second
)

// RecordLister lists relay records awaiting reconciliation
type RecordLister interface {
	GetRelayRecordsByStatus(ctx context.Context, status models.RelayStatus, limit int) ([]models.RelayRecord, error)
}

// WorkerManager orchestrates the background reconciliation workers
type WorkerManager struct {
	cfg    config.RelayConfig
	logger *zap.Logger

	store      RecordLister
	reconciler *service.StatusReconciler
	allocator  *service.NonceAllocator
	chain      service.InDoubtChecker

	// Worker components
	monitor *Monitor

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerManager creates a new worker manager with all required dependencies
func NewWorkerManager(
	cfg config.RelayConfig,
	store RecordLister,
	reconciler *service.StatusReconciler,
	allocator *service.NonceAllocator,
	chain service.InDoubtChecker,
	logger *zap.Logger,
) *WorkerManager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultPollInterval
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		cfg:        cfg,
		logger:     logger.Named("worker"),
		store:      store,
		reconciler: reconciler,
		allocator:  allocator,
		chain:      chain,
		ctx:        ctx,
		cancel:     cancel,
	}
	wm.monitor = NewMonitor(wm)

	return wm
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Duration("poll_interval", wm.cfg.ReconcileInterval),
		zap.Int("reconcile_workers", wm.cfg.ReconcileWorkers))

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.monitor.Run(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	// Signal workers to stop
	wm.cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
	}

	wm.logger.Info("Worker manager shutdown complete")
	return nil
}
