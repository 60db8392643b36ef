package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"gasless/relayer/internal/metrics"
	"gasless/relayer/internal/models"
)

// ReceiptReader fetches transaction receipts; nil, nil means not yet mined
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// StatusStore persists relay record status transitions
type StatusStore interface {
	UpdateRelayRecordStatus(ctx context.Context, id int64, status models.RelayStatus) (bool, error)
}

// StatusReconciler moves submitted relay records to success or failed once
// their transaction is mined. Reconciling is idempotent.
type StatusReconciler struct {
	chain   ReceiptReader
	store   StatusStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStatusReconciler creates a new reconciler
func NewStatusReconciler(chain ReceiptReader, store StatusStore, m *metrics.Metrics, logger *zap.Logger) *StatusReconciler {
	return &StatusReconciler{
		chain:   chain,
		store:   store,
		metrics: m,
		logger:  logger.Named("reconciler"),
	}
}

// Reconcile returns the record with its status brought up to date. Terminal
// records and unmined transactions come back unchanged. A chain query failure
// returns ErrReconciliation and leaves the record as it was.
func (r *StatusReconciler) Reconcile(ctx context.Context, record *models.RelayRecord) (*models.RelayRecord, error) {
	if record.Status.IsTerminal() || record.TxHash == nil {
		return record, nil
	}

	txHash := common.HexToHash(*record.TxHash)
	receipt, err := r.chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		return record, fmt.Errorf("%w: receipt for %s: %v", ErrReconciliation, txHash.Hex(), err)
	}
	if receipt == nil {
		return record, nil
	}

	status := models.RelayStatusFailed
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = models.RelayStatusSuccess
	}

	changed, err := r.store.UpdateRelayRecordStatus(ctx, record.ID, status)
	if err != nil {
		return record, fmt.Errorf("failed to store reconciled status: %w", err)
	}

	updated := *record
	updated.Status = status
	if changed {
		r.metrics.ReconciledRecords.WithLabelValues(string(status)).Inc()
		fields := []zap.Field{
			zap.String("tx_hash", txHash.Hex()),
			zap.String("request_id", record.RequestID),
			zap.String("status", string(status)),
		}
		if receipt.BlockNumber != nil {
			fields = append(fields, zap.Uint64("block_number", receipt.BlockNumber.Uint64()))
		}
		r.logger.Info("Relay record reconciled", fields...)
	}

	return &updated, nil
}
