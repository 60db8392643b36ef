package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"gasless/relayer/internal/metrics"
)

const resyncTimeout = 10 * time.Second

// TxSender broadcasts signed transactions
type TxSender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type submitClass int

const (
	submitAccepted submitClass = iota
	submitRejected
	submitTransient
)

func (c submitClass) String() string {
	switch c {
	case submitAccepted:
		return "accepted"
	case submitRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// node messages that mean the transaction is already in the pool
var acceptedMessages = []string{
	"already known",
	"known transaction",
}

// node messages that mean the transaction was refused and never entered the pool
var rejectionMessages = []string{
	"nonce too low",
	"nonce too high",
	"insufficient funds",
	"replacement transaction underpriced",
	"transaction underpriced",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"max fee per gas less than block base fee",
	"max priority fee per gas higher than max fee per gas",
	"invalid sender",
	"oversized data",
	"tx fee",
	"execution reverted",
}

// Submitter broadcasts built transactions exactly once and settles the relayer
// nonce according to the outcome. It never retries.
type Submitter struct {
	sender    TxSender
	allocator *NonceAllocator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSubmitter creates a new submitter
func NewSubmitter(sender TxSender, allocator *NonceAllocator, m *metrics.Metrics, logger *zap.Logger) *Submitter {
	return &Submitter{
		sender:    sender,
		allocator: allocator,
		metrics:   m,
		logger:    logger.Named("submitter"),
	}
}

// Submit broadcasts tx, which must carry nonce. Failures are returned as
// *SubmissionError; the nonce has been released by the time Submit returns.
func (s *Submitter) Submit(ctx context.Context, tx *types.Transaction, nonce AllocatedNonce) (common.Hash, error) {
	txHash := tx.Hash()
	sendErr := s.sender.SendTransaction(ctx, tx)
	class := classifySubmitError(sendErr)
	s.metrics.SubmissionOutcomes.WithLabelValues(class.String()).Inc()

	switch class {
	case submitAccepted:
		if err := s.allocator.Release(nonce, OutcomeSuccess); err != nil {
			s.logger.Error("Failed to release nonce", zap.Uint64("nonce", nonce.Value), zap.Error(err))
		}
		s.logger.Info("Transaction submitted",
			zap.String("tx_hash", txHash.Hex()),
			zap.Uint64("nonce", nonce.Value),
			zap.Bool("already_known", sendErr != nil))
		return txHash, nil

	case submitRejected:
		if err := s.allocator.Release(nonce, OutcomePermanentFailure); err != nil {
			s.logger.Error("Failed to release nonce", zap.Uint64("nonce", nonce.Value), zap.Error(err))
		}
		s.logger.Warn("Transaction rejected",
			zap.String("tx_hash", txHash.Hex()),
			zap.Uint64("nonce", nonce.Value),
			zap.Error(sendErr))

		if isNonceTooLow(sendErr) {
			resyncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
			defer cancel()
			if err := s.allocator.Resync(resyncCtx); err != nil {
				s.logger.Error("Nonce resync failed", zap.Error(err))
			}
		}
		return common.Hash{}, &SubmissionError{Transient: false, TxHash: txHash.Hex(), Err: sendErr}

	default:
		if err := s.allocator.ReleaseInDoubt(nonce, txHash); err != nil {
			s.logger.Error("Failed to mark nonce in doubt", zap.Uint64("nonce", nonce.Value), zap.Error(err))
		}
		s.logger.Warn("Transaction broadcast outcome unknown",
			zap.String("tx_hash", txHash.Hex()),
			zap.Uint64("nonce", nonce.Value),
			zap.Error(sendErr))
		return common.Hash{}, &SubmissionError{Transient: true, TxHash: txHash.Hex(), Err: sendErr}
	}
}

// classifySubmitError decides whether a broadcast error proves the transaction
// was refused. Anything unproven is transient.
func classifySubmitError(err error) submitClass {
	if err == nil {
		return submitAccepted
	}

	msg := strings.ToLower(err.Error())
	for _, m := range acceptedMessages {
		if strings.Contains(msg, m) {
			return submitAccepted
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return submitTransient
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return submitTransient
		}
		return submitRejected
	}

	for _, m := range rejectionMessages {
		if strings.Contains(msg, m) {
			return submitRejected
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return submitRejected
	}

	return submitTransient
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
