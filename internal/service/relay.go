package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gasless/relayer/internal/blockchain/evm"
	"gasless/relayer/internal/metrics"
	"gasless/relayer/internal/models"
)

// ChainClient is the subset of the EVM client the relay depends on
type ChainClient interface {
	InDoubtChecker
	TxSender
	ReceiptReader
	IsConnected(ctx context.Context) bool
}

// RecordStore persists relay records
type RecordStore interface {
	StatusStore
	CreateRelayRecord(ctx context.Context, record *models.RelayRecord) error
	GetRelayRecordByTxHash(ctx context.Context, txHash string) (*models.RelayRecord, error)
	GetRelayRecordsByStatus(ctx context.Context, status models.RelayStatus, limit int) ([]models.RelayRecord, error)
}

// TxBuilder turns a verified request into a signed relayer transaction
type TxBuilder interface {
	Build(req evm.ForwardRequest, signature []byte, relayerNonce uint64) (*types.Transaction, error)
}

// RelayResult is returned once a relayed transaction has been accepted by the network
type RelayResult struct {
	TxHash string
	Status models.RelayStatus
}

// RelayService orchestrates verification, nonce handling, building and
// submission of forward requests.
type RelayService struct {
	verifier   *evm.SignatureVerifier
	replay     *ReplayNonceAuthority
	allocator  *NonceAllocator
	builder    TxBuilder
	submitter  *Submitter
	reconciler *StatusReconciler
	store      RecordStore
	gasCeiling *big.Int
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewRelayService wires the relay pipeline. gasCeiling bounds the gas a request
// may ask the forwarder to forward.
func NewRelayService(
	verifier *evm.SignatureVerifier,
	replay *ReplayNonceAuthority,
	allocator *NonceAllocator,
	builder TxBuilder,
	submitter *Submitter,
	reconciler *StatusReconciler,
	store RecordStore,
	gasCeiling uint64,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RelayService {
	return &RelayService{
		verifier:   verifier,
		replay:     replay,
		allocator:  allocator,
		builder:    builder,
		submitter:  submitter,
		reconciler: reconciler,
		store:      store,
		gasCeiling: new(big.Int).SetUint64(gasCeiling),
		metrics:    m,
		logger:     logger.Named("relay"),
		now:        time.Now,
	}
}

// GetReplayNonce returns the replay nonce the sender should sign next
func (s *RelayService) GetReplayNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	return s.replay.Issue(ctx, sender)
}

// Relay verifies req and submits it to the forwarder. Nothing is reserved or
// recorded for a request that fails validation, and a failure after reservation
// has released its nonce before Relay returns.
func (s *RelayService) Relay(ctx context.Context, req evm.ForwardRequest, signature []byte) (*RelayResult, error) {
	result, err := s.relay(ctx, req, signature)
	s.metrics.RelayRequests.WithLabelValues(relayResultLabel(err)).Inc()
	return result, err
}

func (s *RelayService) relay(ctx context.Context, req evm.ForwardRequest, signature []byte) (*RelayResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	if !s.verifier.Verify(req, signature) {
		s.logger.Info("Signature verification failed", zap.String("from", req.From.Hex()))
		return nil, &SignatureError{Sender: req.From.Hex()}
	}

	if !s.replay.Accept(ctx, req.From, req.Nonce) {
		return nil, fmt.Errorf("%w: sender %s nonce %s", ErrReplay, req.From.Hex(), req.Nonce)
	}

	nonce, err := s.allocator.Reserve(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.builder.Build(req, signature, nonce.Value)
	if err != nil {
		if relErr := s.allocator.Release(nonce, OutcomePermanentFailure); relErr != nil {
			s.logger.Error("Failed to release nonce", zap.Uint64("nonce", nonce.Value), zap.Error(relErr))
		}
		if errors.Is(err, evm.ErrEncoding) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	txHash, err := s.submitter.Submit(ctx, tx, nonce)
	if err != nil {
		return nil, err
	}

	hashHex := txHash.Hex()
	record := &models.RelayRecord{
		RequestID:   uuid.NewString(),
		Sender:      req.From.Hex(),
		Target:      req.To.Hex(),
		CallData:    req.Data,
		ReplayNonce: req.Nonce.String(),
		TxHash:      &hashHex,
		Status:      models.RelayStatusSubmitted,
	}
	// the transaction is already on the network; the record must outlive a cancelled request
	if err := s.store.CreateRelayRecord(context.WithoutCancel(ctx), record); err != nil {
		s.logger.Error("Failed to store relay record",
			zap.String("tx_hash", hashHex),
			zap.Error(err))
	}

	s.logger.Info("Forward request relayed",
		zap.String("request_id", record.RequestID),
		zap.String("tx_hash", hashHex),
		zap.String("from", req.From.Hex()),
		zap.String("to", req.To.Hex()),
		zap.Uint64("relayer_nonce", nonce.Value))

	return &RelayResult{TxHash: hashHex, Status: models.RelayStatusSubmitted}, nil
}

// validate performs the checks that need no network access
func (s *RelayService) validate(req evm.ForwardRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Gas.Cmp(s.gasCeiling) > 0 {
		return fmt.Errorf("%w: gas %s exceeds relay gas limit %s", ErrValidation, req.Gas, s.gasCeiling)
	}
	now := big.NewInt(s.now().Unix())
	if req.Deadline.Cmp(now) <= 0 {
		return fmt.Errorf("%w: request expired at %s", ErrValidation, req.Deadline)
	}
	return nil
}

// GetStatus returns the relay record for txHash, reconciled against the chain
// when it is still pending. A failed reconciliation falls back to the stored record.
func (s *RelayService) GetStatus(ctx context.Context, txHash string) (*models.RelayRecord, error) {
	if !isTxHash(txHash) {
		return nil, fmt.Errorf("%w: invalid transaction hash %q", ErrValidation, txHash)
	}

	record, err := s.store.GetRelayRecordByTxHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load relay record: %w", err)
	}
	if record == nil {
		return nil, ErrNotFound
	}

	reconciled, err := s.reconciler.Reconcile(ctx, record)
	if err != nil {
		s.logger.Warn("Status reconciliation failed, returning stored status",
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return record, nil
	}
	return reconciled, nil
}

func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	b, err := hexutil.Decode("0x" + s[2:])
	return err == nil && len(b) == common.HashLength
}

func relayResultLabel(err error) string {
	var subErr *SubmissionError
	switch {
	case err == nil:
		return "submitted"
	case errors.As(err, &subErr) && subErr.Transient:
		return "submission_transient"
	case errors.As(err, &subErr):
		return "submission_rejected"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrAllocation):
		return "allocation"
	default:
		return "error"
	}
}
