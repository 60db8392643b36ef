package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gasless/relayer/internal/metrics"
)

// NonceOutcome is the result reported when a reserved relayer nonce is released
type NonceOutcome int

const (
	// OutcomeSuccess means the transaction was accepted and the nonce is consumed
	OutcomeSuccess NonceOutcome = iota
	// OutcomePermanentFailure means nothing was broadcast and the nonce is reusable
	OutcomePermanentFailure
	// OutcomeInDoubt means the broadcast may or may not have reached the network
	OutcomeInDoubt
)

func (o NonceOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeInDoubt:
		return "in_doubt"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// errRecoveryListFull is returned when a released nonce cannot be kept for reuse
var errRecoveryListFull = errors.New("recovery list full")

// AllocatedNonce is a relayer account nonce reserved for exactly one transaction
type AllocatedNonce struct {
	Value uint64
}

// NonceSource reads the relayer account nonce from the chain
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// InDoubtChecker is what ResolveInDoubt needs to prove whether a nonce was consumed
type InDoubtChecker interface {
	NonceSource
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error)
}

type inDoubtEntry struct {
	txHash common.Hash
	since  time.Time
}

// AllocatorStats is a point-in-time view of the allocator state
type AllocatorStats struct {
	Next     uint64
	Recovery []uint64
	Reserved int
	InDoubt  int
}

// NonceAllocator hands out relayer nonces without gaps or duplicates across
// concurrent requests. All bookkeeping happens under a size-one semaphore that
// is never held across network I/O.
type NonceAllocator struct {
	relayer     common.Address
	source      NonceSource
	sem         *semaphore.Weighted
	lockTimeout time.Duration
	maxRecovery int
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	seeded   atomic.Bool
	next     uint64
	recovery []uint64 // ascending
	reserved map[uint64]struct{}
	inDoubt  map[uint64]inDoubtEntry
}

// NewNonceAllocator creates an allocator for the relayer account. It is seeded
// lazily from the chain on first use, or explicitly through Seed.
func NewNonceAllocator(
	relayer common.Address,
	source NonceSource,
	lockTimeout time.Duration,
	maxRecovery int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *NonceAllocator {
	return &NonceAllocator{
		relayer:     relayer,
		source:      source,
		sem:         semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
		maxRecovery: maxRecovery,
		metrics:     m,
		logger:      logger.Named("nonce-allocator"),
		now:         time.Now,
		reserved:    make(map[uint64]struct{}),
		inDoubt:     make(map[uint64]inDoubtEntry),
	}
}

// lock acquires the critical section, giving up after lockTimeout
func (a *NonceAllocator) lock(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	defer cancel()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: nonce lock not acquired within %s: %v", ErrAllocation, a.lockTimeout, err)
	}
	return nil
}

func (a *NonceAllocator) unlock() {
	a.sem.Release(1)
}

// Seed initializes the high-water mark from the relayer's pending nonce.
// Later calls are no-ops.
func (a *NonceAllocator) Seed(ctx context.Context) error {
	if a.seeded.Load() {
		return nil
	}

	pending, err := a.source.PendingNonceAt(ctx, a.relayer)
	if err != nil {
		return fmt.Errorf("failed to read relayer pending nonce: %w", err)
	}

	if err := a.lock(ctx); err != nil {
		return err
	}
	defer a.unlock()

	if a.seeded.Load() {
		return nil
	}
	a.next = pending
	a.seeded.Store(true)

	a.logger.Info("Nonce allocator seeded",
		zap.String("relayer", a.relayer.Hex()),
		zap.Uint64("next_nonce", pending))

	return nil
}

// Reserve hands out the lowest recovered nonce, or the next fresh one
func (a *NonceAllocator) Reserve(ctx context.Context) (AllocatedNonce, error) {
	if err := a.Seed(ctx); err != nil {
		a.metrics.NonceReservations.WithLabelValues("failed").Inc()
		return AllocatedNonce{}, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	if err := a.lock(ctx); err != nil {
		a.metrics.NonceReservations.WithLabelValues("failed").Inc()
		a.logger.Warn("Nonce reservation timed out", zap.Error(err))
		return AllocatedNonce{}, err
	}
	defer a.unlock()

	var (
		value  uint64
		source string
	)
	if len(a.recovery) > 0 {
		value = a.recovery[0]
		a.recovery = a.recovery[1:]
		source = "recovered"
	} else {
		value = a.next
		a.next++
		source = "fresh"
	}
	a.reserved[value] = struct{}{}

	a.metrics.NonceReservations.WithLabelValues(source).Inc()
	a.metrics.RecoveryListSize.Set(float64(len(a.recovery)))

	a.logger.Debug("Nonce reserved",
		zap.Uint64("nonce", value),
		zap.String("source", source))

	return AllocatedNonce{Value: value}, nil
}

// Release reports the outcome of a reserved nonce. An in-doubt release made
// here carries no transaction hash; use ReleaseInDoubt when one is known.
func (a *NonceAllocator) Release(n AllocatedNonce, outcome NonceOutcome) error {
	if outcome == OutcomeInDoubt {
		return a.ReleaseInDoubt(n, common.Hash{})
	}

	// releases never time out; the lock is only held for bookkeeping
	if err := a.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer a.unlock()

	if err := a.takeReserved(n.Value); err != nil {
		return err
	}

	switch outcome {
	case OutcomeSuccess:
		a.logger.Debug("Nonce consumed", zap.Uint64("nonce", n.Value))
		return nil
	case OutcomePermanentFailure:
		return a.returnNonce(n.Value)
	default:
		return fmt.Errorf("unknown nonce outcome %s", outcome)
	}
}

// ReleaseInDoubt keeps the nonce out of circulation until ResolveInDoubt proves
// whether the transaction with txHash consumed it.
func (a *NonceAllocator) ReleaseInDoubt(n AllocatedNonce, txHash common.Hash) error {
	if err := a.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer a.unlock()

	if err := a.takeReserved(n.Value); err != nil {
		return err
	}

	a.inDoubt[n.Value] = inDoubtEntry{txHash: txHash, since: a.now()}
	a.metrics.InDoubtNonces.Set(float64(len(a.inDoubt)))

	a.logger.Warn("Nonce in doubt",
		zap.Uint64("nonce", n.Value),
		zap.String("tx_hash", txHash.Hex()))

	return nil
}

// takeReserved must be called with the lock held
func (a *NonceAllocator) takeReserved(value uint64) error {
	if _, ok := a.reserved[value]; !ok {
		return fmt.Errorf("nonce %d is not reserved", value)
	}
	delete(a.reserved, value)
	return nil
}

// returnNonce puts an unused nonce back into circulation. Must be called with the lock held.
func (a *NonceAllocator) returnNonce(value uint64) error {
	defer func() {
		a.metrics.RecoveryListSize.Set(float64(len(a.recovery)))
	}()

	if value+1 == a.next {
		a.next = value
		// the mark may now sit directly above recovered entries
		for len(a.recovery) > 0 && a.recovery[len(a.recovery)-1]+1 == a.next {
			a.next = a.recovery[len(a.recovery)-1]
			a.recovery = a.recovery[:len(a.recovery)-1]
		}
		a.logger.Debug("Nonce returned to high-water mark",
			zap.Uint64("nonce", value),
			zap.Uint64("next_nonce", a.next))
		return nil
	}

	if len(a.recovery) >= a.maxRecovery {
		a.logger.Error("Recovery list full, nonce gap left unfilled",
			zap.Uint64("nonce", value),
			zap.Int("recovery_list_size", len(a.recovery)))
		return fmt.Errorf("%w: cannot recover nonce %d", errRecoveryListFull, value)
	}

	i := sort.Search(len(a.recovery), func(i int) bool { return a.recovery[i] >= value })
	if i < len(a.recovery) && a.recovery[i] == value {
		return nil
	}
	a.recovery = append(a.recovery, 0)
	copy(a.recovery[i+1:], a.recovery[i:])
	a.recovery[i] = value

	a.logger.Debug("Nonce added to recovery list",
		zap.Uint64("nonce", value),
		zap.Int("recovery_list_size", len(a.recovery)))
	return nil
}

// Resync raises the high-water mark to the chain's pending nonce and drops
// recovered nonces the chain has already consumed. Used after a "nonce too low" rejection.
func (a *NonceAllocator) Resync(ctx context.Context) error {
	pending, err := a.source.PendingNonceAt(ctx, a.relayer)
	if err != nil {
		return fmt.Errorf("failed to read relayer pending nonce: %w", err)
	}

	if err := a.lock(ctx); err != nil {
		return err
	}
	defer a.unlock()

	if pending > a.next {
		a.logger.Warn("Relayer nonce behind chain, resyncing",
			zap.Uint64("local_next", a.next),
			zap.Uint64("chain_pending", pending))
		a.next = pending
	}

	kept := a.recovery[:0]
	for _, v := range a.recovery {
		if v >= pending {
			kept = append(kept, v)
		}
	}
	a.recovery = kept
	a.metrics.RecoveryListSize.Set(float64(len(a.recovery)))

	return nil
}

// ResolveInDoubt settles in-doubt nonces older than grace. A nonce is dropped
// when its transaction is known to the node or the mined nonce has passed it,
// and returned for reuse when the transaction is unknown and the pending nonce
// has not reached it. Anything else stays in doubt.
func (a *NonceAllocator) ResolveInDoubt(ctx context.Context, chain InDoubtChecker, grace time.Duration) (dropped, recovered int, err error) {
	if err := a.lock(ctx); err != nil {
		return 0, 0, err
	}
	cutoff := a.now().Add(-grace)
	candidates := make(map[uint64]inDoubtEntry)
	for v, entry := range a.inDoubt {
		if !entry.since.After(cutoff) {
			candidates[v] = entry
		}
	}
	a.unlock()

	if len(candidates) == 0 {
		return 0, 0, nil
	}

	mined, err := chain.NonceAt(ctx, a.relayer)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read relayer nonce: %w", err)
	}
	pending, err := chain.PendingNonceAt(ctx, a.relayer)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read relayer pending nonce: %w", err)
	}

	var consumed, unused []uint64
	for v, entry := range candidates {
		if v < mined {
			consumed = append(consumed, v)
			continue
		}
		known := false
		if entry.txHash != (common.Hash{}) {
			known, err = chain.TransactionKnown(ctx, entry.txHash)
			if err != nil {
				a.logger.Warn("Failed to look up in-doubt transaction",
					zap.Uint64("nonce", v),
					zap.String("tx_hash", entry.txHash.Hex()),
					zap.Error(err))
				continue
			}
		}
		switch {
		case known:
			consumed = append(consumed, v)
		case pending <= v:
			unused = append(unused, v)
		}
	}

	if err := a.lock(ctx); err != nil {
		return 0, 0, err
	}
	defer a.unlock()

	for _, v := range consumed {
		delete(a.inDoubt, v)
		dropped++
		a.logger.Info("In-doubt nonce consumed", zap.Uint64("nonce", v))
	}

	// highest first so each return can lower the high-water mark
	sort.Slice(unused, func(i, j int) bool { return unused[i] > unused[j] })
	for _, v := range unused {
		if err := a.returnNonce(v); err != nil {
			continue
		}
		delete(a.inDoubt, v)
		recovered++
		a.logger.Info("In-doubt nonce never broadcast, recovered", zap.Uint64("nonce", v))
	}
	a.metrics.InDoubtNonces.Set(float64(len(a.inDoubt)))

	return dropped, recovered, nil
}

// Stats returns a snapshot of the allocator state
func (a *NonceAllocator) Stats(ctx context.Context) (AllocatorStats, error) {
	if err := a.lock(ctx); err != nil {
		return AllocatorStats{}, err
	}
	defer a.unlock()

	return AllocatorStats{
		Next:     a.next,
		Recovery: append([]uint64(nil), a.recovery...),
		Reserved: len(a.reserved),
		InDoubt:  len(a.inDoubt),
	}, nil
}
