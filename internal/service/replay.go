package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// ForwarderReader reads replay nonces from the forwarder contract
type ForwarderReader interface {
	GetNonce(ctx context.Context, from common.Address) (*big.Int, error)
}

// ReplayNonceAuthority issues and screens sender replay nonces. The forwarder
// contract is the source of truth; the cache only tracks nonces handed out
// ahead of the chain and is advisory.
type ReplayNonceAuthority struct {
	forwarder ForwarderReader
	cache     *lru.Cache // common.Address -> *big.Int, next nonce to issue
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewReplayNonceAuthority creates an authority with a bounded sender cache
func NewReplayNonceAuthority(forwarder ForwarderReader, cacheSize int, logger *zap.Logger) (*ReplayNonceAuthority, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay nonce cache: %w", err)
	}
	return &ReplayNonceAuthority{
		forwarder: forwarder,
		cache:     cache,
		logger:    logger.Named("replay-authority"),
	}, nil
}

// Issue returns the nonce a sender should sign next: the larger of the
// forwarder's nonce and the cached counter. When the chain read fails a cached
// value is served instead.
func (r *ReplayNonceAuthority) Issue(ctx context.Context, sender common.Address) (*big.Int, error) {
	chainNonce, chainErr := r.forwarder.GetNonce(ctx, sender)

	r.mu.Lock()
	defer r.mu.Unlock()

	cached := r.cached(sender)

	var nonce *big.Int
	switch {
	case chainErr != nil && cached == nil:
		return nil, fmt.Errorf("failed to read replay nonce for %s: %w", sender.Hex(), chainErr)
	case chainErr != nil:
		r.logger.Warn("Forwarder nonce unavailable, serving cached value",
			zap.String("sender", sender.Hex()),
			zap.String("nonce", cached.String()),
			zap.Error(chainErr))
		nonce = cached
	case cached != nil && cached.Cmp(chainNonce) > 0:
		nonce = cached
	default:
		nonce = chainNonce
	}

	r.cache.Add(sender, new(big.Int).Add(nonce, big.NewInt(1)))
	return new(big.Int).Set(nonce), nil
}

// Accept reports whether a sender nonce may still be valid. It rejects only
// nonces below the forwarder's current nonce; if the chain cannot be read the
// request passes and the contract decides.
func (r *ReplayNonceAuthority) Accept(ctx context.Context, sender common.Address, nonce *big.Int) bool {
	chainNonce, err := r.forwarder.GetNonce(ctx, sender)
	if err != nil {
		r.logger.Warn("Forwarder nonce unavailable, deferring replay check to chain",
			zap.String("sender", sender.Hex()),
			zap.Error(err))
		return true
	}

	if nonce.Cmp(chainNonce) < 0 {
		r.logger.Info("Replay nonce already consumed",
			zap.String("sender", sender.Hex()),
			zap.String("nonce", nonce.String()),
			zap.String("chain_nonce", chainNonce.String()))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	following := new(big.Int).Add(nonce, big.NewInt(1))
	if cached := r.cached(sender); cached == nil || cached.Cmp(following) < 0 {
		r.cache.Add(sender, following)
	}
	return true
}

// cached must be called with r.mu held
func (r *ReplayNonceAuthority) cached(sender common.Address) *big.Int {
	v, ok := r.cache.Get(sender)
	if !ok {
		return nil
	}
	return v.(*big.Int)
}
