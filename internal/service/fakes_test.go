package service

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gasless/relayer/internal/models"
)

// fakeChain is an in-memory ChainClient
type fakeChain struct {
	mu         sync.Mutex
	pending    uint64
	mined      uint64
	pendingErr error
	sendFn     func(tx *types.Transaction) error
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
	known      map[common.Hash]bool
}

func newFakeChain(pending uint64) *fakeChain {
	return &fakeChain{
		pending:  pending,
		mined:    pending,
		receipts: make(map[common.Hash]*types.Receipt),
		known:    make(map[common.Hash]bool),
	}
}

func (c *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.pendingErr
}

func (c *fakeChain) NonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mined, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendFn != nil {
		if err := c.sendFn(tx); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, tx)
	c.known[tx.Hash()] = true
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiptErr != nil {
		return nil, c.receiptErr
	}
	return c.receipts[txHash], nil
}

func (c *fakeChain) TransactionKnown(_ context.Context, txHash common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[txHash], nil
}

func (c *fakeChain) IsConnected(_ context.Context) bool {
	return true
}

func (c *fakeChain) setReceipt(txHash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[txHash] = &types.Receipt{Status: status, TxHash: txHash, BlockNumber: big.NewInt(100)}
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeForwarder serves replay nonces per sender
type fakeForwarder struct {
	mu     sync.Mutex
	nonces map[common.Address]*big.Int
	err    error
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{nonces: make(map[common.Address]*big.Int)}
}

func (f *fakeForwarder) GetNonce(_ context.Context, from common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if n, ok := f.nonces[from]; ok {
		return new(big.Int).Set(n), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeForwarder) set(from common.Address, nonce int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[from] = big.NewInt(nonce)
}

func (f *fakeForwarder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeStore is an in-memory RecordStore with the same update semantics as Postgres
type fakeStore struct {
	mu      sync.Mutex
	records []*models.RelayRecord
	writes  int
}

func (s *fakeStore) CreateRelayRecord(_ context.Context, record *models.RelayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = int64(len(s.records) + 1)
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	stored := *record
	s.records = append(s.records, &stored)
	return nil
}

func (s *fakeStore) GetRelayRecordByTxHash(_ context.Context, txHash string) (*models.RelayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TxHash != nil && strings.EqualFold(*r.TxHash, txHash) {
			found := *r
			return &found, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateRelayRecordStatus(_ context.Context, id int64, status models.RelayStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id && r.Status == models.RelayStatusSubmitted {
			r.Status = status
			s.writes++
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetRelayRecordsByStatus(_ context.Context, status models.RelayStatus, limit int) ([]models.RelayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RelayRecord
	for _, r := range s.records {
		if r.Status == status && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// rpcError mimics a JSON-RPC error object returned by the node
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }
