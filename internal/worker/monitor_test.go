package worker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gasless/relayer/internal/config"
	"gasless/relayer/internal/metrics"
	"gasless/relayer/internal/models"
	"gasless/relayer/internal/service"
)

var testRelayer = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type stubChain struct {
	mu       sync.Mutex
	pending  uint64
	mined    uint64
	receipts map[common.Hash]*types.Receipt
	failing  map[common.Hash]bool
	known    map[common.Hash]bool
}

func newStubChain(pending, mined uint64) *stubChain {
	return &stubChain{
		pending:  pending,
		mined:    mined,
		receipts: make(map[common.Hash]*types.Receipt),
		failing:  make(map[common.Hash]bool),
		known:    make(map[common.Hash]bool),
	}
}

func (c *stubChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *stubChain) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mined, nil
}

func (c *stubChain) TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[txHash], nil
}

func (c *stubChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing[txHash] {
		return nil, errors.New("rpc unavailable")
	}
	return c.receipts[txHash], nil
}

type stubStore struct {
	mu      sync.Mutex
	records []models.RelayRecord
	listErr error
}

func (s *stubStore) GetRelayRecordsByStatus(ctx context.Context, status models.RelayStatus, limit int) ([]models.RelayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.RelayRecord
	for _, r := range s.records {
		if r.Status == status && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubStore) UpdateRelayRecordStatus(ctx context.Context, id int64, status models.RelayStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id && s.records[i].Status == models.RelayStatusSubmitted {
			s.records[i].Status = status
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) status(id int64) models.RelayStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r.Status
		}
	}
	return ""
}

func submittedRecord(id int64, txHash common.Hash) models.RelayRecord {
	hash := txHash.Hex()
	return models.RelayRecord{
		ID:        id,
		RequestID: txHash.Hex()[2:10],
		TxHash:    &hash,
		Status:    models.RelayStatusSubmitted,
		CreatedAt: time.Now(),
	}
}

func newTestManager(t *testing.T, chain *stubChain, store *stubStore) (*WorkerManager, *service.NonceAllocator) {
	t.Helper()

	logger := zap.NewNop()
	m := metrics.NewNop()
	allocator := service.NewNonceAllocator(testRelayer, chain, time.Second, 16, m, logger)
	reconciler := service.NewStatusReconciler(chain, store, m, logger)

	cfg := config.RelayConfig{
		ReconcileInterval: time.Hour,
		ReconcileWorkers:  2,
		InDoubtGrace:      0,
	}
	return NewWorkerManager(cfg, store, reconciler, allocator, chain, logger), allocator
}

func TestPoll_ReconcilesSubmittedRecords(t *testing.T) {
	mined := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	unmined := common.HexToHash("0x03")
	broken := common.HexToHash("0x04")

	chain := newStubChain(0, 0)
	chain.receipts[mined] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
	chain.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(11)}
	chain.failing[broken] = true

	store := &stubStore{records: []models.RelayRecord{
		submittedRecord(1, mined),
		submittedRecord(2, reverted),
		submittedRecord(3, unmined),
		submittedRecord(4, broken),
	}}

	wm, _ := newTestManager(t, chain, store)
	wm.monitor.poll(context.Background())

	require.Equal(t, models.RelayStatusSuccess, store.status(1))
	require.Equal(t, models.RelayStatusFailed, store.status(2))
	require.Equal(t, models.RelayStatusSubmitted, store.status(3))
	require.Equal(t, models.RelayStatusSubmitted, store.status(4))

	// a second cycle leaves terminal records alone
	wm.monitor.poll(context.Background())
	require.Equal(t, models.RelayStatusSuccess, store.status(1))
	require.Equal(t, models.RelayStatusFailed, store.status(2))
}

func TestPoll_StoreErrorStillResolvesInDoubt(t *testing.T) {
	chain := newStubChain(5, 5)
	store := &stubStore{listErr: errors.New("db down")}

	wm, allocator := newTestManager(t, chain, store)
	ctx := context.Background()

	n, err := allocator.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n.Value)
	require.NoError(t, allocator.ReleaseInDoubt(n, common.HexToHash("0xdead")))

	wm.monitor.poll(ctx)

	stats, err := allocator.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.InDoubt)
	require.Equal(t, uint64(5), stats.Next)
}

func TestPoll_KnownInDoubtTransactionIsConsumed(t *testing.T) {
	txHash := common.HexToHash("0xbeef")
	chain := newStubChain(7, 7)
	chain.known[txHash] = true

	wm, allocator := newTestManager(t, chain, &stubStore{})
	ctx := context.Background()

	n, err := allocator.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, allocator.ReleaseInDoubt(n, txHash))

	wm.monitor.poll(ctx)

	stats, err := allocator.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.InDoubt)
	require.Equal(t, uint64(8), stats.Next)
	require.Empty(t, stats.Recovery)
}

func TestWorkerManager_StartShutdown(t *testing.T) {
	wm, _ := newTestManager(t, newStubChain(0, 0), &stubStore{})

	wm.Start()
	require.NoError(t, wm.Shutdown(time.Second))

	select {
	case <-wm.ctx.Done():
	default:
		t.Fatal("worker context not cancelled")
	}
}
