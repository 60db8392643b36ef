package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSender = common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")

func newTestReplay(t *testing.T, forwarder ForwarderReader) *ReplayNonceAuthority {
	t.Helper()
	r, err := NewReplayNonceAuthority(forwarder, 16, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestIssue_AdvancesPastChainNonce(t *testing.T) {
	ctx := context.Background()
	forwarder := newFakeForwarder()
	forwarder.set(testSender, 4)
	r := newTestReplay(t, forwarder)

	n, err := r.Issue(ctx, testSender)
	require.NoError(t, err)
	require.Equal(t, int64(4), n.Int64())

	n, err = r.Issue(ctx, testSender)
	require.NoError(t, err)
	require.Equal(t, int64(5), n.Int64())

	// chain overtakes the cache
	forwarder.set(testSender, 9)
	n, err = r.Issue(ctx, testSender)
	require.NoError(t, err)
	require.Equal(t, int64(9), n.Int64())
}

func TestIssue_FallsBackToCache(t *testing.T) {
	ctx := context.Background()
	forwarder := newFakeForwarder()
	forwarder.set(testSender, 2)
	r := newTestReplay(t, forwarder)

	_, err := r.Issue(ctx, testSender)
	require.NoError(t, err)

	forwarder.setErr(errors.New("rpc unavailable"))
	n, err := r.Issue(ctx, testSender)
	require.NoError(t, err)
	require.Equal(t, int64(3), n.Int64())

	_, err = r.Issue(ctx, common.HexToAddress("0x01"))
	require.Error(t, err)
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	forwarder := newFakeForwarder()
	forwarder.set(testSender, 5)
	r := newTestReplay(t, forwarder)

	require.False(t, r.Accept(ctx, testSender, big.NewInt(4)), "consumed nonce must be rejected")
	require.True(t, r.Accept(ctx, testSender, big.NewInt(5)))
	require.True(t, r.Accept(ctx, testSender, big.NewInt(7)), "future nonces are left to the contract")

	// accepted nonces advance the issued counter
	n, err := r.Issue(ctx, testSender)
	require.NoError(t, err)
	require.Equal(t, int64(8), n.Int64())
}

func TestAccept_ChainUnavailable(t *testing.T) {
	forwarder := newFakeForwarder()
	forwarder.setErr(errors.New("rpc unavailable"))
	r := newTestReplay(t, forwarder)

	require.True(t, r.Accept(context.Background(), testSender, big.NewInt(0)))
}

func TestNewReplayNonceAuthority_InvalidSize(t *testing.T) {
	_, err := NewReplayNonceAuthority(newFakeForwarder(), 0, zap.NewNop())
	require.Error(t, err)
}
