package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gasless/relayer/internal/metrics"
)

func TestClassifySubmitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want submitClass
	}{
		{name: "nil", err: nil, want: submitAccepted},
		{name: "already known", err: &rpcError{code: -32000, msg: "already known"}, want: submitAccepted},
		{name: "known transaction", err: errors.New("known transaction: 0xabc"), want: submitAccepted},
		{name: "nonce too low", err: &rpcError{code: -32000, msg: "nonce too low: next nonce 5, tx nonce 3"}, want: submitRejected},
		{name: "insufficient funds", err: errors.New("insufficient funds for gas * price + value"), want: submitRejected},
		{name: "underpriced", err: errors.New("replacement transaction underpriced"), want: submitRejected},
		{name: "unknown rpc error", err: &rpcError{code: -32602, msg: "invalid argument 0"}, want: submitRejected},
		{name: "http 400", err: rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}, want: submitRejected},
		{name: "http 502", err: rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}, want: submitTransient},
		{name: "deadline exceeded", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: submitTransient},
		{name: "canceled", err: context.Canceled, want: submitTransient},
		{name: "eof", err: io.ErrUnexpectedEOF, want: submitTransient},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: submitTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, classifySubmitError(tt.err))
		})
	}
}

func newSubmitFixture(t *testing.T, pending uint64) (*fakeChain, *NonceAllocator, *Submitter) {
	t.Helper()
	chain := newFakeChain(pending)
	allocator := newTestAllocator(chain, 8)
	return chain, allocator, NewSubmitter(chain, allocator, metrics.NewNop(), zap.NewNop())
}

func testTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0xA7ab9c7f337574C8560f715085a53c62b275EfBf")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
}

func TestSubmit_Accepted(t *testing.T) {
	ctx := context.Background()
	chain, allocator, submitter := newSubmitFixture(t, 3)
	nonce, err := allocator.Reserve(ctx)
	require.NoError(t, err)

	tx := testTx(nonce.Value)
	hash, err := submitter.Submit(ctx, tx, nonce)
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), hash)
	require.Equal(t, 1, chain.sentCount())

	stats, err := allocator.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Reserved)
	require.Equal(t, uint64(4), stats.Next)
}

func TestSubmit_RejectedReturnsNonce(t *testing.T) {
	ctx := context.Background()
	chain, allocator, submitter := newSubmitFixture(t, 3)
	chain.sendFn = func(*types.Transaction) error {
		return &rpcError{code: -32000, msg: "insufficient funds for gas * price + value"}
	}

	nonce, err := allocator.Reserve(ctx)
	require.NoError(t, err)

	_, err = submitter.Submit(ctx, testTx(nonce.Value), nonce)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSubmission))

	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	require.False(t, subErr.Transient)

	again, err := allocator.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, nonce.Value, again.Value)
}

func TestSubmit_NonceTooLowResyncs(t *testing.T) {
	ctx := context.Background()
	chain, allocator, submitter := newSubmitFixture(t, 3)
	chain.sendFn = func(*types.Transaction) error {
		return &rpcError{code: -32000, msg: "nonce too low"}
	}

	nonce, err := allocator.Reserve(ctx)
	require.NoError(t, err)

	// another process used the relayer account
	chain.pending = 10
	_, err = submitter.Submit(ctx, testTx(nonce.Value), nonce)
	require.True(t, errors.Is(err, ErrSubmission))

	next, err := allocator.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), next.Value)
}

func TestSubmit_TransientMarksInDoubt(t *testing.T) {
	ctx := context.Background()
	chain, allocator, submitter := newSubmitFixture(t, 0)
	chain.sendFn = func(*types.Transaction) error { return io.ErrUnexpectedEOF }

	nonce, err := allocator.Reserve(ctx)
	require.NoError(t, err)

	_, err = submitter.Submit(ctx, testTx(nonce.Value), nonce)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	require.True(t, subErr.Transient)

	stats, err := allocator.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.InDoubt)
	require.Zero(t, stats.Reserved)

	// an in-doubt nonce is not handed out again
	next, err := allocator.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.Value)
}
