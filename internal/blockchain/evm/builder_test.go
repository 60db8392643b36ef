package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOperatorKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeCaller struct {
	result []byte
	err    error
	msgs   []ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.msgs = append(f.msgs, msg)
	return f.result, f.err
}

func newTestBuilder(t *testing.T) (*TxBuilder, *Operator) {
	t.Helper()
	operator, err := NewOperator(testOperatorKey)
	require.NoError(t, err)
	forwarder, err := NewForwarder(&fakeCaller{}, testForwarder, zap.NewNop())
	require.NoError(t, err)
	return NewTxBuilder(forwarder, operator, testChainID, NewFeePolicy(500000, 50, 2)), operator
}

func TestBuild_ProducesSignedExecuteCall(t *testing.T) {
	builder, operator := newTestBuilder(t)
	key := newTestKey(t)
	verifier := NewSignatureVerifier(testChainID, testForwarder, zap.NewNop())
	req := newTestRequest(crypto.PubkeyToAddress(key.PublicKey))
	sig := signRequest(t, verifier, key, req)

	tx, err := builder.Build(req, sig, 42)
	require.NoError(t, err)

	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, testForwarder, *tx.To())
	require.Equal(t, uint64(42), tx.Nonce())
	require.Equal(t, uint64(500000), tx.Gas())
	require.Equal(t, 0, tx.Value().Sign())
	require.Zero(t, big.NewInt(50_000_000_000).Cmp(tx.GasFeeCap()))
	require.Zero(t, big.NewInt(2_000_000_000).Cmp(tx.GasTipCap()))
	require.Zero(t, testChainID.Cmp(tx.ChainId()))

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	require.Equal(t, operator.Address(), sender)

	method, err := builder.forwarder.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "execute", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	require.Equal(t, sig, args[1].([]byte))
}

func TestBuild_EncodingErrors(t *testing.T) {
	builder, _ := newTestBuilder(t)
	req := newTestRequest(common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"))
	sig := make([]byte, SignatureLength)

	tests := []struct {
		name   string
		mutate func(r *ForwardRequest)
		sig    []byte
	}{
		{name: "deadline exceeds 48 bits", mutate: func(r *ForwardRequest) { r.Deadline = new(big.Int).Lsh(big.NewInt(1), 48) }, sig: sig},
		{name: "value exceeds 256 bits", mutate: func(r *ForwardRequest) { r.Value = new(big.Int).Lsh(big.NewInt(1), 256) }, sig: sig},
		{name: "negative gas", mutate: func(r *ForwardRequest) { r.Gas = big.NewInt(-1) }, sig: sig},
		{name: "missing nonce", mutate: func(r *ForwardRequest) { r.Nonce = nil }, sig: sig},
		{name: "short signature", mutate: func(r *ForwardRequest) {}, sig: sig[:64]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := req
			tt.mutate(&bad)
			_, err := builder.Build(bad, tt.sig, 0)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrEncoding), "expected ErrEncoding, got %v", err)
		})
	}
}

func TestBuild_MaxDeadlineAccepted(t *testing.T) {
	builder, _ := newTestBuilder(t)
	req := newTestRequest(common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"))
	req.Deadline = new(big.Int).Set(MaxDeadline)

	_, err := builder.Build(req, make([]byte, SignatureLength), 0)
	require.NoError(t, err)
}

func TestForwarderGetNonce(t *testing.T) {
	caller := &fakeCaller{result: common.LeftPadBytes(big.NewInt(7).Bytes(), 32)}
	forwarder, err := NewForwarder(caller, testForwarder, zap.NewNop())
	require.NoError(t, err)

	from := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	nonce, err := forwarder.GetNonce(context.Background(), from)
	require.NoError(t, err)
	require.Equal(t, int64(7), nonce.Int64())

	require.Len(t, caller.msgs, 1)
	require.Equal(t, testForwarder, *caller.msgs[0].To)
	require.Equal(t, forwarder.abi.Methods["getNonce"].ID, caller.msgs[0].Data[:4])
}

func TestForwarderGetNonce_CallError(t *testing.T) {
	forwarder, err := NewForwarder(&fakeCaller{err: errors.New("connection refused")}, testForwarder, zap.NewNop())
	require.NoError(t, err)

	_, err = forwarder.GetNonce(context.Background(), common.HexToAddress("0x01"))
	require.ErrorContains(t, err, "connection refused")
}

func TestNewOperator(t *testing.T) {
	withPrefix, err := NewOperator(testOperatorKey)
	require.NoError(t, err)
	withoutPrefix, err := NewOperator(testOperatorKey[2:])
	require.NoError(t, err)
	require.Equal(t, withPrefix.Address(), withoutPrefix.Address())

	_, err = NewOperator("0x1234")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "1234")
}
