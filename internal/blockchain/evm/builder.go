package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// ErrEncoding is returned when a request cannot be ABI-encoded for execute()
var ErrEncoding = errors.New("encoding error")

// FeePolicy is the fixed gas policy applied to every relayed transaction
type FeePolicy struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// NewFeePolicy converts gwei caps into a FeePolicy
func NewFeePolicy(gasLimit uint64, maxFeeGwei, priorityFeeGwei int64) FeePolicy {
	return FeePolicy{
		GasLimit:             gasLimit,
		MaxFeePerGas:         new(big.Int).Mul(big.NewInt(maxFeeGwei), big.NewInt(params.GWei)),
		MaxPriorityFeePerGas: new(big.Int).Mul(big.NewInt(priorityFeeGwei), big.NewInt(params.GWei)),
	}
}

// TxBuilder wraps a signed forward request into a signed EIP-1559 transaction
// addressed to the forwarder. It is stateless apart from its configuration.
type TxBuilder struct {
	forwarder *Forwarder
	operator  *Operator
	chainID   *big.Int
	fees      FeePolicy
	signer    types.Signer
}

// NewTxBuilder creates a builder for the given chain
func NewTxBuilder(forwarder *Forwarder, operator *Operator, chainID *big.Int, fees FeePolicy) *TxBuilder {
	return &TxBuilder{
		forwarder: forwarder,
		operator:  operator,
		chainID:   new(big.Int).Set(chainID),
		fees:      fees,
		signer:    types.LatestSignerForChainID(chainID),
	}
}

// Fees returns the builder's fee policy
func (b *TxBuilder) Fees() FeePolicy {
	return b.fees
}

// Build encodes execute(req, signature) and signs it with the relayer key at
// relayerNonce. Encoding failures wrap ErrEncoding.
func (b *TxBuilder) Build(req ForwardRequest, signature []byte, relayerNonce uint64) (*types.Transaction, error) {
	data, err := b.forwarder.PackExecute(req, signature)
	if err != nil {
		return nil, err
	}

	to := b.forwarder.Address()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     relayerNonce,
		GasTipCap: b.fees.MaxPriorityFeePerGas,
		GasFeeCap: b.fees.MaxFeePerGas,
		Gas:       b.fees.GasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := b.operator.SignTx(tx, b.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
