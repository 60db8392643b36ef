package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ForwarderABI is the subset of the TrustedForwarder ABI the relay uses
const ForwarderABI = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "from", "type": "address"},
					{"internalType": "address", "name": "to", "type": "address"},
					{"internalType": "uint256", "name": "value", "type": "uint256"},
					{"internalType": "uint256", "name": "gas", "type": "uint256"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "uint48", "name": "deadline", "type": "uint48"},
					{"internalType": "bytes", "name": "data", "type": "bytes"}
				],
				"internalType": "struct TrustedForwarder.ForwardRequest",
				"name": "req",
				"type": "tuple"
			},
			{"internalType": "bytes", "name": "signature", "type": "bytes"}
		],
		"name": "execute",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "from", "type": "address"}],
		"name": "getNonce",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// forwardRequestTuple mirrors the execute() tuple; field names follow the ABI components
type forwardRequestTuple struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Gas      *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Data     []byte
}

// Forwarder provides methods to interact with the TrustedForwarder contract
type Forwarder struct {
	caller  ethereum.ContractCaller
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// NewForwarder creates a new Forwarder instance
func NewForwarder(caller ethereum.ContractCaller, address common.Address, logger *zap.Logger) (*Forwarder, error) {
	parsedABI, err := abi.JSON(strings.NewReader(ForwarderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse forwarder ABI: %w", err)
	}

	return &Forwarder{
		caller:  caller,
		address: address,
		abi:     parsedABI,
		logger:  logger,
	}, nil
}

// Address returns the forwarder contract address
func (f *Forwarder) Address() common.Address {
	return f.address
}

// PackExecute ABI-encodes execute(req, signature).
// Integer widths are checked here since Pack does not bound uint48.
func (f *Forwarder) PackExecute(req ForwardRequest, signature []byte) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if len(signature) != SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrEncoding, SignatureLength, len(signature))
	}

	data, err := f.abi.Pack("execute", forwardRequestTuple{
		From:     req.From,
		To:       req.To,
		Value:    req.Value,
		Gas:      req.Gas,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
		Data:     req.Data,
	}, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to pack execute call: %v", ErrEncoding, err)
	}
	return data, nil
}

// GetNonce reads the forwarder's replay nonce for a sender
func (f *Forwarder) GetNonce(ctx context.Context, from common.Address) (*big.Int, error) {
	data, err := f.abi.Pack("getNonce", from)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce call: %w", err)
	}

	result, err := f.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &f.address,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getNonce: %w", err)
	}

	out, err := f.abi.Unpack("getNonce", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getNonce result: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected getNonce result length: %d", len(out))
	}

	nonce, ok := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce result type %T", out[0])
	}

	f.logger.Debug("Read forwarder nonce",
		zap.String("from", from.Hex()),
		zap.String("nonce", nonce.String()))

	return nonce, nil
}
