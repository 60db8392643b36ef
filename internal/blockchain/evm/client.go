package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"gasless/relayer/internal/config"
)

// Client wraps Ethereum client functionality for the chain the relay submits to
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	logger      *zap.Logger
}

// NewClient connects to the configured RPC endpoint and checks that the node
// serves the configured chain.
func NewClient(ctx context.Context, chainCfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.DialContext(ctx, chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	remoteID, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if remoteID.Cmp(big.NewInt(chainCfg.ChainID)) != 0 {
		ethClient.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, node reports %s", chainCfg.ChainID, remoteID)
	}

	logger.Info("EVM client initialized",
		zap.Int64("chain_id", chainCfg.ChainID),
		zap.String("forwarder", chainCfg.ForwarderAddress))

	return &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainID returns the configured chain ID
func (c *Client) ChainID() *big.Int {
	return big.NewInt(c.chainConfig.ChainID)
}

// IsConnected reports whether the node answers a block number query
func (c *Client) IsConnected(ctx context.Context) bool {
	if _, err := c.ethClient.BlockNumber(ctx); err != nil {
		c.logger.Warn("RPC health check failed", zap.Error(err))
		return false
	}
	return true
}

// BalanceAt returns the native balance of an address
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, address, nil)
}

// PendingNonceAt returns the account nonce including pending transactions
func (c *Client) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	return c.ethClient.PendingNonceAt(ctx, address)
}

// NonceAt returns the account nonce at the latest block
func (c *Client) NonceAt(ctx context.Context, address common.Address) (uint64, error) {
	return c.ethClient.NonceAt(ctx, address, nil)
}

// CallContract executes a read-only call
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// SendTransaction sends a signed transaction
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.ethClient.SendTransaction(ctx, tx)
}

// TransactionReceipt returns the receipt of a mined transaction.
// Returns nil, nil while the transaction is not yet mined or unknown.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// TransactionKnown reports whether the node knows the transaction, mined or pending
func (c *Client) TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error) {
	_, _, err := c.ethClient.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
