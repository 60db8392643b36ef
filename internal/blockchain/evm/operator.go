package evm

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operator holds the relayer signing key. The key never leaves this type.
type Operator struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewOperator parses a hex private key, with or without 0x prefix
func NewOperator(privateKeyHex string) (*Operator, error) {
	keyHex := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"), "0X")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		// the underlying error may quote the input
		return nil, fmt.Errorf("failed to parse relayer private key")
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &Operator{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
	}, nil
}

// Address returns the relayer address that pays for gas
func (o *Operator) Address() common.Address {
	return o.address
}

// SignTx signs a transaction with the relayer key
func (o *Operator) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	return types.SignTx(tx, signer, o.privateKey)
}
