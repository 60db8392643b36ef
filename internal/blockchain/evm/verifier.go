package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

const (
	// DomainName and DomainVersion must match the deployed TrustedForwarder
	DomainName    = "TrustedForwarder"
	DomainVersion = "1"

	// SignatureLength is r || s || v
	SignatureLength = 65

	forwardRequestType = "ForwardRequest"
)

var forwardRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	forwardRequestType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "gas", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint48"},
		{Name: "data", Type: "bytes"},
	},
}

// SignatureVerifier checks EIP-712 ForwardRequest signatures against a fixed
// domain. It holds no mutable state and is safe for concurrent use.
type SignatureVerifier struct {
	domain apitypes.TypedDataDomain
	logger *zap.Logger
}

// NewSignatureVerifier binds the verifier to a chain and forwarder contract
func NewSignatureVerifier(chainID *big.Int, forwarder common.Address, logger *zap.Logger) *SignatureVerifier {
	return &SignatureVerifier{
		domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: forwarder.Hex(),
		},
		logger: logger,
	}
}

// TypedData returns the EIP-712 payload a wallet signs for req
func (v *SignatureVerifier) TypedData(req ForwardRequest) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       forwardRequestTypes,
		PrimaryType: forwardRequestType,
		Domain:      v.domain,
		Message: apitypes.TypedDataMessage{
			"from":     req.From.Hex(),
			"to":       req.To.Hex(),
			"value":    bigString(req.Value),
			"gas":      bigString(req.Gas),
			"nonce":    bigString(req.Nonce),
			"deadline": bigString(req.Deadline),
			"data":     hexutil.Encode(req.Data),
		},
	}
}

// Digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(req))
func (v *SignatureVerifier) Digest(req ForwardRequest) (common.Hash, error) {
	if err := req.Validate(); err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(v.TypedData(req))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Recover returns the address that produced signature over req
func (v *SignatureVerifier) Recover(req ForwardRequest, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(signature))
	}

	digest, err := v.Digest(req)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	// homestead rules reject high-s, matching the on-chain ECDSA check
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("invalid signature values")
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether signature was produced by req.From over req.
// Malformed input yields false, never an error.
func (v *SignatureVerifier) Verify(req ForwardRequest, signature []byte) bool {
	signer, err := v.Recover(req, signature)
	if err != nil {
		v.logger.Debug("Signature rejected",
			zap.String("from", req.From.Hex()),
			zap.Error(err))
		return false
	}
	return signer == req.From
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
