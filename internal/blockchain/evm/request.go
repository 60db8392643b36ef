package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MaxDeadline is the largest deadline representable as uint48
var MaxDeadline = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))

// ForwardRequest is the user-signed request executed by the TrustedForwarder.
// Field order matches the EIP-712 type and the execute() tuple.
type ForwardRequest struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Gas      *big.Int
	Nonce    *big.Int
	Deadline *big.Int // uint48 on chain
	Data     []byte
}

// ParseForwardRequest builds a ForwardRequest from its wire form: hex addresses,
// decimal (or 0x-prefixed hex) integers and 0x-prefixed call data.
func ParseForwardRequest(from, to, value, gas, nonce, deadline, data string) (ForwardRequest, error) {
	var req ForwardRequest
	var err error

	if req.From, err = parseAddress("from", from); err != nil {
		return ForwardRequest{}, err
	}
	if req.To, err = parseAddress("to", to); err != nil {
		return ForwardRequest{}, err
	}
	if req.Value, err = parseUint("value", value); err != nil {
		return ForwardRequest{}, err
	}
	if req.Gas, err = parseUint("gas", gas); err != nil {
		return ForwardRequest{}, err
	}
	if req.Nonce, err = parseUint("nonce", nonce); err != nil {
		return ForwardRequest{}, err
	}
	if req.Deadline, err = parseUint("deadline", deadline); err != nil {
		return ForwardRequest{}, err
	}

	data = strings.TrimSpace(data)
	if data == "" {
		data = "0x"
	}
	if req.Data, err = hexutil.Decode(data); err != nil {
		return ForwardRequest{}, fmt.Errorf("invalid data: %w", err)
	}

	return req, nil
}

// Validate checks the numeric invariants of the request: every integer present,
// non-negative, within 256 bits, and the deadline within 48 bits.
func (r ForwardRequest) Validate() error {
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"value", r.Value},
		{"gas", r.Gas},
		{"nonce", r.Nonce},
		{"deadline", r.Deadline},
	}
	for _, f := range fields {
		if f.v == nil {
			return fmt.Errorf("%s is required", f.name)
		}
		if f.v.Sign() < 0 {
			return fmt.Errorf("%s must be non-negative", f.name)
		}
		if f.v.BitLen() > 256 {
			return fmt.Errorf("%s exceeds 256 bits", f.name)
		}
	}
	if r.Deadline.Cmp(MaxDeadline) > 0 {
		return fmt.Errorf("deadline exceeds 48 bits")
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseUint(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	var (
		v  *big.Int
		ok bool
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok = new(big.Int).SetString(s[2:], 16)
	} else {
		v, ok = new(big.Int).SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q is not an integer", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: must be non-negative", field)
	}
	return v, nil
}
