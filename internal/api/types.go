package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"gasless/relayer/internal/models"
)

// ==================== Relay ====================

// numeric accepts a JSON string or number and keeps its text form
type numeric string

func (n *numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or integer, got %s", data)
	}
	*n = numeric(num.String())
	return nil
}

// ForwardRequestPayload is the wire form of a forward request
type ForwardRequestPayload struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Value    numeric `json:"value"`
	Gas      numeric `json:"gas"`
	Nonce    numeric `json:"nonce"`
	Deadline numeric `json:"deadline"`
	Data     string  `json:"data"`
}

// RelayRequest represents request to relay a signed forward request
type RelayRequest struct {
	Request   *ForwardRequestPayload `json:"request"`
	Signature string                 `json:"signature"`
}

// RelayResponse represents response for an accepted relay
type RelayResponse struct {
	TxHash string             `json:"txHash"`
	Status models.RelayStatus `json:"status"`
}

// ==================== Nonce ====================

// NonceResponse represents response with the replay nonce to sign
type NonceResponse struct {
	Nonce *big.Int `json:"nonce"`
}

// ==================== Status ====================

// StatusResponse represents response with a relayed transaction's status
type StatusResponse struct {
	TxHash    string             `json:"txHash"`
	Status    models.RelayStatus `json:"status"`
	From      string             `json:"from"`
	To        string             `json:"to"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version,omitempty"`
	Time           float64 `json:"time"`
	ChainConnected bool    `json:"chainConnected"`
}
