package models

import "time"

// RelayStatus represents the state of a relayed transaction
type RelayStatus string

const (
	RelayStatusSubmitted RelayStatus = "submitted"
	RelayStatusSuccess   RelayStatus = "success"
	RelayStatusFailed    RelayStatus = "failed"
)

// IsTerminal reports whether the status can no longer change
func (s RelayStatus) IsTerminal() bool {
	return s == RelayStatusSuccess || s == RelayStatusFailed
}

// RelayRecord represents a forward request that reached the network
type RelayRecord struct {
	ID          int64       `db:"id"`
	RequestID   string      `db:"request_id"`
	Sender      string      `db:"sender_address"`
	Target      string      `db:"target_address"`
	CallData    []byte      `db:"call_data"`
	ReplayNonce string      `db:"replay_nonce"` // uint256 as decimal string
	TxHash      *string     `db:"tx_hash"`
	Status      RelayStatus `db:"status"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}
