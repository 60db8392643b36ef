package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed requests, expired deadlines and bad signatures
	ErrValidation = errors.New("validation error")
	// ErrReplay means the sender nonce was already consumed on chain
	ErrReplay = errors.New("replay nonce already used")
	// ErrAllocation means no relayer nonce could be reserved in time
	ErrAllocation = errors.New("relayer nonce allocation failed")
	// ErrSubmission is matched by every *SubmissionError
	ErrSubmission = errors.New("submission failed")
	// ErrReconciliation means the chain could not be queried for a receipt
	ErrReconciliation = errors.New("reconciliation failed")
	// ErrNotFound means no relay record exists for the transaction hash
	ErrNotFound = errors.New("relay record not found")
)

// SignatureError is a validation failure caused by a signature that does not
// recover to the request sender.
type SignatureError struct {
	Sender string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature for sender %s", e.Sender)
}

// Is matches ErrValidation
func (e *SignatureError) Is(target error) bool {
	return target == ErrValidation
}

// SubmissionError reports a failed broadcast. Transient failures may or may not
// have reached the network; permanent ones were rejected by the node.
type SubmissionError struct {
	Transient bool
	TxHash    string
	Err       error
}

func (e *SubmissionError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "transient failure"
	}
	return fmt.Sprintf("submission %s: %v", kind, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Is matches ErrSubmission
func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission
}
