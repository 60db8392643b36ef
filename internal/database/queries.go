package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gasless/relayer/internal/models"
)

const relayRecordColumns = `
	id, request_id, sender_address, target_address, call_data, replay_nonce,
	tx_hash, status, created_at, updated_at
`

// ==================== Relay Record Queries ====================

// CreateRelayRecord inserts a new relay record and fills in its generated fields
func (db *DB) CreateRelayRecord(ctx context.Context, record *models.RelayRecord) error {
	query := `
		INSERT INTO relay_records (
			request_id, sender_address, target_address, call_data, replay_nonce,
			tx_hash, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	return db.QueryRowContext(
		ctx, query,
		record.RequestID,
		record.Sender,
		record.Target,
		record.CallData,
		record.ReplayNonce,
		record.TxHash,
		record.Status,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
}

// GetRelayRecordByTxHash retrieves a relay record by its transaction hash.
// Returns nil, nil when no record exists.
func (db *DB) GetRelayRecordByTxHash(ctx context.Context, txHash string) (*models.RelayRecord, error) {
	var record models.RelayRecord
	query := `SELECT ` + relayRecordColumns + ` FROM relay_records WHERE lower(tx_hash) = lower($1)`
	err := db.GetContext(ctx, &record, query, txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetRelayRecordByRequestID retrieves a relay record by its request identifier
func (db *DB) GetRelayRecordByRequestID(ctx context.Context, requestID string) (*models.RelayRecord, error) {
	var record models.RelayRecord
	query := `SELECT ` + relayRecordColumns + ` FROM relay_records WHERE request_id = $1`
	err := db.GetContext(ctx, &record, query, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetRelayRecordsByStatus retrieves relay records with a given status, oldest first
func (db *DB) GetRelayRecordsByStatus(ctx context.Context, status models.RelayStatus, limit int) ([]models.RelayRecord, error) {
	var records []models.RelayRecord
	query := `SELECT ` + relayRecordColumns + `
		FROM relay_records
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &records, query, status, limit)
	return records, err
}

// GetRelayRecordsBySender retrieves relay records submitted for a sender, newest first
func (db *DB) GetRelayRecordsBySender(ctx context.Context, sender string, limit, offset int) ([]models.RelayRecord, error) {
	var records []models.RelayRecord
	query := `SELECT ` + relayRecordColumns + `
		FROM relay_records
		WHERE lower(sender_address) = lower($1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	err := db.SelectContext(ctx, &records, query, sender, limit, offset)
	return records, err
}

// UpdateRelayRecordStatus moves a submitted record to a new status.
// Terminal records are left untouched; the returned bool reports whether a row changed.
func (db *DB) UpdateRelayRecordStatus(ctx context.Context, id int64, status models.RelayStatus) (bool, error) {
	query := `
		UPDATE relay_records
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	result, err := db.ExecContext(ctx, query, status, id, models.RelayStatusSubmitted)
	if err != nil {
		return false, fmt.Errorf("failed to update relay record %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}
