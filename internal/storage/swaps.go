// Swap record persistence. Legs and fee snapshots are stored as JSON
// blobs; the columns queried by the engine (state, secret hash, timing)
// are first-class so indexes work.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/swap"
	"github.com/tidelock-exchange/tidelock/pkg/helpers"
)

// SaveSwap saves or updates a swap record. Uses the UPSERT pattern:
// creates if not exists, updates if exists. The secret hash column never
// changes after insert; the unique index enforces hash uniqueness across
// all records.
func (s *Storage) SaveSwap(record *swap.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	initiatorJSON, err := json.Marshal(&record.Initiator)
	if err != nil {
		return fmt.Errorf("failed to marshal initiator leg: %w", err)
	}
	counterpartyJSON, err := json.Marshal(&record.Counterparty)
	if err != nil {
		return fmt.Errorf("failed to marshal counterparty leg: %w", err)
	}
	feesJSON, err := json.Marshal(record.FeePolicies)
	if err != nil {
		return fmt.Errorf("failed to marshal fee policies: %w", err)
	}

	query := `
		INSERT INTO swap_records (
			swap_id, secret_hash, state,
			initiator_leg, counterparty_leg, fee_policies,
			failure_reason, created_at, updated_at, transition_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id) DO UPDATE SET
			state = excluded.state,
			initiator_leg = excluded.initiator_leg,
			counterparty_leg = excluded.counterparty_leg,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			transition_at = excluded.transition_at
	`

	_, err = s.db.Exec(query,
		record.ID,
		helpers.BytesToHex(record.SecretHash),
		string(record.State),
		string(initiatorJSON),
		string(counterpartyJSON),
		string(feesJSON),
		record.FailureReason,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
		record.TransitionAt.Unix(),
	)
	return err
}

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(id string) (*swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(swapSelect+" WHERE swap_id = ?", id)
	record, err := scanSwapRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, swap.ErrSwapNotFound
	}
	return record, err
}

// GetActiveSwaps returns all swaps that are not in a terminal state,
// oldest first. These are the swaps recovered on startup.
func (s *Storage) GetActiveSwaps() ([]*swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := swapSelect + `
		WHERE state NOT IN ('claimed', 'refunded', 'failed', 'cancelled')
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*swap.Record
	for rows.Next() {
		record, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SecretHashUsed reports whether any record already binds hash.
func (s *Storage) SecretHashUsed(hash []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM swap_records WHERE secret_hash = ?",
		helpers.BytesToHex(hash),
	).Scan(&count)
	return count > 0, err
}

const swapSelect = `
	SELECT swap_id, secret_hash, state,
		initiator_leg, counterparty_leg, fee_policies,
		failure_reason, created_at, updated_at, transition_at
	FROM swap_records
`

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row scanner) (*swap.Record, error) {
	var (
		record           swap.Record
		secretHashHex    string
		state            string
		initiatorJSON    string
		counterpartyJSON string
		feesJSON         string
		failureReason    sql.NullString
		createdAt        int64
		updatedAt        int64
		transitionAt     int64
	)

	err := row.Scan(
		&record.ID, &secretHashHex, &state,
		&initiatorJSON, &counterpartyJSON, &feesJSON,
		&failureReason, &createdAt, &updatedAt, &transitionAt,
	)
	if err != nil {
		return nil, err
	}

	record.SecretHash, err = helpers.HexToBytes(secretHashHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt secret hash for swap %s: %w", record.ID, err)
	}
	record.State = swap.State(state)

	if err := json.Unmarshal([]byte(initiatorJSON), &record.Initiator); err != nil {
		return nil, fmt.Errorf("corrupt initiator leg for swap %s: %w", record.ID, err)
	}
	if err := json.Unmarshal([]byte(counterpartyJSON), &record.Counterparty); err != nil {
		return nil, fmt.Errorf("corrupt counterparty leg for swap %s: %w", record.ID, err)
	}
	record.FeePolicies = map[string]config.FeePolicy{}
	if err := json.Unmarshal([]byte(feesJSON), &record.FeePolicies); err != nil {
		return nil, fmt.Errorf("corrupt fee policies for swap %s: %w", record.ID, err)
	}

	record.FailureReason = failureReason.String
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)
	record.TransitionAt = time.Unix(transitionAt, 0)

	return &record, nil
}
