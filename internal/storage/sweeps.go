// Sweep attempt persistence. The table is append-only: rows are never
// updated or deleted, so a failed swap keeps its complete broadcast
// history.
package storage

import (
	"time"

	"github.com/tidelock-exchange/tidelock/internal/swap"
)

// AppendSweepAttempt records one refund broadcast attempt.
func (s *Storage) AppendSweepAttempt(attempt *swap.SweepAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.ObservedAt.IsZero() {
		attempt.ObservedAt = time.Now()
	}

	query := `
		INSERT INTO sweep_attempts (
			swap_id, role, attempt, fee_paid, txid, outcome, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		attempt.SwapID,
		string(attempt.Role),
		attempt.Attempt,
		attempt.FeePaid,
		attempt.Txid,
		attempt.Outcome,
		attempt.ObservedAt.Unix(),
	)
	return err
}

// SweepAttempts returns the attempts for one leg, oldest first.
func (s *Storage) SweepAttempts(swapID string, role swap.Role) ([]*swap.SweepAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT swap_id, role, attempt, fee_paid, txid, outcome, observed_at
		FROM sweep_attempts
		WHERE swap_id = ? AND role = ?
		ORDER BY id ASC
	`

	rows, err := s.db.Query(query, swapID, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*swap.SweepAttempt
	for rows.Next() {
		var (
			attempt    swap.SweepAttempt
			role       string
			observedAt int64
		)
		if err := rows.Scan(
			&attempt.SwapID, &role, &attempt.Attempt,
			&attempt.FeePaid, &attempt.Txid, &attempt.Outcome, &observedAt,
		); err != nil {
			return nil, err
		}
		attempt.Role = swap.Role(role)
		attempt.ObservedAt = time.Unix(observedAt, 0)
		attempts = append(attempts, &attempt)
	}
	return attempts, rows.Err()
}
