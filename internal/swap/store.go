package swap

import "time"

// SweepAttempt is one refund broadcast attempt. Attempts are append-only:
// a failed swap keeps its full history for operator recovery.
type SweepAttempt struct {
	SwapID     string    `json:"swap_id"`
	Role       Role      `json:"role"`
	Attempt    uint32    `json:"attempt"`
	FeePaid    uint64    `json:"fee_paid"`
	Txid       string    `json:"txid"`
	Outcome    string    `json:"outcome"`
	ObservedAt time.Time `json:"observed_at"`
}

// Sweep attempt outcomes.
const (
	SweepOutcomeBroadcast = "broadcast"
	SweepOutcomeConfirmed = "confirmed"
	SweepOutcomeRejected  = "rejected"
	SweepOutcomeAborted   = "aborted"
)

// Store is the persistence boundary of the engine. The sqlite
// implementation lives in internal/storage; tests use an in-memory fake.
type Store interface {
	// SaveSwap inserts or updates a record.
	SaveSwap(record *Record) error

	// GetSwap returns a record by id, or ErrSwapNotFound.
	GetSwap(id string) (*Record, error)

	// GetActiveSwaps returns all records in non-terminal states, oldest
	// first. Used for restart recovery.
	GetActiveSwaps() ([]*Record, error)

	// SecretHashUsed reports whether any record already uses hash.
	SecretHashUsed(hash []byte) (bool, error)

	// AppendSweepAttempt records one sweep attempt.
	AppendSweepAttempt(attempt *SweepAttempt) error

	// SweepAttempts returns the attempts for one leg, oldest first.
	SweepAttempts(swapID string, role Role) ([]*SweepAttempt, error)
}
