// Orchestrator: owns every active swap and drives both legs through the
// lifecycle. All record mutation goes through Update, which holds the
// record's single-writer lock and persists before returning.
package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/verify"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

// Signer builds and signs settlement transactions for a leg. Key
// material never enters this package.
type Signer interface {
	// SignClaim builds a signed claim spending the leg's lock with the
	// secret, paying fee from the swept value.
	SignClaim(ctx context.Context, leg *Leg, secret []byte, fee uint64) (rawTx []byte, txid string, err error)

	// SignRefund builds a signed refund spending the leg's lock after
	// its timelock.
	SignRefund(ctx context.Context, leg *Leg, fee uint64) (rawTx []byte, txid string, err error)
}

// Broadcaster submits raw transactions to a chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, chainSymbol string, rawTx []byte) (txid string, err error)
}

// FeeOracle reports the current fee rate of a chain: per-vbyte for
// utxo_script chains, gas price for account_contract chains.
type FeeOracle interface {
	FeeRate(ctx context.Context, chainSymbol string) (uint64, error)
}

// Event is a lifecycle notification.
type Event struct {
	SwapID    string
	Type      string
	State     State
	Data      interface{}
	Timestamp time.Time
}

// Event types emitted by the orchestrator.
const (
	EventCreated          = "created"
	EventStateChanged     = "state_changed"
	EventFundingConfirmed = "funding_confirmed"
	EventClaimBroadcast   = "claim_broadcast"
	EventSecretRevealed   = "secret_revealed"
	EventRefundBroadcast  = "refund_broadcast"
	EventFailed           = "failed"
)

// EventHandler is called when swap events occur. Handlers run on their
// own goroutines and must not call back into the orchestrator
// synchronously.
type EventHandler func(event Event)

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store       Store
	Verifier    *verify.Verifier
	Signer      Signer
	Broadcaster Broadcaster
	FeeOracle   FeeOracle
	Config      *config.Config
}

// Orchestrator manages active swaps.
type Orchestrator struct {
	mu sync.RWMutex

	store       Store
	verifier    *verify.Verifier
	signer      Signer
	broadcaster Broadcaster
	feeOracle   FeeOracle
	cfg         *config.Config

	// Active records by id, with a lock per record: transitions on one
	// swap serialize, different swaps proceed in parallel.
	records map[string]*Record
	locks   map[string]*sync.Mutex

	// Secret hashes of every known record, hex-keyed. Guards reuse
	// before the store's unique index would catch it.
	secretHashes map[string]struct{}

	eventHandlers []EventHandler

	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator. Call Recover before use to
// load persisted swaps.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		signer:       cfg.Signer,
		broadcaster:  cfg.Broadcaster,
		feeOracle:    cfg.FeeOracle,
		cfg:          cfg.Config,
		records:      make(map[string]*Record),
		locks:        make(map[string]*sync.Mutex),
		secretHashes: make(map[string]struct{}),
		log:          logging.GetDefault().Component("swap"),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// OnEvent registers an event handler.
func (o *Orchestrator) OnEvent(handler EventHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eventHandlers = append(o.eventHandlers, handler)
}

func (o *Orchestrator) emitEvent(swapID, eventType string, state State, data interface{}) {
	event := Event{
		SwapID:    swapID,
		Type:      eventType,
		State:     state,
		Data:      data,
		Timestamp: time.Now(),
	}

	o.mu.RLock()
	handlers := make([]EventHandler, len(o.eventHandlers))
	copy(handlers, o.eventHandlers)
	o.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Recover loads all non-terminal swaps from the store. Called once at
// startup; in-flight swaps resume from their persisted state.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	records, err := o.store.GetActiveSwaps()
	if err != nil {
		return 0, fmt.Errorf("failed to load active swaps: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, record := range records {
		o.records[record.ID] = record
		o.locks[record.ID] = &sync.Mutex{}
		o.secretHashes[hashKey(record.SecretHash)] = struct{}{}
		o.log.Info("recovered swap", "id", record.ID, "state", record.State)
	}
	return len(records), nil
}

// Get returns a copy of a record.
func (o *Orchestrator) Get(id string) (*Record, error) {
	o.mu.RLock()
	record, ok := o.records[id]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrSwapNotFound
	}
	copied := *record
	return &copied, nil
}

// ListByState returns copies of all in-memory records in state.
func (o *Orchestrator) ListByState(state State) []*Record {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []*Record
	for _, record := range o.records {
		if record.State == state {
			copied := *record
			out = append(out, &copied)
		}
	}
	return out
}

// Update runs fn against a record under its single-writer lock, persists
// the result, and emits a state_changed event if the state moved. fn runs
// on a scratch copy that becomes visible only after the store accepted
// it, so a failing fn or a failed persist leaves no half-applied state
// for readers or a restart to diverge on.
func (o *Orchestrator) Update(id string, fn func(record *Record) error) error {
	o.mu.RLock()
	lock, ok := o.locks[id]
	o.mu.RUnlock()
	if !ok {
		return ErrSwapNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	o.mu.RLock()
	record := o.records[id]
	o.mu.RUnlock()

	before := record.State
	updated := *record
	if err := fn(&updated); err != nil {
		return err
	}
	if err := o.store.SaveSwap(&updated); err != nil {
		return fmt.Errorf("failed to persist swap %s: %w", id, err)
	}

	o.mu.Lock()
	o.records[id] = &updated
	o.mu.Unlock()

	if updated.State != before {
		o.log.Info("swap state changed", "id", id, "from", before, "to", updated.State)
		o.emitEvent(id, EventStateChanged, updated.State, string(before))
	}
	return nil
}

// Fail moves a swap to Failed with a reason, from any non-terminal state.
func (o *Orchestrator) Fail(id, reason string) error {
	err := o.Update(id, func(record *Record) error {
		if record.State.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidState, record.State)
		}
		record.FailureReason = reason
		return record.TransitionTo(StateFailed)
	})
	if err != nil {
		return err
	}
	o.log.Error("swap failed", "id", id, "reason", reason)
	o.emitEvent(id, EventFailed, StateFailed, reason)
	return nil
}

// Cancel abandons a swap. Only allowed before any funding exists.
func (o *Orchestrator) Cancel(id string) error {
	return o.Update(id, func(record *Record) error {
		if record.State != StateCreated {
			return fmt.Errorf("%w: cancel only allowed in %s, swap is %s",
				ErrInvalidState, StateCreated, record.State)
		}
		return record.TransitionTo(StateCancelled)
	})
}

// Close shuts down the orchestrator's background work.
func (o *Orchestrator) Close() error {
	o.cancel()
	return nil
}

func hashKey(hash []byte) string {
	return fmt.Sprintf("%x", hash)
}
