package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/internal/verify"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

// ---------------------------------------------------------------------------
// fakes

type fakeStore struct {
	mu           sync.Mutex
	records      map[string]*Record
	sweeps       []*SweepAttempt
	failNextSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*Record{}}
}

func (f *fakeStore) SaveSwap(record *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextSave {
		f.failNextSave = false
		return errors.New("database is locked")
	}
	for id, existing := range f.records {
		if id != record.ID && hashKey(existing.SecretHash) == hashKey(record.SecretHash) {
			return fmt.Errorf("unique index violation on secret_hash")
		}
	}
	copied := *record
	f.records[record.ID] = &copied
	return nil
}

func (f *fakeStore) GetSwap(id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, ErrSwapNotFound
	}
	copied := *record
	return &copied, nil
}

func (f *fakeStore) GetActiveSwaps() ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, record := range f.records {
		if !record.State.IsTerminal() {
			copied := *record
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) SecretHashUsed(hash []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if hashKey(record.SecretHash) == hashKey(hash) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AppendSweepAttempt(attempt *SweepAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *attempt
	f.sweeps = append(f.sweeps, &copied)
	return nil
}

func (f *fakeStore) SweepAttempts(swapID string, role Role) ([]*SweepAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*SweepAttempt
	for _, a := range f.sweeps {
		if a.SwapID == swapID && a.Role == role {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeChain struct {
	mu     sync.Mutex
	txs    map[string]*verify.TxObservation
	claims map[string]*verify.ClaimObservation
	height uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:    map[string]*verify.TxObservation{},
		claims: map[string]*verify.ClaimObservation{},
		height: 100,
	}
}

func (f *fakeChain) ObserveTx(ctx context.Context, txid string) (*verify.TxObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obs, ok := f.txs[txid]; ok {
		return obs, nil
	}
	return &verify.TxObservation{Found: false}, nil
}

func (f *fakeChain) FindClaim(ctx context.Context, address string, secretHash []byte) (*verify.ClaimObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[address], nil
}

func (f *fakeChain) Height(ctx context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeChain) confirmTx(txid, address string, amount *big.Int, confs uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[txid] = &verify.TxObservation{
		Found: true, Confirmations: confs, Address: address, Amount: amount,
	}
}

type fakeSigner struct{ fails bool }

func (f *fakeSigner) SignClaim(ctx context.Context, leg *Leg, secret []byte, fee uint64) ([]byte, string, error) {
	if f.fails {
		return nil, "", errors.New("signer unavailable")
	}
	return []byte("rawclaim"), "claim-" + leg.Chain, nil
}

func (f *fakeSigner) SignRefund(ctx context.Context, leg *Leg, fee uint64) ([]byte, string, error) {
	if f.fails {
		return nil, "", errors.New("signer unavailable")
	}
	return []byte("rawrefund"), "refund-" + leg.Chain, nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	broadcast []string
	fails     bool
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, chainSymbol string, rawTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return "", errors.New("mempool rejected")
	}
	f.broadcast = append(f.broadcast, chainSymbol)
	return "", nil
}

type fakeOracle struct{ rate uint64 }

func (f *fakeOracle) FeeRate(ctx context.Context, chainSymbol string) (uint64, error) {
	return f.rate, nil
}

// ---------------------------------------------------------------------------
// helpers

type testEnv struct {
	orch  *Orchestrator
	store *fakeStore
	btc   *fakeChain
	eth   *fakeChain
	cast  *fakeBroadcaster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Verify = config.VerifyPolicy{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
	}

	store := newFakeStore()
	btc := newFakeChain()
	eth := newFakeChain()
	verifier := verify.New(map[string]verify.ChainClient{
		"BTC": btc,
		"ETH": eth,
	}, cfg.Verify, logging.New(logging.DefaultConfig()))

	cast := &fakeBroadcaster{}
	orch := NewOrchestrator(&OrchestratorConfig{
		Store:       store,
		Verifier:    verifier,
		Signer:      &fakeSigner{},
		Broadcaster: cast,
		FeeOracle:   &fakeOracle{rate: 10},
		Config:      cfg,
	})
	t.Cleanup(func() { orch.Close() })

	return &testEnv{orch: orch, store: store, btc: btc, eth: eth, cast: cast}
}

func compressedKey(b byte) []byte {
	key := make([]byte, 33)
	key[0] = 0x02
	for i := 1; i < 33; i++ {
		key[i] = b
	}
	return key
}

func accountKey(b byte) []byte {
	key := make([]byte, 20)
	for i := range key {
		key[i] = b
	}
	return key
}

func createParams() CreateParams {
	return CreateParams{
		Initiator: LegParams{
			Chain:       "BTC",
			Asset:       "BTC",
			Amount:      big.NewInt(250000),
			SenderKey:   compressedKey(0xA1),
			ReceiverKey: compressedKey(0xB2),
		},
		Counterparty: LegParams{
			Chain:       "ETH",
			Asset:       "ETH",
			Amount:      big.NewInt(4e15),
			SenderKey:   accountKey(0xC3),
			ReceiverKey: accountKey(0xD4),
		},
	}
}

func mustCreate(t *testing.T, env *testEnv) (*Record, []byte) {
	t.Helper()
	record, secret, err := env.orch.Create(context.Background(), createParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return record, secret
}

// advance funds both legs and confirms them.
func fundBoth(t *testing.T, env *testEnv, record *Record) {
	t.Helper()
	ctx := context.Background()

	env.btc.confirmTx("fund-btc", record.Initiator.LockAddress, record.Initiator.Amount, 6)
	if err := env.orch.ConfirmInitiatorFunding(ctx, record.ID, "fund-btc"); err != nil {
		t.Fatalf("ConfirmInitiatorFunding() error = %v", err)
	}

	env.eth.confirmTx("fund-eth", record.Counterparty.LockAddress, record.Counterparty.Amount, 20)
	if err := env.orch.ConfirmCounterpartyFunding(ctx, record.ID, "fund-eth"); err != nil {
		t.Fatalf("ConfirmCounterpartyFunding() error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// tests

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	record, secret, err := env.orch.Create(context.Background(), createParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if record.State != StateCreated {
		t.Errorf("state = %s, want created", record.State)
	}
	if len(secret) != 32 {
		t.Errorf("generated secret length = %d, want 32", len(secret))
	}
	if !htlc.VerifySecret(secret, record.SecretHash) {
		t.Error("generated secret does not match record hash")
	}
	if record.Initiator.LockAddress == "" || record.Counterparty.LockAddress == "" {
		t.Error("lock addresses not derived")
	}
	if record.Counterparty.TimelockUnix >= record.Initiator.TimelockUnix {
		t.Error("counterparty timelock must precede initiator timelock")
	}

	// Default margin: initiator locks 50% longer than the counterparty.
	counterpartyWindow := record.Counterparty.TimelockUnix - record.CreatedAt.Unix()
	initiatorWindow := record.Initiator.TimelockUnix - record.CreatedAt.Unix()
	if initiatorWindow != counterpartyWindow+counterpartyWindow/2 {
		t.Errorf("initiator window %d is not counterparty window %d +50%%", initiatorWindow, counterpartyWindow)
	}

	// The initiator's utxo leg gets a pinned expiry height.
	if record.Initiator.TimelockHeight <= 100 {
		t.Errorf("initiator timelock height = %d, want above current height", record.Initiator.TimelockHeight)
	}

	// Persisted.
	if _, err := env.store.GetSwap(record.ID); err != nil {
		t.Errorf("record not persisted: %v", err)
	}
}

func TestCreateRejectsZeroMargin(t *testing.T) {
	env := newTestEnv(t)
	params := createParams()
	zero := uint32(0)
	params.MarginBPS = &zero

	_, _, err := env.orch.Create(context.Background(), params)
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestCreateRejectsSecretHashReuse(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)

	params := createParams()
	params.SecretHash = record.SecretHash
	_, _, err := env.orch.Create(context.Background(), params)
	if !errors.Is(err, ErrSecretHashReuse) {
		t.Errorf("expected ErrSecretHashReuse, got %v", err)
	}
}

func TestCancelOnlyInCreated(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)

	if err := env.orch.Cancel(record.ID); err != nil {
		t.Fatalf("Cancel() in created error = %v", err)
	}
	got, _ := env.orch.Get(record.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	// Funded swaps cannot be cancelled.
	env2 := newTestEnv(t)
	record2, _ := mustCreate(t, env2)
	env2.btc.confirmTx("fund-btc", record2.Initiator.LockAddress, record2.Initiator.Amount, 6)
	if err := env2.orch.ConfirmInitiatorFunding(context.Background(), record2.ID, "fund-btc"); err != nil {
		t.Fatal(err)
	}
	if err := env2.orch.Cancel(record2.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState cancelling funded swap, got %v", err)
	}
}

func TestFundingFlow(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)
	fundBoth(t, env, record)

	got, _ := env.orch.Get(record.ID)
	if got.State != StateFundedBoth {
		t.Fatalf("state = %s, want funded_both", got.State)
	}
	if got.Initiator.FundingTxid != "fund-btc" || got.Counterparty.FundingTxid != "fund-eth" {
		t.Error("funding txids not recorded")
	}
}

func TestFundingMismatchFailsSwap(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)

	// Funding pays the wrong amount.
	env.btc.confirmTx("fund-btc", record.Initiator.LockAddress, big.NewInt(1), 6)
	err := env.orch.ConfirmInitiatorFunding(context.Background(), record.ID, "fund-btc")
	if err == nil {
		t.Fatal("expected error for mismatched funding")
	}

	got, _ := env.orch.Get(record.ID)
	if got.State != StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestConstructTamperFailsSwap(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)

	env.btc.confirmTx("fund-btc", record.Initiator.LockAddress, record.Initiator.Amount, 6)
	if err := env.orch.ConfirmInitiatorFunding(context.Background(), record.ID, "fund-btc"); err != nil {
		t.Fatal(err)
	}

	// Tamper with the stored counterparty lock address.
	if err := env.orch.Update(record.ID, func(r *Record) error {
		r.Counterparty.LockAddress = "0x000000000000000000000000000000000000dead"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	err := env.orch.ConfirmCounterpartyFunding(context.Background(), record.ID, "fund-eth")
	if !errors.Is(err, ErrConstructMismatch) {
		t.Fatalf("expected ErrConstructMismatch, got %v", err)
	}
	got, _ := env.orch.Get(record.ID)
	if got.State != StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
}

func TestClaimFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record, secret := mustCreate(t, env)
	fundBoth(t, env, record)

	// Initiator claims the counterparty's lock with the secret.
	txid, err := env.orch.ClaimLeg(ctx, record.ID, RoleCounterparty, secret)
	if err != nil {
		t.Fatalf("ClaimLeg(counterparty) error = %v", err)
	}
	got, _ := env.orch.Get(record.ID)
	if got.State != StateClaimPending {
		t.Fatalf("state = %s, want claim_pending", got.State)
	}
	if got.Counterparty.ClaimTxid != txid {
		t.Errorf("claim txid = %s, want %s", got.Counterparty.ClaimTxid, txid)
	}

	// Counterparty claims the initiator's lock.
	txid2, err := env.orch.ClaimLeg(ctx, record.ID, RoleInitiator, secret)
	if err != nil {
		t.Fatalf("ClaimLeg(initiator) error = %v", err)
	}

	// Both claims confirm.
	env.eth.confirmTx(txid, record.Counterparty.LockAddress, record.Counterparty.Amount, 20)
	env.btc.confirmTx(txid2, record.Initiator.LockAddress, record.Initiator.Amount, 6)
	if err := env.orch.ConfirmClaim(ctx, record.ID, RoleCounterparty); err != nil {
		t.Fatalf("ConfirmClaim(counterparty) error = %v", err)
	}
	if err := env.orch.ConfirmClaim(ctx, record.ID, RoleInitiator); err != nil {
		t.Fatalf("ConfirmClaim(initiator) error = %v", err)
	}

	got, _ = env.orch.Get(record.ID)
	if got.State != StateClaimed {
		t.Errorf("state = %s, want claimed", got.State)
	}
}

func TestClaimRejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)
	fundBoth(t, env, record)

	wrong := make([]byte, 32)
	_, err := env.orch.ClaimLeg(context.Background(), record.ID, RoleCounterparty, wrong)
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestWatchSecret(t *testing.T) {
	env := newTestEnv(t)
	record, secret := mustCreate(t, env)
	fundBoth(t, env, record)

	env.eth.mu.Lock()
	env.eth.claims[record.Counterparty.LockAddress] = &verify.ClaimObservation{
		Txid:          "observed-claim",
		Secret:        secret,
		Confirmations: 20,
	}
	env.eth.mu.Unlock()

	got, err := env.orch.WatchSecret(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("WatchSecret() error = %v", err)
	}
	if !htlc.VerifySecret(got, record.SecretHash) {
		t.Error("revealed secret does not match hash")
	}

	updated, _ := env.orch.Get(record.ID)
	if updated.Counterparty.ClaimTxid != "observed-claim" {
		t.Error("observed claim txid not recorded")
	}
	if updated.State != StateClaimPending {
		t.Errorf("state = %s, want claim_pending", updated.State)
	}
}

func TestUpdateLeavesRecordUntouchedOnError(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)

	// fn mutates and then fails: none of the mutation may become visible.
	err := env.orch.Update(record.ID, func(r *Record) error {
		r.FailureReason = "half-applied"
		return errors.New("downstream error")
	})
	if err == nil {
		t.Fatal("expected error from failing fn")
	}
	got, _ := env.orch.Get(record.ID)
	if got.FailureReason != "" {
		t.Errorf("partial mutation visible after failed update: %q", got.FailureReason)
	}

	// A failed persist must not leave in-memory state ahead of the store:
	// a restart would roll the swap back to what the store holds.
	env.store.failNextSave = true
	err = env.orch.Update(record.ID, func(r *Record) error {
		return r.TransitionTo(StateCancelled)
	})
	if err == nil {
		t.Fatal("expected error from failed persist")
	}
	got, _ = env.orch.Get(record.ID)
	if got.State != StateCreated {
		t.Errorf("in-memory state = %s, want created after failed persist", got.State)
	}
	stored, _ := env.store.GetSwap(record.ID)
	if stored.State != StateCreated {
		t.Errorf("stored state = %s, want created", stored.State)
	}

	// The record still accepts updates after the failure.
	if err := env.orch.Cancel(record.ID); err != nil {
		t.Fatalf("Cancel() after failed persist error = %v", err)
	}
}

func TestTimeoutMovesToRefundPending(t *testing.T) {
	env := newTestEnv(t)
	params := createParams()
	params.CounterpartyLockDuration = time.Hour

	record, _, err := env.orch.Create(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	fundBoth(t, env, record)

	// Before expiry nothing moves.
	env.orch.CheckTimeouts(time.Now())
	got, _ := env.orch.Get(record.ID)
	if got.State != StateFundedBoth {
		t.Fatalf("state = %s, want funded_both before expiry", got.State)
	}

	// Past the counterparty timelock the refund path opens.
	env.orch.CheckTimeouts(time.Now().Add(2 * time.Hour))
	got, _ = env.orch.Get(record.ID)
	if got.State != StateRefundPending {
		t.Errorf("state = %s, want refund_pending after expiry", got.State)
	}
}

func TestTimeoutExpiresUnfundedSwap(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)

	env.orch.CheckTimeouts(time.Now().Add(env.orch.cfg.Timelock.MaxSwapDuration + time.Hour))
	got, _ := env.orch.Get(record.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s, want cancelled for stale unfunded swap", got.State)
	}
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t)
	record, _ := mustCreate(t, env)
	if _, _, err := env.orch.Create(context.Background(), createParams()); err != nil {
		t.Fatal(err)
	}

	// Fresh orchestrator over the same store.
	cfg := config.DefaultConfig()
	cfg.Verify = config.VerifyPolicy{PollInterval: time.Millisecond, MaxPollInterval: 5 * time.Millisecond}
	verifier := verify.New(map[string]verify.ChainClient{"BTC": env.btc, "ETH": env.eth}, cfg.Verify, logging.New(logging.DefaultConfig()))
	orch2 := NewOrchestrator(&OrchestratorConfig{
		Store:       env.store,
		Verifier:    verifier,
		Signer:      &fakeSigner{},
		Broadcaster: &fakeBroadcaster{},
		FeeOracle:   &fakeOracle{rate: 10},
		Config:      cfg,
	})
	defer orch2.Close()

	count, err := orch2.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if count != 2 {
		t.Errorf("recovered %d swaps, want 2", count)
	}

	if _, err := orch2.Get(record.ID); err != nil {
		t.Errorf("recovered swap not accessible: %v", err)
	}

	// A recovered hash still blocks reuse.
	params := createParams()
	params.SecretHash = record.SecretHash
	if _, _, err := orch2.Create(context.Background(), params); !errors.Is(err, ErrSecretHashReuse) {
		t.Errorf("expected ErrSecretHashReuse after recovery, got %v", err)
	}
}
