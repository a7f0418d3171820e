package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

const lockAddr = "bc1qtestlockaddress0000000000000000000000"

func testSecret() (secret, hash []byte) {
	secret = bytes.Repeat([]byte{0xAB}, htlc.SecretSize)
	return secret, htlc.HashSecret(secret)
}

// esploraServer stubs the esplora endpoints the backend reads.
func esploraServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body, ok := routes[r.URL.Path]; ok {
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEsploraObserveTx(t *testing.T) {
	fundingTx := `{
		"txid": "aa11",
		"status": {"confirmed": true, "block_height": 800000},
		"vin": [],
		"vout": [
			{"scriptpubkey_type": "v0_p2wpkh", "scriptpubkey_address": "bc1qchange", "value": 5000},
			{"scriptpubkey_type": "v0_p2wsh", "scriptpubkey_address": "` + lockAddr + `", "value": 250000}
		]
	}`
	srv := esploraServer(t, map[string]string{
		"/tx/aa11":            fundingTx,
		"/blocks/tip/height":  "800005",
	})
	b := NewEsploraBackend(srv.URL)

	obs, err := b.ObserveTx(context.Background(), "aa11")
	if err != nil {
		t.Fatalf("ObserveTx() error = %v", err)
	}
	if !obs.Found {
		t.Fatal("ObserveTx() found = false")
	}
	if obs.Confirmations != 6 {
		t.Errorf("confirmations = %d, want 6", obs.Confirmations)
	}
	if obs.Address != lockAddr {
		t.Errorf("address = %q, want the p2wsh output", obs.Address)
	}
	if obs.Amount.Uint64() != 250000 {
		t.Errorf("amount = %s, want 250000", obs.Amount)
	}
}

func TestEsploraObserveTxNotFound(t *testing.T) {
	srv := esploraServer(t, nil)
	b := NewEsploraBackend(srv.URL)

	obs, err := b.ObserveTx(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ObserveTx() error = %v", err)
	}
	if obs.Found {
		t.Error("ObserveTx() found = true for unknown txid")
	}
}

func TestEsploraFindClaim(t *testing.T) {
	secret, hash := testSecret()

	// A spend of the lock with the preimage in the witness.
	claimTx := `[{
		"txid": "cc33",
		"status": {"confirmed": true, "block_height": 800002},
		"vin": [{
			"witness": ["3044aabb", "` + hex.EncodeToString(secret) + `", "01", "deadbeef"],
			"prevout": {"scriptpubkey_type": "v0_p2wsh", "scriptpubkey_address": "` + lockAddr + `", "value": 250000}
		}],
		"vout": []
	}]`
	srv := esploraServer(t, map[string]string{
		"/address/" + lockAddr + "/txs": claimTx,
		"/blocks/tip/height":            "800003",
	})
	b := NewEsploraBackend(srv.URL)

	obs, err := b.FindClaim(context.Background(), lockAddr, hash)
	if err != nil {
		t.Fatalf("FindClaim() error = %v", err)
	}
	if obs == nil {
		t.Fatal("FindClaim() = nil, want claim")
	}
	if obs.Txid != "cc33" {
		t.Errorf("txid = %q, want cc33", obs.Txid)
	}
	if !bytes.Equal(obs.Secret, secret) {
		t.Errorf("secret = %x, want %x", obs.Secret, secret)
	}
	if obs.Confirmations != 2 {
		t.Errorf("confirmations = %d, want 2", obs.Confirmations)
	}
}

func TestEsploraFindClaimIgnoresUnrelatedSpends(t *testing.T) {
	_, hash := testSecret()

	// History contains a spend with no matching preimage.
	history := `[{
		"txid": "dd44",
		"status": {"confirmed": true, "block_height": 800002},
		"vin": [{
			"witness": ["3044aabb"],
			"prevout": {"scriptpubkey_type": "v0_p2wsh", "scriptpubkey_address": "` + lockAddr + `", "value": 250000}
		}],
		"vout": []
	}]`
	srv := esploraServer(t, map[string]string{
		"/address/" + lockAddr + "/txs": history,
	})
	b := NewEsploraBackend(srv.URL)

	obs, err := b.FindClaim(context.Background(), lockAddr, hash)
	if err != nil {
		t.Fatalf("FindClaim() error = %v", err)
	}
	if obs != nil {
		t.Errorf("FindClaim() = %+v, want nil", obs)
	}
}

func TestEsploraBroadcast(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		fmt.Fprint(w, "ee55\n")
	}))
	defer srv.Close()
	b := NewEsploraBackend(srv.URL)

	txid, err := b.Broadcast(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if txid != "ee55" {
		t.Errorf("txid = %q, want ee55", txid)
	}
	if gotBody != "0102" {
		t.Errorf("posted body = %q, want hex 0102", gotBody)
	}
}

func TestEsploraBroadcastRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "sendrawtransaction RPC error")
	}))
	defer srv.Close()
	b := NewEsploraBackend(srv.URL)

	if _, err := b.Broadcast(context.Background(), []byte{0x01}); err == nil {
		t.Fatal("Broadcast() error = nil, want rejection")
	}
}

func TestEsploraFeeRate(t *testing.T) {
	srv := esploraServer(t, map[string]string{
		"/v1/fees/recommended": `{"fastestFee": 20, "halfHourFee": 12, "hourFee": 8}`,
	})
	b := NewEsploraBackend(srv.URL)

	rate, err := b.FeeRate(context.Background())
	if err != nil {
		t.Fatalf("FeeRate() error = %v", err)
	}
	if rate != 12 {
		t.Errorf("rate = %d, want half hour target 12", rate)
	}
}

func TestRegistryRouting(t *testing.T) {
	srv := esploraServer(t, map[string]string{
		"/v1/fees/recommended": `{"halfHourFee": 7}`,
	})
	r := &Registry{
		backends: map[string]Backend{},
		log:      logging.New(logging.DefaultConfig()),
	}
	r.Register("btc", NewEsploraBackend(srv.URL))

	if _, ok := r.Get("BTC"); !ok {
		t.Fatal("Get(BTC) not found after Register(btc)")
	}
	rate, err := r.FeeRate(context.Background(), "BTC")
	if err != nil || rate != 7 {
		t.Errorf("FeeRate() = %d, %v, want 7", rate, err)
	}
	if _, err := r.FeeRate(context.Background(), "XRP"); err == nil {
		t.Error("FeeRate() for unregistered chain succeeded")
	}
	if len(r.Clients()) != 1 {
		t.Errorf("Clients() size = %d, want 1", len(r.Clients()))
	}
}
