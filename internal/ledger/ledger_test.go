package ledger_test

import (
	"errors"
	"testing"

	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

func mustWallet(t *testing.T, holdings map[string]float64) *ledger.Wallet {
	t.Helper()
	w := ledger.NewWallet()
	for token, amount := range holdings {
		if err := w.Credit(token, amount); err != nil {
			t.Fatalf("credit %s: %v", token, err)
		}
	}
	return w
}

// ============================================================================
// Test: Address
// ============================================================================

func TestAddressAllocator_Deterministic(t *testing.T) {
	a := ledger.NewAddressAllocator(42)
	b := ledger.NewAddressAllocator(42)

	for i := 0; i < 5; i++ {
		x, y := a.Next(), b.Next()
		if x != y {
			t.Fatalf("address %d: got %s and %s from the same seed", i, x, y)
		}
	}
}

func TestAddressAllocator_Unique(t *testing.T) {
	alloc := ledger.NewAddressAllocator(7)
	seen := make(map[ledger.Address]bool)
	for i := 0; i < 1000; i++ {
		addr := alloc.Next()
		if seen[addr] {
			t.Fatalf("duplicate address %s at %d", addr, i)
		}
		seen[addr] = true
	}
}

func TestAddress_RoundTripBase58(t *testing.T) {
	addr := ledger.NewAddressAllocator(1).Next()

	parsed, err := ledger.ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Errorf("got %s, want %s", parsed, addr)
	}
}

func TestParseAddress_WrongLength(t *testing.T) {
	_, err := ledger.ParseAddress("abc")
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Errorf("got %v, want ErrUnknownAccount", err)
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := ledger.NewRegistry()
	if _, err := r.Register("USDC", 1.0); err != nil {
		t.Fatalf("register: %v", err)
	}

	tok, err := r.Get("USDC")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.ReferencePrice() != 1.0 {
		t.Errorf("price: got %v, want 1.0", tok.ReferencePrice())
	}

	tok.SetReferencePrice(1.02)
	if r.Price("USDC") != 1.02 {
		t.Errorf("price after set: got %v, want 1.02", r.Price("USDC"))
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := ledger.NewRegistry()
	r.Register("ETH", 3000)

	_, err := r.Register("ETH", 4000)
	if !errors.Is(err, ledger.ErrDuplicateToken) {
		t.Errorf("got %v, want ErrDuplicateToken", err)
	}
}

func TestRegistry_CaseSensitive(t *testing.T) {
	r := ledger.NewRegistry()
	r.Register("eth", 1)
	if _, err := r.Register("ETH", 1); err != nil {
		t.Errorf("ETH and eth are distinct tokens: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("len: got %d, want 2", r.Len())
	}
}

func TestRegistry_UnknownToken(t *testing.T) {
	r := ledger.NewRegistry()
	_, err := r.Get("DOGE")
	if !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Errorf("got %v, want ErrUnknownAsset", err)
	}
	if r.Price("DOGE") != 0 {
		t.Errorf("unknown token price should be 0")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := ledger.NewRegistry()
	r.Register("USDC", 1)
	r.Register("ETH", 3000)
	r.Register("BTC", 60000)

	names := r.Names()
	want := []string{"BTC", "ETH", "USDC"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names: got %v, want %v", names, want)
		}
	}
}

// ============================================================================
// Test: Wallet
// ============================================================================

func TestWallet_CreditCreatesEntry(t *testing.T) {
	w := ledger.NewWallet()
	if err := w.Credit("USDC", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if w.Balance("USDC") != 100 {
		t.Errorf("balance: got %v, want 100", w.Balance("USDC"))
	}
}

func TestWallet_CreditZeroCreatesNothing(t *testing.T) {
	w := ledger.NewWallet()
	w.Credit("USDC", 0)
	if w.Has("USDC") {
		t.Error("crediting zero must not create an entry")
	}
}

func TestWallet_CreditNegative_Fails(t *testing.T) {
	w := ledger.NewWallet()
	err := w.Credit("USDC", -1)
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestWallet_DebitNegative_Fails(t *testing.T) {
	w := mustWallet(t, map[string]float64{"USDC": 10})
	err := w.Debit("USDC", -1)
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestWallet_DebitAbsent_Fails(t *testing.T) {
	w := ledger.NewWallet()
	err := w.Debit("ETH", 1)
	if !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Errorf("got %v, want ErrUnknownAsset", err)
	}
}

func TestWallet_DebitTooMuch_LeavesBalance(t *testing.T) {
	w := mustWallet(t, map[string]float64{"ETH": 2})

	err := w.Debit("ETH", 3)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if w.Balance("ETH") != 2 {
		t.Errorf("balance: got %v, want 2", w.Balance("ETH"))
	}
}

func TestWallet_DebitToZeroRemovesEntry(t *testing.T) {
	w := mustWallet(t, map[string]float64{"ETH": 2})

	if err := w.Debit("ETH", 2); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if w.Has("ETH") {
		t.Error("entry at exactly zero must be removed")
	}
	if w.Len() != 0 {
		t.Errorf("len: got %d, want 0", w.Len())
	}
}

func TestWallet_TotalValue(t *testing.T) {
	w := mustWallet(t, map[string]float64{"USDC": 1000, "ETH": 2})
	prices := map[string]float64{"USDC": 1, "ETH": 3000}

	got := w.TotalValue(func(tok string) float64 { return prices[tok] })
	if got != 7000 {
		t.Errorf("total value: got %v, want 7000", got)
	}
	if w.Balance("USDC") != 1000 {
		t.Error("TotalValue must not mutate the wallet")
	}
}

func TestWallet_HoldingsSorted(t *testing.T) {
	w := mustWallet(t, map[string]float64{"USDC": 1, "BTC": 1, "ETH": 1})

	h := w.Holdings()
	if len(h) != 3 || h[0].Token != "BTC" || h[1].Token != "ETH" || h[2].Token != "USDC" {
		t.Errorf("holdings: got %+v", h)
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	b := &ledger.Batch{Ref: "0:0", Movements: []ledger.Movement{
		{From: "a", To: "b", Token: "USDC", Amount: 0},
	}}
	if err := b.Validate(); err == nil {
		t.Error("zero-amount movement should fail")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	b := &ledger.Batch{Ref: "0:0", Movements: []ledger.Movement{
		{From: "a", To: "a", Token: "USDC", Amount: 1},
	}}
	if err := b.Validate(); err == nil {
		t.Error("self transfer should fail")
	}
}

func TestBatchValidate_EmptyBatch_Passes(t *testing.T) {
	b := &ledger.Batch{Ref: "0:0"}
	if err := b.Validate(); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestBatch_Net(t *testing.T) {
	b := &ledger.Batch{Movements: []ledger.Movement{
		{From: "alice", To: "pool", Token: "USDC", Amount: 100},
		{From: "pool", To: "alice", Token: "ETH", Amount: 0.03},
	}}

	net := b.Net("alice")
	if net["USDC"] != -100 || net["ETH"] != 0.03 {
		t.Errorf("net: got %v", net)
	}
}

func TestTransfer_SkipsZero(t *testing.T) {
	ms := ledger.Transfer(nil, "a", "b", "USDC", 0, ledger.MovementSwapIn)
	if len(ms) != 0 {
		t.Errorf("got %d movements, want 0", len(ms))
	}
	ms = ledger.Transfer(ms, "a", "b", "USDC", 5, ledger.MovementSwapIn)
	if len(ms) != 1 || ms[0].Amount != 5 {
		t.Errorf("got %+v", ms)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Conserved(t *testing.T) {
	v := ledger.NewInvariantValidator(0)
	v.RecordMint("USDC", 1000)
	v.RecordMint("USDC", 500)

	if err := v.ValidateConservation(map[string]float64{"USDC": 1500}); err != nil {
		t.Errorf("expected conservation: %v", err)
	}
}

func TestInvariantValidator_Drift_Fails(t *testing.T) {
	v := ledger.NewInvariantValidator(0)
	v.RecordMint("ETH", 10)

	if err := v.ValidateConservation(map[string]float64{"ETH": 10.5}); err == nil {
		t.Error("expected conservation failure")
	}
}

func TestInvariantValidator_UnmintedToken_Fails(t *testing.T) {
	v := ledger.NewInvariantValidator(0)
	if err := v.ValidateConservation(map[string]float64{"BTC": 1}); err == nil {
		t.Error("tokens that were never minted must not appear")
	}
}

func TestInvariantValidator_FloatNoiseTolerated(t *testing.T) {
	v := ledger.NewInvariantValidator(0)
	v.RecordMint("USDC", 100000)

	if err := v.ValidateConservation(map[string]float64{"USDC": 100000 + 1e-7}); err != nil {
		t.Errorf("relative drift of 1e-12 should pass: %v", err)
	}
}
