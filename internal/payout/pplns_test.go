package payout

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{Name: "test pool"},
		Payout: config.PayoutConfig{
			PPLNSFee:       1.0,
			PPSFee:         2.0,
			SoloFee:        0.5,
			BTCFee:         1.5,
			FeeAddress:     "fee",
			CoinDevAddress: "coindev",
			PoolDevAddress: "pooldev",
			BlocksRequired: 5,
		},
		PPLNS: config.PPLNSConfig{ShareMulti: 2.0},
		Unlocker: config.UnlockerConfig{
			Enabled:  true,
			Interval: time.Minute,
			MinDepth: 5,
		},
	}
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "shares.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func writeShare(t *testing.T, l *ledger.Ledger, height uint64, addr string, poolType ledger.PoolType, value float64) {
	t.Helper()
	err := l.WriteShare(&ledger.Share{
		Height:         height,
		PaymentAddress: addr,
		PoolType:       poolType,
		RawShares:      uint64(value),
		ShareValue:     value,
		Port:           18081,
		Timestamp:      1700000000,
	})
	if err != nil {
		t.Fatalf("write share: %v", err)
	}
}

// Block at height 1000 with difficulty 100 and shareMulti 2 gives a window
// of 200. 150 share units at the block height and 50 one height below fill
// it exactly; at 1% fee the first miner ends up with fraction 0.7425.
func TestPPLNSFilledWindow(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 150)
	writeShare(t, l, 999, "44miner2", ledger.PoolTypePPLNS, 50)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if result.Total != 200 {
		t.Errorf("total weight = %f, want 200", result.Total)
	}
	if result.Corrected {
		t.Error("correction applied to an exactly filled window")
	}
	if result.PayWindow != 200 {
		t.Errorf("pay window = %f, want 200", result.PayWindow)
	}

	fractions := make(map[string]float64)
	sum := 0.0
	for _, p := range result.Payouts {
		f := p.Amount / result.PayWindow
		fractions[p.Identifier()] = f
		sum += f
	}

	if math.Abs(fractions["44miner1"]-0.7425) > 1e-12 {
		t.Errorf("miner1 fraction = %.15f, want 0.7425", fractions["44miner1"])
	}
	if math.Abs(fractions["44miner2"]-0.2475) > 1e-12 {
		t.Errorf("miner2 fraction = %.15f, want 0.2475", fractions["44miner2"])
	}
	if math.Abs(fractions["fee"]-0.01) > 1e-12 {
		t.Errorf("fee fraction = %.15f, want 0.01", fractions["fee"])
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("fractions sum to %.15f, want 1.0", sum)
	}
}

// The increment that would push the window past its cap is clipped to the
// exact remaining headroom.
func TestPPLNSClipping(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 150)
	writeShare(t, l, 999, "44miner2", ledger.PoolTypePPLNS, 100)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	if result.Total != 200 {
		t.Errorf("total weight = %f, want exactly the window 200", result.Total)
	}
	var miner2 *Payout
	for _, p := range result.Payouts {
		if p.PaymentAddress == "44miner2" {
			miner2 = p
		}
	}
	if miner2 == nil {
		t.Fatal("miner2 missing from payouts")
	}
	// 150 weight already accumulated at the anchor height (148.5 miner1 +
	// 1.5 fees), so miner2's 99-weight increment clips to 50.
	if miner2.Amount != 50 {
		t.Errorf("miner2 clipped amount = %f, want 50", miner2.Amount)
	}
}

// A window with fewer shares than N pays out of the realized total so
// fractions still sum to one, and flags the correction.
func TestPPLNSCorrection(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 150)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Corrected {
		t.Fatal("underfilled window did not trigger correction")
	}
	if result.PayWindow != result.Total {
		t.Errorf("corrected pay window = %f, want realized total %f", result.PayWindow, result.Total)
	}

	sum := 0.0
	for _, p := range result.Payouts {
		sum += p.Amount / result.PayWindow
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("corrected fractions sum to %.15f, want 1.0", sum)
	}
}

// At the clip boundary the remaining headroom goes to recipients in credit
// order: miner, pool fee residual, pool-dev donation, coin-dev donation.
func TestPPLNSCreditOrderAtClipBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.Payout.PPLNSFee = 20
	cfg.Payout.DevDonation = 50
	cfg.Payout.PoolDevDonation = 25
	cfg.PPLNS.ShareMulti = 1.0

	l := testLedger(t)
	writeShare(t, l, 1000, "44miner", ledger.PoolTypePPLNS, 100)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 88,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	// The share splits 80 miner / 5 fee / 5 pool-dev / 10 coin-dev against a
	// window of 88: miner and fee land in full, pool-dev clips to 3, coin-dev
	// gets nothing.
	amounts := make(map[string]float64)
	for _, p := range result.Payouts {
		amounts[p.Identifier()] = p.Amount
	}
	if amounts["44miner"] != 80 {
		t.Errorf("miner = %f, want 80", amounts["44miner"])
	}
	if amounts["fee"] != 5 {
		t.Errorf("fee = %f, want 5", amounts["fee"])
	}
	if amounts["pooldev"] != 3 {
		t.Errorf("pooldev = %f, want clipped 3", amounts["pooldev"])
	}
	if amounts["coindev"] != 0 {
		t.Errorf("coindev = %f, want 0 past the boundary", amounts["coindev"])
	}
	if result.Total != 88 {
		t.Errorf("total = %f, want the full window 88", result.Total)
	}
}

func TestPPLNSConservation(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)
	// More weight than the window can hold, spread over several heights.
	writeShare(t, l, 1000, "44a", ledger.PoolTypePPLNS, 80)
	writeShare(t, l, 1000, "44b", ledger.PoolTypePPLNS, 60)
	writeShare(t, l, 999, "44c", ledger.PoolTypePPLNS, 70)
	writeShare(t, l, 998, "44d", ledger.PoolTypePPLNS, 90)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	n := float64(block.Difficulty) * cfg.PPLNS.ShareMulti
	if result.Total > n {
		t.Errorf("total weight %f exceeds window %f", result.Total, n)
	}
	if result.Total != n {
		t.Errorf("total weight %f did not reach window %f despite surplus shares", result.Total, n)
	}
}

func TestPPLNSIgnoresOtherPoolTypes(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)
	writeShare(t, l, 1000, "44pps", ledger.PoolTypePPS, 500)
	writeShare(t, l, 1000, "44solo", ledger.PoolTypeSolo, 500)
	writeShare(t, l, 1000, "44pplns", ledger.PoolTypePPLNS, 10)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range result.Payouts {
		if p.PaymentAddress == "44pps" || p.PaymentAddress == "44solo" {
			t.Errorf("non-PPLNS share for %s leaked into the window", p.PaymentAddress)
		}
	}
}

func TestPPLNSNoShares(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)

	calc := NewPPLNSCalculator(cfg, l)
	block := &storage.PendingBlock{
		Hash: "aaa", Height: 100, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100,
	}

	if _, err := calc.Calculate(context.Background(), block); !errors.Is(err, ErrNoShares) {
		t.Fatalf("err = %v, want ErrNoShares", err)
	}
}

func TestPPLNSAnchorOverride(t *testing.T) {
	cfg := testConfig()
	l := testLedger(t)
	writeShare(t, l, 500, "44miner", ledger.PoolTypePPLNS, 200)

	calc := NewPPLNSCalculator(cfg, l)
	// Aux-chain block: its own height is on the aux chain, the share walk
	// starts at the recorded main-chain anchor.
	block := &storage.PendingBlock{
		Hash: "aux1", Chain: "tari", Height: 9999, AnchorHeight: 500,
		PoolType: ledger.PoolTypePPLNS, Value: 10000000000000, Difficulty: 100,
	}

	result, err := calc.Calculate(context.Background(), block)
	if err != nil {
		t.Fatalf("Calculate with anchor override failed: %v", err)
	}
	if result.Total != 200 {
		t.Errorf("total = %f, want 200 from anchored walk", result.Total)
	}
}
