package payout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	gocache "github.com/patrickmn/go-cache"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/rpc"
	"github.com/monero-pool/block-manager/internal/storage"
)

type fakeDaemon struct {
	tip     *rpc.BlockHeader
	tipErr  error
	headers map[string]*rpc.BlockHeader
	errs    map[string]error
}

func (d *fakeDaemon) GetLastBlockHeader(ctx context.Context) (*rpc.BlockHeader, error) {
	if d.tipErr != nil {
		return nil, d.tipErr
	}
	return d.tip, nil
}

func (d *fakeDaemon) GetBlockHeaderByHash(ctx context.Context, hash string) (*rpc.BlockHeader, error) {
	if err, ok := d.errs[hash]; ok {
		return nil, err
	}
	if h, ok := d.headers[hash]; ok {
		return h, nil
	}
	return nil, &rpc.RPCError{Code: -1, Message: "Internal error: can't get block by hash"}
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) AdminAlert(subject, body string) {
	a.mu.Lock()
	a.subjects = append(a.subjects, subject)
	a.mu.Unlock()
}

func (a *recordingAlerter) alerted(subject string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.subjects {
		if strings.Contains(s, subject) {
			return true
		}
	}
	return false
}

func newTestUnlocker(t *testing.T, cfg *config.Config, store *storage.SQLStore,
	l *ledger.Ledger, writer *BalanceWriter, daemon rpc.HeaderSource,
	alerter *recordingAlerter) *Unlocker {
	t.Helper()
	return NewUnlocker(cfg, store, nil, l, writer, daemon, alerter, nil)
}

func pplnsTestBlock() *storage.PendingBlock {
	return &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPLNS,
		Value: 10000000000000, Difficulty: 100, FoundAt: 1700000000,
	}
}

// A block shallower than the minimum depth ends the walk with nothing
// touched, not even the pre-calculation.
func TestUnlockerShallowBlockUntouched(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 200)

	block := pplnsTestBlock()
	if err := store.InsertBlock(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{tip: &rpc.BlockHeader{Height: 1004}}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	if err := u.unlockChain(context.Background(), storage.MainChain, daemon); err != nil {
		t.Fatalf("unlock pass failed: %v", err)
	}

	pending, err := store.GetValidLockedBlocks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].PayReady {
		t.Errorf("shallow block mutated: %+v", pending)
	}
	rows, _ := store.GetBlockBalances(context.Background(), block.Hash)
	if len(rows) != 0 {
		t.Errorf("shallow block produced %d block balance rows", len(rows))
	}
	if sum, _ := store.SumBalances(context.Background()); sum != 0 {
		t.Errorf("shallow block credited %d", sum)
	}
}

// The daemon not knowing the hash means the block fell off the chain: it is
// invalidated, alerted and never paid.
func TestUnlockerOrphanInvalidated(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)

	block := pplnsTestBlock()
	if err := store.InsertBlock(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{tip: &rpc.BlockHeader{Height: 1010}}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	if err := u.unlockChain(context.Background(), storage.MainChain, daemon); err != nil {
		t.Fatalf("unlock pass failed: %v", err)
	}

	pending, err := store.GetValidLockedBlocks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("orphaned block still pending: %+v", pending)
	}
	if sum, _ := store.SumBalances(context.Background()); sum != 0 {
		t.Errorf("orphaned block credited %d", sum)
	}
	if !alerter.alerted("orphaned") {
		t.Error("no orphan alert sent")
	}
}

// Full PPLNS lifecycle over two passes: the first shapes the reward into
// block balances and marks the block pay ready, the second converts the
// fractions into balance credits and unlocks the block.
func TestUnlockerPPLNSTwoPassFlow(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 150)
	writeShare(t, l, 999, "44miner2", ledger.PoolTypePPLNS, 50)

	block := pplnsTestBlock()
	if err := store.InsertBlock(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1010},
		headers: map[string]*rpc.BlockHeader{
			"aaa": {Hash: "aaa", Height: 1000, Reward: 10000000000000, Difficulty: 100, Depth: 10},
		},
	}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	var gotCycle *storage.PayoutCycle
	u.SetCycleHook(func(cycle *storage.PayoutCycle) { gotCycle = cycle })

	// Pass one: pre-calculation only, no money moves yet.
	if err := u.unlockChain(context.Background(), storage.MainChain, daemon); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	rows, err := store.GetBlockBalances(context.Background(), block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	fractions := make(map[string]float64)
	for _, row := range rows {
		fractions[row.PaymentAddress] = row.Amount
	}
	if fractions["44miner1"] != 0.7425 {
		t.Errorf("miner1 fraction = %v, want 0.7425", fractions["44miner1"])
	}
	if fractions["44miner2"] != 0.2475 {
		t.Errorf("miner2 fraction = %v, want 0.2475", fractions["44miner2"])
	}
	if fractions["fee"] != 0.01 {
		t.Errorf("fee fraction = %v, want 0.01", fractions["fee"])
	}
	if sum, _ := store.SumBalances(context.Background()); sum != 0 {
		t.Errorf("first pass credited %d before maturity payout", sum)
	}

	pending, _ := store.GetValidLockedBlocks(context.Background())
	if len(pending) != 1 || !pending[0].PayReady {
		t.Fatalf("block not pay ready after first pass: %+v", pending)
	}

	// Pass two: pay ready and deep enough, credits land and the block leaves
	// the pending set.
	if err := u.unlockChain(context.Background(), storage.MainChain, daemon); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	ctx := context.Background()
	wantCredits := map[string]int64{
		"44miner1": 7425000000000,
		"44miner2": 2475000000000,
		"fee":      100000000000,
	}
	for addr, want := range wantCredits {
		poolType := ledger.PoolTypePPLNS
		if addr == "fee" {
			poolType = ledger.PoolTypeFees
		}
		id, found, err := store.LookupAccount(ctx, storage.AccountKey{
			PaymentAddress: addr, PoolType: poolType,
		})
		if err != nil || !found {
			t.Fatalf("no balance account for %s: found=%v err=%v", addr, found, err)
		}
		acct, err := store.GetAccount(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if acct.Amount != want {
			t.Errorf("%s credited %d, want %d", addr, acct.Amount, want)
		}
	}
	if sum, _ := store.SumBalances(ctx); sum != 10000000000000 {
		t.Errorf("total credited = %d, want the full reward", sum)
	}

	pending, _ = store.GetValidLockedBlocks(ctx)
	if len(pending) != 0 {
		t.Errorf("paid block still pending: %+v", pending)
	}

	if gotCycle == nil {
		t.Fatal("cycle hook not invoked")
	}
	if gotCycle.BlockHash != "aaa" || gotCycle.TotalPayments != 10000000000000 {
		t.Errorf("cycle = %+v", gotCycle)
	}
	if gotCycle.PayWindow != 200 {
		t.Errorf("cycle pay window = %f, want 200 from pre-calculation", gotCycle.PayWindow)
	}
	if gotCycle.Corrected {
		t.Error("cycle marked corrected for an exactly filled window")
	}
}

// A pay-ready block below the payment depth is left alone: no second
// calculation, no credits.
func TestUnlockerPayReadyWaitsForDepth(t *testing.T) {
	cfg := testConfig()
	cfg.Payout.BlocksRequired = 10
	store := newTestStore(t)
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 200)

	block := pplnsTestBlock()
	if err := store.InsertBlock(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1007},
		headers: map[string]*rpc.BlockHeader{
			"aaa": {Hash: "aaa", Height: 1000, Reward: 10000000000000, Difficulty: 100, Depth: 7},
		},
	}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	for pass := 0; pass < 2; pass++ {
		if err := u.unlockChain(context.Background(), storage.MainChain, daemon); err != nil {
			t.Fatalf("pass %d failed: %v", pass, err)
		}
	}

	rows, err := store.GetBlockBalances(context.Background(), block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("got %d block balance rows, want 2 from a single calculation", len(rows))
	}
	if sum, _ := store.SumBalances(context.Background()); sum != 0 {
		t.Errorf("immature block credited %d", sum)
	}
	pending, _ := store.GetValidLockedBlocks(context.Background())
	if len(pending) != 1 || !pending[0].PayReady {
		t.Errorf("block should stay pending and pay ready: %+v", pending)
	}
}

// The stored block and the daemon header must agree exactly before payment.
func TestUnlockerHeaderMismatch(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner1", ledger.PoolTypePPLNS, 200)

	block := pplnsTestBlock()
	if err := store.InsertBlock(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1010},
		headers: map[string]*rpc.BlockHeader{
			// Daemon disagrees on the reward.
			"aaa": {Hash: "aaa", Height: 1000, Reward: 9999999999999, Difficulty: 100, Depth: 10},
		},
	}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	for pass := 0; pass < 2; pass++ {
		if err := u.unlockChain(context.Background(), storage.MainChain, daemon); err != nil {
			t.Fatalf("pass %d failed: %v", pass, err)
		}
	}

	if sum, _ := store.SumBalances(context.Background()); sum != 0 {
		t.Errorf("mismatched block credited %d", sum)
	}
	pending, _ := store.GetValidLockedBlocks(context.Background())
	if len(pending) != 1 {
		t.Errorf("mismatched block left the pending set: %+v", pending)
	}
	if !alerter.alerted("mismatch") {
		t.Error("no mismatch alert sent")
	}
}

// When crediting provably does not reach the balance table, the unlocker
// latches a full stop instead of unlocking an unpaid block.
func TestUnlockerFullStopLatch(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)

	block := pplnsTestBlock()
	ctx := context.Background()
	if err := store.InsertBlock(ctx, block); err != nil {
		t.Fatal(err)
	}
	for addr, f := range map[string]float64{"44miner1": 0.99, "fee": 0.01} {
		if _, err := store.UpsertBlockBalance(ctx, &storage.BlockBalance{
			Hash: block.Hash, PaymentAddress: addr, Amount: f,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.PayReadyBlock(ctx, block.Hash); err != nil {
		t.Fatal(err)
	}

	// The writer's store is closed underneath it, so every balance increment
	// fails while the unlocker's own reads keep working. Account ids are
	// seeded so the credits fail at the increment, not at account creation.
	brokenStore, err := storage.NewSQLStore("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	brokenStore.Close()
	writer := NewBalanceWriter(brokenStore)
	defer writer.Close()
	writer.ids.Set(storage.AccountKey{PaymentAddress: "44miner1", PoolType: ledger.PoolTypePPLNS}.CacheKey(),
		int64(1), gocache.NoExpiration)
	writer.ids.Set(storage.AccountKey{PaymentAddress: "fee", PoolType: ledger.PoolTypeFees}.CacheKey(),
		int64(2), gocache.NoExpiration)

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1010},
		headers: map[string]*rpc.BlockHeader{
			"aaa": {Hash: "aaa", Height: 1000, Reward: 10000000000000, Difficulty: 100, Depth: 10},
		},
	}
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	if err := u.unlockChain(ctx, storage.MainChain, daemon); err != nil {
		t.Fatalf("unlock pass failed: %v", err)
	}

	if !u.FullStopped() {
		t.Fatal("full stop not latched after silent credit failure")
	}
	pending, _ := store.GetValidLockedBlocks(ctx)
	if len(pending) != 1 {
		t.Errorf("block unlocked despite failed crediting: %+v", pending)
	}
	if !alerter.alerted("full stop") {
		t.Error("no full stop alert sent")
	}

	// The latch refuses any further payment attempt.
	if err := u.unlockChain(ctx, storage.MainChain, daemon); err != nil {
		t.Fatalf("latched pass errored: %v", err)
	}
	if sum, _ := store.SumBalances(ctx); sum != 0 {
		t.Errorf("latched unlocker credited %d", sum)
	}
}

// A block whose window holds no shares at all is alerted and recalculated
// anchored at the chain tip, where the live shares are.
func TestUnlockerZeroShareRedo(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)
	// Shares exist only at the tip, far above the block's own height.
	writeShare(t, l, 1010, "44miner1", ledger.PoolTypePPLNS, 150)
	writeShare(t, l, 1009, "44miner2", ledger.PoolTypePPLNS, 50)

	block := pplnsTestBlock()
	ctx := context.Background()
	if err := store.InsertBlock(ctx, block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1010},
		headers: map[string]*rpc.BlockHeader{
			"aaa": {Hash: "aaa", Height: 1000, Reward: 10000000000000, Difficulty: 100, Depth: 10},
		},
	}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	if err := u.unlockChain(ctx, storage.MainChain, daemon); err != nil {
		t.Fatalf("unlock pass failed: %v", err)
	}

	if !alerter.alerted("No shares") {
		t.Error("no zero-share alert sent")
	}

	rows, err := store.GetBlockBalances(ctx, block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	fractions := make(map[string]float64)
	for _, row := range rows {
		fractions[row.PaymentAddress] = row.Amount
	}
	if fractions["44miner1"] != 0.7425 || fractions["44miner2"] != 0.2475 {
		t.Errorf("redone fractions = %v, want 0.7425/0.2475 from the tip-anchored window", fractions)
	}

	pending, _ := store.GetValidLockedBlocks(ctx)
	if len(pending) != 1 || !pending[0].PayReady {
		t.Errorf("block not pay ready after redone calculation: %+v", pending)
	}
}

func TestUnlockerPPSPayout(t *testing.T) {
	cfg := testConfig()
	cfg.PPS.Enabled = true
	store := newTestStore(t)
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner", ledger.PoolTypePPS, 100)

	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPS,
		Value: 10000000000000, Difficulty: 100, FoundAt: 1700000000,
	}
	ctx := context.Background()
	if err := store.InsertBlock(ctx, block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1010},
		headers: map[string]*rpc.BlockHeader{
			"aaa": {Hash: "aaa", Height: 1000, Reward: 10000000000000, Difficulty: 100, Depth: 10},
		},
	}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	if err := u.unlockChain(ctx, storage.MainChain, daemon); err != nil {
		t.Fatalf("unlock pass failed: %v", err)
	}

	// gross 10e12, 2% fee: miner keeps 9.8e12, the fee address gets 2e11.
	wantCredits := map[string]int64{
		"44miner": 9800000000000,
		"fee":     200000000000,
	}
	for addr, want := range wantCredits {
		poolType := ledger.PoolTypePPS
		if addr == "fee" {
			poolType = ledger.PoolTypeFees
		}
		id, found, err := store.LookupAccount(ctx, storage.AccountKey{
			PaymentAddress: addr, PoolType: poolType,
		})
		if err != nil || !found {
			t.Fatalf("no balance account for %s: found=%v err=%v", addr, found, err)
		}
		acct, err := store.GetAccount(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if acct.Amount != want {
			t.Errorf("%s credited %d, want %d", addr, acct.Amount, want)
		}
	}

	pending, _ := store.GetValidLockedBlocks(ctx)
	if len(pending) != 0 {
		t.Errorf("paid block still pending: %+v", pending)
	}
}

func TestUnlockerPPSDisabled(t *testing.T) {
	cfg := testConfig()
	store := newTestStore(t)
	l := testLedger(t)
	writeShare(t, l, 1000, "44miner", ledger.PoolTypePPS, 100)

	block := &storage.PendingBlock{
		Hash: "aaa", Height: 1000, PoolType: ledger.PoolTypePPS,
		Value: 10000000000000, Difficulty: 100, FoundAt: 1700000000,
	}
	ctx := context.Background()
	if err := store.InsertBlock(ctx, block); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{
		tip: &rpc.BlockHeader{Height: 1010},
		headers: map[string]*rpc.BlockHeader{
			"aaa": {Hash: "aaa", Height: 1000, Reward: 10000000000000, Difficulty: 100, Depth: 10},
		},
	}
	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, daemon, alerter)

	if err := u.unlockChain(ctx, storage.MainChain, daemon); err != nil {
		t.Fatalf("unlock pass failed: %v", err)
	}

	if sum, _ := store.SumBalances(ctx); sum != 0 {
		t.Errorf("disabled PPS credited %d", sum)
	}
	pending, _ := store.GetValidLockedBlocks(ctx)
	if len(pending) != 1 || pending[0].Unlocked {
		t.Errorf("disabled PPS block should stay pending: %+v", pending)
	}
}

// One aux chain's daemon failing must not keep the other chains from being
// processed; the failed chain is simply retried next tick.
func TestUnlockerAuxChainIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.Aux = []config.AuxChain{
		{ID: "tari", DaemonURL: "http://tari:18102/json_rpc"},
		{ID: "doge", DaemonURL: "http://doge:22555/json_rpc"},
	}
	store := newTestStore(t)
	l := testLedger(t)

	ctx := context.Background()
	for _, b := range []*storage.PendingBlock{
		{Hash: "t1", Chain: "tari", Height: 500, PoolType: ledger.PoolTypePPLNS, Value: 900, Difficulty: 100},
		{Hash: "d1", Chain: "doge", Height: 500, PoolType: ledger.PoolTypePPLNS, Value: 900, Difficulty: 100},
	} {
		if err := store.InsertBlock(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	writer := NewBalanceWriter(store)
	defer writer.Close()
	alerter := &recordingAlerter{}
	u := newTestUnlocker(t, cfg, store, l, writer, &fakeDaemon{}, alerter)

	// tari's daemon is down; doge's daemon no longer knows its block.
	u.auxDaemons = map[string]rpc.HeaderSource{
		"tari": &fakeDaemon{tipErr: errors.New("connection refused")},
		"doge": &fakeDaemon{tip: &rpc.BlockHeader{Height: 510}},
	}

	u.auxPass(ctx, nil)

	tari, err := store.GetValidLockedAltBlocks(ctx, "tari")
	if err != nil {
		t.Fatal(err)
	}
	if len(tari) != 1 {
		t.Errorf("unreachable chain's block mutated: %+v", tari)
	}

	doge, err := store.GetValidLockedAltBlocks(ctx, "doge")
	if err != nil {
		t.Fatal(err)
	}
	if len(doge) != 0 {
		t.Errorf("reachable chain not processed: %+v", doge)
	}
	if !alerter.alerted("orphaned") {
		t.Error("no orphan alert for the reachable chain")
	}
}
