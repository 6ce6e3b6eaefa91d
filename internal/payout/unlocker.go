package payout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apm "github.com/monero-pool/block-manager/internal/newrelic"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/notify"
	"github.com/monero-pool/block-manager/internal/rpc"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// Held while a payment run drains its credits. Generous so a slow store
// never lets a second process in early.
const paymentLockTTL = 10 * time.Minute

// Unlocker drives pending blocks from unconfirmed through pay-ready to
// paid. One instance owns the whole pipeline: it polls each chain's tip,
// invalidates orphans, triggers PPLNS pre-calculation, and performs the
// final balance crediting. All mutable run state lives here under a
// single-writer discipline enforced by the sequential poll loop.
type Unlocker struct {
	cfg         *config.Config
	store       *storage.SQLStore
	redis       *storage.RedisClient
	writer      *BalanceWriter
	daemon      rpc.HeaderSource
	auxDaemons  map[string]rpc.HeaderSource
	alerter     notify.Alerter
	agent       *apm.Agent
	calculators map[ledger.PoolType]Calculator

	mu                sync.Mutex
	paymentInProgress bool
	preCalc           map[string]struct{}
	outcomes          map[string]calcOutcome

	fullStop atomic.Bool

	onCycle func(*storage.PayoutCycle)
}

// NewUnlocker wires the unlocker state machine
func NewUnlocker(cfg *config.Config, store *storage.SQLStore, redis *storage.RedisClient,
	l *ledger.Ledger, writer *BalanceWriter, daemon rpc.HeaderSource,
	alerter notify.Alerter, agent *apm.Agent) *Unlocker {

	return &Unlocker{
		cfg:         cfg,
		store:       store,
		redis:       redis,
		writer:      writer,
		daemon:      daemon,
		auxDaemons:  buildAuxDaemons(cfg.Aux),
		alerter:     alerter,
		agent:       agent,
		calculators: Calculators(cfg, l),
		preCalc:     make(map[string]struct{}),
		outcomes:    make(map[string]calcOutcome),
	}
}

// SetCycleHook registers a callback invoked after each completed payout
// cycle, in addition to the redis history record.
func (u *Unlocker) SetCycleHook(fn func(*storage.PayoutCycle)) {
	u.onCycle = fn
}

// FullStopped reports whether the fail-safe latch tripped. Once set, no
// further balance increments happen until the process restarts.
func (u *Unlocker) FullStopped() bool {
	return u.fullStop.Load()
}

// Run executes the poll loop until ctx is cancelled. Cycles never overlap:
// each one completes, including queued writes it triggered, before the next
// interval starts.
func (u *Unlocker) Run(ctx context.Context) {
	util.Infof("Block unlocker started, interval %s, depth required %d",
		u.cfg.Unlocker.Interval, u.cfg.Payout.BlocksRequired)

	ticker := time.NewTicker(u.cfg.Unlocker.Interval)
	defer ticker.Stop()

	for {
		u.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle runs one unlock pass over the main chain and every aux chain. A
// failing pass is logged and retried next tick; it never takes down the
// loop.
func (u *Unlocker) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			util.Errorf("Unlocker cycle panicked: %v", r)
		}
	}()

	txn := u.agent.StartTransaction("unlocker_cycle")
	defer txn.End()

	if err := u.unlockChain(ctx, storage.MainChain, u.daemon); err != nil {
		util.Errorf("Unlock pass failed for main chain: %v", err)
		txn.NoticeError(err)
	}
	u.auxPass(ctx, txn)

	if u.redis != nil {
		if err := u.redis.TouchUnlockerTick(); err != nil {
			util.Warnf("Failed to record unlocker tick: %v", err)
		}
	}
}

// unlockChain walks one chain's pending blocks, height ascending. Blocks
// shallower than the minimum depth end the walk: everything after them is
// shallower still.
func (u *Unlocker) unlockChain(ctx context.Context, chain string, daemon rpc.HeaderSource) error {
	tip, err := daemon.GetLastBlockHeader(ctx)
	if err != nil {
		return fmt.Errorf("chain tip: %w", err)
	}

	blocks, err := u.pendingBlocks(ctx, chain)
	if err != nil {
		return fmt.Errorf("pending blocks: %w", err)
	}

	for _, b := range blocks {
		if tip.Height < b.Height {
			break
		}
		depth := tip.Height - b.Height
		if depth < u.cfg.Unlocker.MinDepth {
			break
		}

		header, err := daemon.GetBlockHeaderByHash(ctx, b.Hash)
		if rpc.IsBlockNotFound(err) {
			u.orphanBlock(ctx, chain, b)
			continue
		}
		if err != nil {
			// Unexpected daemon failure: abort the whole pass, retry next tick.
			return fmt.Errorf("header for block %s: %w", b.Hash, err)
		}
		if header.OrphanStatus {
			u.orphanBlock(ctx, chain, b)
			continue
		}

		if b.PoolType == ledger.PoolTypePPLNS && !b.PayReady {
			// Shape the reward early; crediting waits for a later tick.
			u.preCalculate(ctx, chain, b, tip)
			continue
		}

		// PPS payouts disabled; leave the block pending.
		if b.PoolType == ledger.PoolTypePPS && !u.cfg.PPS.Enabled {
			continue
		}

		if depth < u.cfg.Payout.BlocksRequired {
			continue
		}

		if err := u.payBlock(ctx, chain, b, header); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unlocker) orphanBlock(ctx context.Context, chain string, b *storage.PendingBlock) {
	util.Warnf("Block %s at height %d orphaned, invalidating", b.Hash, b.Height)
	if err := u.invalidate(ctx, chain, b.Height); err != nil {
		util.Errorf("Failed to invalidate block %s: %v", b.Hash, err)
		return
	}

	u.mu.Lock()
	delete(u.outcomes, chain+"|"+b.Hash)
	u.mu.Unlock()

	u.agent.RecordBlockOrphaned(chain, b.Hash, b.Height)
	u.alerter.AdminAlert("Block orphaned",
		fmt.Sprintf("Block %s at height %d is no longer on the chain and was invalidated.", b.Hash, b.Height))
}

// preCalculate runs the PPLNS calculator for a block, flushes the resulting
// fractions to the block-balance table and marks the block pay-ready. A
// block hash already mid-calculation is skipped, not recomputed. A window
// with no shares at all is redone anchored at the chain tip.
func (u *Unlocker) preCalculate(ctx context.Context, chain string, b *storage.PendingBlock, tip *rpc.BlockHeader) {
	key := chain + "|" + b.Hash

	u.mu.Lock()
	if _, busy := u.preCalc[key]; busy {
		u.mu.Unlock()
		return
	}
	u.preCalc[key] = struct{}{}
	u.mu.Unlock()

	release := func() {
		u.mu.Lock()
		delete(u.preCalc, key)
		u.mu.Unlock()
	}

	result, err := u.calculators[ledger.PoolTypePPLNS].Calculate(ctx, b)
	if errors.Is(err, ErrNoShares) {
		util.Warnf("Block %s at height %d has no shares in its window, redoing from top height %d",
			b.Hash, b.Height, tip.Height)
		u.alerter.AdminAlert("No shares to pay block",
			fmt.Sprintf("Block %s at height %d had no shares in its window. The calculation was redone anchored at top height %d.",
				b.Hash, b.Height, tip.Height))
		redo := *b
		redo.AnchorHeight = tip.Height
		result, err = u.calculators[ledger.PoolTypePPLNS].Calculate(ctx, &redo)
	}
	if err != nil {
		release()
		util.Errorf("PPLNS calculation failed for block %s: %v", b.Hash, err)
		return
	}

	if result.Corrected {
		util.Warnf("Pay window corrected for block %s: realized weight %.4f against window %.0f",
			b.Hash, result.Total, float64(b.Difficulty)*u.cfg.PPLNS.ShareMulti)
		u.alerter.AdminAlert("Pay window corrected",
			fmt.Sprintf("Block %s at height %d had insufficient shares in its window. Payouts were scaled to the realized total %.4f.",
				b.Hash, b.Height, result.Total))
	}

	if dir := u.cfg.PPLNS.DumpDir; dir != "" {
		if err := writeShareDump(dir, b, result); err != nil {
			util.Errorf("Share dump failed for block %s: %v", b.Hash, err)
			u.alerter.AdminAlert("Share dump failed",
				fmt.Sprintf("Could not write the share window dump for block %s: %v", b.Hash, err))
		}
	}

	var failed atomic.Bool
	for _, p := range result.Payouts {
		if p.Amount <= 0 {
			continue
		}
		u.writer.PushBlockBalance(&storage.BlockBalance{
			Hash:           b.Hash,
			PaymentAddress: p.PaymentAddress,
			PaymentID:      p.PaymentID,
			Coin:           p.Coin,
			Amount:         p.Amount / result.PayWindow,
		}, func(ok bool) {
			if !ok {
				failed.Store(true)
			}
		})
	}
	u.writer.DrainBlockBalances()
	if failed.Load() {
		release()
		util.Errorf("Block balance batch failed for block %s, retrying next cycle", b.Hash)
		return
	}

	if u.redis != nil && chain == storage.MainChain {
		if err := u.redis.SetPPLNSPortShares(result.PortShares); err != nil {
			util.Warnf("Failed to cache PPLNS port shares: %v", err)
		}
		if err := u.redis.SetPPLNSWindowTime(result.WindowSeconds); err != nil {
			util.Warnf("Failed to cache PPLNS window time: %v", err)
		}
	}

	affected, err := u.payReady(ctx, chain, b.Hash)
	if err != nil {
		release()
		util.Errorf("Failed to mark block %s pay ready: %v", b.Hash, err)
		return
	}
	if affected != 1 {
		util.Warnf("Marking block %s pay ready touched %d rows", b.Hash, affected)
	}

	u.mu.Lock()
	u.outcomes[key] = calcOutcome{payWindow: result.PayWindow, corrected: result.Corrected}
	u.mu.Unlock()

	b.PayReady = true
	util.Infof("Block %s at height %d is pay ready, %d payout entries over window %.0f",
		b.Hash, b.Height, len(result.Payouts), result.PayWindow)
}

type credit struct {
	key    storage.AccountKey
	amount int64
}

// calcOutcome carries the window figures from pre-calculation to the payment
// run that reports them. Lost on restart; the cycle record then omits them.
type calcOutcome struct {
	payWindow float64
	corrected bool
}

// payBlock performs the final crediting for one matured block. Only one
// payment run may be in flight process-wide; overlapping ticks skip rather
// than queue.
func (u *Unlocker) payBlock(ctx context.Context, chain string, b *storage.PendingBlock, header *rpc.BlockHeader) error {
	u.mu.Lock()
	if u.paymentInProgress {
		u.mu.Unlock()
		util.Debugf("Payment already in progress, skipping block %s this tick", b.Hash)
		return nil
	}
	u.paymentInProgress = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.paymentInProgress = false
		u.mu.Unlock()
	}()

	if u.fullStop.Load() {
		util.Errorf("Full stop latched, refusing to pay block %s", b.Hash)
		return nil
	}

	// The stored block and the live chain must agree before any value moves.
	if header.Height != b.Height || header.Reward != b.Value || header.Difficulty != b.Difficulty {
		util.Errorf("Header mismatch for block %s: stored height=%d reward=%d difficulty=%d, daemon height=%d reward=%d difficulty=%d",
			b.Hash, b.Height, b.Value, b.Difficulty, header.Height, header.Reward, header.Difficulty)
		u.alerter.AdminAlert("Block header mismatch",
			fmt.Sprintf("Block %s disagrees with the daemon on height, reward or difficulty. Payment aborted, block left pending for review.", b.Hash))
		return nil
	}

	if u.redis != nil {
		lockID := uuid.NewString()
		locked, err := u.redis.LockPayouts(lockID, paymentLockTTL)
		if err != nil {
			return fmt.Errorf("payout lock: %w", err)
		}
		if !locked {
			util.Warn("Payout lock held by another process, skipping this tick")
			return nil
		}
		defer func() {
			if err := u.redis.UnlockPayouts(lockID); err != nil {
				util.Errorf("Failed to release payout lock: %v", err)
			}
		}()
	}

	prevSum, err := u.store.SumBalances(ctx)
	if err != nil {
		return fmt.Errorf("balance sum: %w", err)
	}

	credits, err := u.blockCredits(ctx, b)
	if err != nil {
		if errors.Is(err, ErrNoShares) {
			util.Warnf("Block %s at height %d has no shares yet, retrying next cycle", b.Hash, b.Height)
			u.alerter.AdminAlert("Block needs recalculation",
				fmt.Sprintf("Block %s at height %d has no share records yet. Reward calculation will be retried.", b.Hash, b.Height))
			return nil
		}
		return err
	}

	var total uint64
	for _, cr := range credits {
		u.writer.PushCredit(cr.key, cr.amount)
		total += uint64(cr.amount)
	}
	u.writer.Drain()

	if total > 0 {
		newSum, err := u.store.SumBalances(ctx)
		if err != nil {
			return fmt.Errorf("balance sum: %w", err)
		}
		if newSum == prevSum {
			u.fullStop.Store(true)
			util.Errorf("Balance sum unchanged after crediting block %s, full stop latched", b.Hash)
			u.alerter.AdminAlert("Payout full stop",
				fmt.Sprintf("The balance ledger did not change after crediting block %s. All further payouts are halted until operator restart.", b.Hash))
			return nil
		}
	}

	unlocked, err := u.unlock(ctx, chain, b.Hash)
	if err != nil {
		return fmt.Errorf("unlock block %s: %w", b.Hash, err)
	}
	if !unlocked {
		util.Warnf("Block %s was not marked paid", b.Hash)
	}

	percent := 0.0
	if b.Value > 0 {
		percent = float64(total) / float64(b.Value) * 100
	}

	u.mu.Lock()
	outcome := u.outcomes[chain+"|"+b.Hash]
	delete(u.outcomes, chain+"|"+b.Hash)
	u.mu.Unlock()

	cycle := &storage.PayoutCycle{
		Chain:         chain,
		BlockHash:     b.Hash,
		Height:        b.Height,
		PoolType:      b.PoolType,
		TotalPayments: float64(total),
		PayWindow:     outcome.payWindow,
		Percent:       percent,
		Corrected:     outcome.corrected,
		CompletedAt:   time.Now().Unix(),
	}
	if u.redis != nil {
		if err := u.redis.RecordPayoutCycle(cycle); err != nil {
			util.Warnf("Failed to record payout cycle: %v", err)
		}
	}
	u.agent.RecordPayoutCycle(cycle)
	if u.onCycle != nil {
		u.onCycle(cycle)
	}

	util.Infof("Paid block %s at height %d: %s credited across %d recipients (%.2f%% of reward)",
		b.Hash, b.Height, util.FormatCoin(total), len(credits), percent)
	return nil
}

// blockCredits materializes the absolute atomic-unit credits for a block.
// PPLNS converts the stored fractions against the block's value; PPS and
// SOLO calculate absolute amounts directly.
func (u *Unlocker) blockCredits(ctx context.Context, b *storage.PendingBlock) ([]credit, error) {
	switch b.PoolType {
	case ledger.PoolTypePPLNS:
		rows, err := u.store.GetBlockBalances(ctx, b.Hash)
		if err != nil {
			return nil, fmt.Errorf("block balances: %w", err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("block %s is pay ready but has no block balances", b.Hash)
		}
		credits := make([]credit, 0, len(rows))
		for _, row := range rows {
			amount := int64(math.Floor(row.Amount * float64(b.Value)))
			if amount <= 0 {
				continue
			}
			poolType := ledger.PoolTypePPLNS
			if row.PaymentID == "" && u.isFeeAddress(row.PaymentAddress) {
				poolType = ledger.PoolTypeFees
			}
			credits = append(credits, credit{
				key: storage.AccountKey{
					PaymentAddress: row.PaymentAddress,
					PaymentID:      row.PaymentID,
					PoolType:       poolType,
					Coin:           row.Coin,
				},
				amount: amount,
			})
		}
		return credits, nil

	case ledger.PoolTypePPS, ledger.PoolTypeSolo:
		result, err := u.calculators[b.PoolType].Calculate(ctx, b)
		if err != nil {
			return nil, err
		}
		credits := make([]credit, 0, len(result.Payouts))
		for _, p := range result.Payouts {
			amount := int64(math.Floor(p.Amount))
			if amount <= 0 {
				continue
			}
			credits = append(credits, credit{
				key: storage.AccountKey{
					PaymentAddress: p.PaymentAddress,
					PaymentID:      p.PaymentID,
					PoolType:       p.PoolType,
					Bitcoin:        p.Bitcoin,
					Coin:           p.Coin,
				},
				amount: amount,
			})
		}
		return credits, nil
	}

	return nil, fmt.Errorf("block %s has unknown pool type %q", b.Hash, b.PoolType)
}

func (u *Unlocker) isFeeAddress(addr string) bool {
	pc := &u.cfg.Payout
	return addr == pc.FeeAddress || addr == pc.CoinDevAddress || addr == pc.PoolDevAddress
}

func (u *Unlocker) pendingBlocks(ctx context.Context, chain string) ([]*storage.PendingBlock, error) {
	if chain == storage.MainChain {
		return u.store.GetValidLockedBlocks(ctx)
	}
	return u.store.GetValidLockedAltBlocks(ctx, chain)
}

func (u *Unlocker) payReady(ctx context.Context, chain, hash string) (int64, error) {
	if chain == storage.MainChain {
		return u.store.PayReadyBlock(ctx, hash)
	}
	return u.store.PayReadyAltBlock(ctx, chain, hash)
}

func (u *Unlocker) unlock(ctx context.Context, chain, hash string) (bool, error) {
	if chain == storage.MainChain {
		return u.store.UnlockBlock(ctx, hash)
	}
	return u.store.UnlockAltBlock(ctx, chain, hash)
}

func (u *Unlocker) invalidate(ctx context.Context, chain string, height uint64) error {
	if chain == storage.MainChain {
		return u.store.InvalidateBlock(ctx, height)
	}
	return u.store.InvalidateAltBlock(ctx, chain, height)
}
