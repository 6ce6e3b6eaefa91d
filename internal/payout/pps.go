package payout

import (
	"context"
	"math"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// PPSCalculator pays each share its exact expected value against the found
// block: floor(rawShares / blockDifficulty * blockReward), minus fees. Only
// the block's own share height is scanned.
type PPSCalculator struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewPPSCalculator creates a PPS calculator
func NewPPSCalculator(cfg *config.Config, l *ledger.Ledger) *PPSCalculator {
	return &PPSCalculator{cfg: cfg, ledger: l}
}

// Calculate produces absolute atomic-unit payouts for every PPS share at
// the block's height. Integer floor arithmetic throughout, so miner amount
// plus fees always equals the gross share value exactly.
func (c *PPSCalculator) Calculate(ctx context.Context, block *storage.PendingBlock) (*Result, error) {
	pc := &c.cfg.Payout
	set := NewPayoutSet(pc.FeeAddress, pc.CoinDevAddress, pc.PoolDevAddress)

	shares := 0
	var addErr error
	err := c.ledger.SharesAt(block.Anchor(), func(s *ledger.Share) bool {
		shares++
		if s.PoolType != ledger.PoolTypePPS {
			return true
		}

		gross := uint64(math.Floor(float64(s.RawShares) / float64(block.Difficulty) * float64(block.Value)))
		if gross == 0 {
			return true
		}

		fees := util.FloorPercent(gross, pc.PPSFee)
		if s.Bitcoin {
			fees += util.FloorPercent(gross, pc.BTCFee)
		}

		if addErr = set.Add(s.PaymentAddress, s.PaymentID, ledger.PoolTypePPS, s.Bitcoin, s.SourceCoin, float64(gross-fees)); addErr != nil {
			return false
		}
		if addErr = splitFees(set, pc, fees); addErr != nil {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if addErr != nil {
		return nil, addErr
	}
	if shares == 0 {
		return nil, ErrNoShares
	}

	return &Result{
		Payouts: set.Freeze(),
		Total:   set.Total(),
	}, nil
}
