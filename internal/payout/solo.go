package payout

import (
	"context"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// SoloCalculator pays the whole block reward, minus fees, to the miner whose
// share found the block.
type SoloCalculator struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewSoloCalculator creates a SOLO calculator
func NewSoloCalculator(cfg *config.Config, l *ledger.Ledger) *SoloCalculator {
	return &SoloCalculator{cfg: cfg, ledger: l}
}

// Calculate scans the block's own height for the winning share and credits
// the reward to its submitter.
func (c *SoloCalculator) Calculate(ctx context.Context, block *storage.PendingBlock) (*Result, error) {
	pc := &c.cfg.Payout
	set := NewPayoutSet(pc.FeeAddress, pc.CoinDevAddress, pc.PoolDevAddress)

	shares := 0
	var winner *ledger.Share
	err := c.ledger.SharesAt(block.Anchor(), func(s *ledger.Share) bool {
		shares++
		if s.PoolType == ledger.PoolTypeSolo && s.FoundBlock {
			winner = s
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if shares == 0 || winner == nil {
		return nil, ErrNoShares
	}

	reward := block.Value
	fees := util.FloorPercent(reward, pc.SoloFee)
	if winner.Bitcoin {
		fees += util.FloorPercent(reward, pc.BTCFee)
	}

	if err := set.Add(winner.PaymentAddress, winner.PaymentID, ledger.PoolTypeSolo, winner.Bitcoin, winner.SourceCoin, float64(reward-fees)); err != nil {
		return nil, err
	}
	if err := splitFees(set, pc, fees); err != nil {
		return nil, err
	}

	return &Result{
		Payouts: set.Freeze(),
		Total:   set.Total(),
	}, nil
}
