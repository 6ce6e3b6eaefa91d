package payout

import (
	"context"
	"math"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/storage"
)

// Realized window deviation beyond this ratio triggers the pay-window
// correction.
const windowTolerance = 0.0001

// PPLNSCalculator spreads one block's reward over the last N difficulty
// units of contributed shares, N = blockDifficulty * shareMulti. Amounts are
// accumulated as share-weights and divided by PayWindow at flush time, so a
// block's reward shape is fixed before its value is applied.
type PPLNSCalculator struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewPPLNSCalculator creates a PPLNS calculator
func NewPPLNSCalculator(cfg *config.Config, l *ledger.Ledger) *PPLNSCalculator {
	return &PPLNSCalculator{cfg: cfg, ledger: l}
}

// rewardWindow accumulates share-weight into a payout set, capped at n.
// The increment that would overshoot the cap is clipped to the remaining
// headroom, then the window latches full.
type rewardWindow struct {
	set   *PayoutSet
	n     float64
	total float64
	full  bool
}

func (w *rewardWindow) add(address, paymentID string, poolType ledger.PoolType, bitcoin bool, coin string, delta float64) error {
	if delta == 0 || w.full {
		return nil
	}
	if w.total+delta >= w.n {
		delta = w.n - w.total
		w.full = true
	}
	if err := w.set.Add(address, paymentID, poolType, bitcoin, coin, delta); err != nil {
		return err
	}
	w.total += delta
	return nil
}

// Calculate walks the share ledger backward from the block's anchor height
// until the reward window fills or height reaches zero.
func (c *PPLNSCalculator) Calculate(ctx context.Context, block *storage.PendingBlock) (*Result, error) {
	pc := &c.cfg.Payout
	n := float64(block.Difficulty) * c.cfg.PPLNS.ShareMulti

	set := NewPayoutSet(pc.FeeAddress, pc.CoinDevAddress, pc.PoolDevAddress)
	window := &rewardWindow{set: set, n: n}

	startHeight := block.Anchor()
	portShares := make(map[int]float64)
	var firstSeen, lastSeen int64

	var addErr error
	for height := startHeight; !window.full; height-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := c.ledger.SharesAt(height, func(s *ledger.Share) bool {
			if s.PoolType != ledger.PoolTypePPLNS {
				return true
			}

			value := s.ShareValue
			feePct := pc.PPLNSFee
			if s.Bitcoin {
				feePct += pc.BTCFee
			}
			fees := value * feePct / 100
			devDonation := fees * pc.DevDonation / 100
			poolDevDonation := fees * pc.PoolDevDonation / 100

			// Credit order matters at the clip boundary: miner first, then the
			// pool fee residual, then the donations.
			if addErr = window.add(s.PaymentAddress, s.PaymentID, ledger.PoolTypePPLNS, s.Bitcoin, s.SourceCoin, value-fees); addErr != nil {
				return false
			}
			if addErr = window.add(pc.FeeAddress, "", ledger.PoolTypeFees, false, "", fees-devDonation-poolDevDonation); addErr != nil {
				return false
			}
			if addErr = window.add(pc.PoolDevAddress, "", ledger.PoolTypeFees, false, "", poolDevDonation); addErr != nil {
				return false
			}
			if addErr = window.add(pc.CoinDevAddress, "", ledger.PoolTypeFees, false, "", devDonation); addErr != nil {
				return false
			}

			portShares[s.Port] += value
			if firstSeen == 0 || s.Timestamp < firstSeen {
				firstSeen = s.Timestamp
			}
			if s.Timestamp > lastSeen {
				lastSeen = s.Timestamp
			}
			return !window.full
		})
		if err != nil {
			return nil, err
		}
		if addErr != nil {
			return nil, addErr
		}
		if height == 0 {
			break
		}
	}

	if window.total <= 0 {
		return nil, ErrNoShares
	}

	total := window.total
	payWindow := n
	corrected := false
	if math.Abs(total/n-1) > windowTolerance {
		// Not enough shares in the window. Pay out of the realized total so
		// fractions still sum to one.
		payWindow = total
		corrected = true
	}

	windowSeconds := 0.0
	if lastSeen > firstSeen {
		windowSeconds = float64(lastSeen - firstSeen)
	}

	return &Result{
		Payouts:       set.Freeze(),
		Total:         total,
		PayWindow:     payWindow,
		Corrected:     corrected,
		PortShares:    portShares,
		WindowSeconds: windowSeconds,
	}, nil
}
