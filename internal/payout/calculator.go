package payout

import (
	"context"
	"errors"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// ErrNoShares is returned when a reward calculation finds no eligible share
// records. The ingestion path can lag the block record briefly; PPLNS runs
// are redone anchored at the chain tip, others retry on a later tick.
var ErrNoShares = errors.New("no eligible shares for block")

// Result is the outcome of one reward-calculation run. PPLNS results carry
// share-weights to be divided by PayWindow into fractions of one block
// reward; PPS and SOLO results carry absolute atomic units and leave
// PayWindow at zero.
type Result struct {
	Payouts   []*Payout
	Total     float64
	PayWindow float64
	Corrected bool

	// PPLNS window telemetry
	PortShares    map[int]float64
	WindowSeconds float64
}

// Calculator turns a pending block plus the share ledger into a payout set
type Calculator interface {
	Calculate(ctx context.Context, block *storage.PendingBlock) (*Result, error)
}

// Calculators builds the per-scheme calculator table
func Calculators(cfg *config.Config, l *ledger.Ledger) map[ledger.PoolType]Calculator {
	return map[ledger.PoolType]Calculator{
		ledger.PoolTypePPS:   NewPPSCalculator(cfg, l),
		ledger.PoolTypePPLNS: NewPPLNSCalculator(cfg, l),
		ledger.PoolTypeSolo:  NewSoloCalculator(cfg, l),
	}
}

// splitFees divides an integer fee amount into the coin-dev donation, the
// pool-dev donation, and the residual credited to the pool fee address.
// Donations floor, so the residual absorbs the rounding dust.
func splitFees(set *PayoutSet, cfg *config.PayoutConfig, fees uint64) error {
	devDonation := util.FloorPercent(fees, cfg.DevDonation)
	poolDevDonation := util.FloorPercent(fees, cfg.PoolDevDonation)
	residual := fees - devDonation - poolDevDonation

	if err := set.Add(cfg.CoinDevAddress, "", ledger.PoolTypeFees, false, "", float64(devDonation)); err != nil {
		return err
	}
	if err := set.Add(cfg.PoolDevAddress, "", ledger.PoolTypeFees, false, "", float64(poolDevDonation)); err != nil {
		return err
	}
	return set.Add(cfg.FeeAddress, "", ledger.PoolTypeFees, false, "", float64(residual))
}
