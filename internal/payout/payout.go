// Package payout implements the reward pipeline: the PPS, PPLNS and SOLO
// calculators, the payout accumulator, the balance write queues, and the
// block unlocker state machine that drives pending blocks from unconfirmed
// through pay-ready to paid.
package payout

import (
	"fmt"
	"math"
	"sort"

	"github.com/monero-pool/block-manager/internal/ledger"
)

// Payout accumulates one recipient's amount within a single calculation run.
// PPLNS runs accumulate share-weight (later rescaled to a fraction of one
// block reward); PPS and SOLO runs accumulate absolute atomic units.
type Payout struct {
	PaymentAddress string
	PaymentID      string
	PoolType       ledger.PoolType
	Bitcoin        bool
	Coin           string
	Amount         float64

	frozen bool
}

// Identifier returns the accumulator map key for this recipient
func (p *Payout) Identifier() string {
	if p.PaymentID != "" {
		return p.PaymentAddress + "." + p.PaymentID
	}
	return p.PaymentAddress
}

// AddAmount increases the accumulated amount. A non-finite or negative
// delta is a caller bug and fails the run it belongs to.
func (p *Payout) AddAmount(delta float64) error {
	if p.frozen {
		return fmt.Errorf("payout for %s is frozen", p.Identifier())
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return fmt.Errorf("non-numeric payout delta for %s", p.Identifier())
	}
	if delta < 0 {
		return fmt.Errorf("negative payout delta %f for %s", delta, p.Identifier())
	}
	p.Amount += delta
	return nil
}

// PayoutSet is the per-run accumulator map, keyed by recipient identifier.
// It is built up by one calculator run, frozen, flushed, and discarded.
type PayoutSet struct {
	entries map[string]*Payout
	frozen  bool
}

// NewPayoutSet creates an empty accumulator pre-seeded with the three fixed
// fee recipients at zero.
func NewPayoutSet(feeAddress, coinDevAddress, poolDevAddress string) *PayoutSet {
	ps := &PayoutSet{entries: make(map[string]*Payout)}
	for _, addr := range []string{feeAddress, coinDevAddress, poolDevAddress} {
		ps.entries[addr] = &Payout{
			PaymentAddress: addr,
			PoolType:       ledger.PoolTypeFees,
		}
	}
	return ps
}

// Add accumulates delta for the given recipient, creating the entry on first
// contribution
func (ps *PayoutSet) Add(address, paymentID string, poolType ledger.PoolType, bitcoin bool, coin string, delta float64) error {
	if ps.frozen {
		return fmt.Errorf("payout set is frozen")
	}

	p := &Payout{
		PaymentAddress: address,
		PaymentID:      paymentID,
		PoolType:       poolType,
		Bitcoin:        bitcoin,
		Coin:           coin,
	}
	id := p.Identifier()
	if existing, ok := ps.entries[id]; ok {
		p = existing
	} else {
		ps.entries[id] = p
	}
	return p.AddAmount(delta)
}

// Get returns the entry for an identifier, if present
func (ps *PayoutSet) Get(id string) (*Payout, bool) {
	p, ok := ps.entries[id]
	return p, ok
}

// Len returns the number of entries, fee recipients included
func (ps *PayoutSet) Len() int {
	return len(ps.entries)
}

// Total returns the sum of all accumulated amounts
func (ps *PayoutSet) Total() float64 {
	total := 0.0
	for _, p := range ps.entries {
		total += p.Amount
	}
	return total
}

// Freeze ends the accumulation phase and returns the entries sorted by
// identifier. Further Add calls fail.
func (ps *PayoutSet) Freeze() []*Payout {
	ps.frozen = true

	out := make([]*Payout, 0, len(ps.entries))
	for _, p := range ps.entries {
		p.frozen = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identifier() < out[j].Identifier()
	})
	return out
}
