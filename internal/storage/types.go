// Package storage provides the durable stores behind the payout engine:
// the relational balance ledger and the redis stats cache.
package storage

import "github.com/monero-pool/block-manager/internal/ledger"

// MainChain is the chain identifier of the primary (non merge-mined) chain
const MainChain = ""

// PendingBlock is a found block awaiting confirmation and payout
type PendingBlock struct {
	Hash         string          `db:"hash" json:"hash"`
	Chain        string          `db:"chain" json:"chain,omitempty"`
	Height       uint64          `db:"height" json:"height"`
	PoolType     ledger.PoolType `db:"pool_type" json:"pool_type"`
	Value        uint64          `db:"value" json:"value"`
	Difficulty   uint64          `db:"difficulty" json:"difficulty"`
	Coin         string          `db:"coin" json:"coin,omitempty"`
	AnchorHeight uint64          `db:"anchor_height" json:"anchor_height,omitempty"`
	PayReady     bool            `db:"pay_ready" json:"pay_ready"`
	Unlocked     bool            `db:"unlocked" json:"unlocked"`
	Invalidated  bool            `db:"invalidated" json:"invalidated"`
	FoundAt      int64           `db:"found_at" json:"found_at"`
}

// Anchor returns the height PPLNS window-walking starts from
func (b *PendingBlock) Anchor() uint64 {
	if b.AnchorHeight != 0 {
		return b.AnchorHeight
	}
	return b.Height
}

// BlockBalance is one recipient's reward fraction for one block
type BlockBalance struct {
	Hash           string  `db:"hash" json:"hash"`
	PaymentAddress string  `db:"payment_address" json:"payment_address"`
	PaymentID      string  `db:"payment_id" json:"payment_id,omitempty"`
	Coin           string  `db:"coin" json:"coin,omitempty"`
	Amount         float64 `db:"amount" json:"amount"`
}

// AccountKey identifies one balance account row
type AccountKey struct {
	PaymentAddress string
	PaymentID      string
	PoolType       ledger.PoolType
	Bitcoin        bool
	Coin           string
}

// CacheKey returns the identity-cache key for this account tuple
func (k AccountKey) CacheKey() string {
	bitcoin := "0"
	if k.Bitcoin {
		bitcoin = "1"
	}
	return k.PaymentAddress + "|" + k.PaymentID + "|" + string(k.PoolType) + "|" + bitcoin + "|" + k.Coin
}

// Account is a balance account row
type Account struct {
	ID             int64           `db:"id" json:"id"`
	PaymentAddress string          `db:"payment_address" json:"payment_address"`
	PaymentID      string          `db:"payment_id" json:"payment_id,omitempty"`
	PoolType       ledger.PoolType `db:"pool_type" json:"pool_type"`
	Bitcoin        bool            `db:"bitcoin" json:"bitcoin"`
	Coin           string          `db:"coin" json:"coin,omitempty"`
	Amount         int64           `db:"amount" json:"amount"`
}

// PayoutCycle summarizes one completed reward-calculation run
type PayoutCycle struct {
	Chain         string          `json:"chain,omitempty"`
	BlockHash     string          `json:"block_hash"`
	Height        uint64          `json:"height"`
	PoolType      ledger.PoolType `json:"pool_type"`
	TotalPayments float64         `json:"total_payments"`
	PayWindow     float64         `json:"pay_window"`
	Percent       float64         `json:"percent"`
	Corrected     bool            `json:"corrected"`
	CompletedAt   int64           `json:"completed_at"`
}
