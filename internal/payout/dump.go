package payout

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/monero-pool/block-manager/internal/storage"
)

// writeShareDump writes the frozen PPLNS window for a block as a CSV audit
// file, one row per recipient. The operator keeps these for dispute review.
func writeShareDump(dir string, block *storage.PendingBlock, result *Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	name := fmt.Sprintf("shares_%d_%s.csv", block.Height, block.Hash)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"identifier", "pool_type", "bitcoin", "coin", "weight", "fraction"}); err != nil {
		return err
	}
	for _, p := range result.Payouts {
		if p.Amount <= 0 {
			continue
		}
		row := []string{
			p.Identifier(),
			string(p.PoolType),
			strconv.FormatBool(p.Bitcoin),
			p.Coin,
			strconv.FormatFloat(p.Amount, 'f', -1, 64),
			strconv.FormatFloat(p.Amount/result.PayWindow, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
