// Package ledger implements the append-only share ledger: an ordered
// key-value store of share records keyed by block height. Shares are written
// once by the ingestion path and scanned by the reward calculators, newest
// height first.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/monero-pool/block-manager/internal/util"
)

var bucketShares = []byte("shares")

// PoolType tags a share or block with its reward scheme
type PoolType string

const (
	PoolTypePPS   PoolType = "pps"
	PoolTypePPLNS PoolType = "pplns"
	PoolTypeSolo  PoolType = "solo"
	PoolTypeFees  PoolType = "fees"
)

// Share is an immutable record of one unit of contributed work
type Share struct {
	Height         uint64   `json:"height"`
	PaymentAddress string   `json:"payment_address"`
	PaymentID      string   `json:"payment_id,omitempty"`
	PoolType       PoolType `json:"pool_type"`
	RawShares      uint64   `json:"raw_shares"`
	ShareValue     float64  `json:"shares2"`
	Bitcoin        bool     `json:"bitcoin"`
	SourceCoin     string   `json:"source_coin,omitempty"`
	Port           int      `json:"port,omitempty"`
	FoundBlock     bool     `json:"found_block,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// Identifier returns the payout map key for this share's recipient
func (s *Share) Identifier() string {
	if s.PaymentID != "" {
		return s.PaymentAddress + "." + s.PaymentID
	}
	return s.PaymentAddress
}

// Ledger is a bbolt-backed share store. Keys are height (8 bytes, big
// endian) followed by an insertion sequence, so all shares for one height
// are adjacent and iterate in ledger-native order.
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the share ledger at path
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open share ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketShares)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// WriteShare appends a share under its block height
func (l *Ledger) WriteShare(s *Share) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(shareKey(s.Height, seq), value)
	})
}

// ScanFunc receives each decoded share at a height. Returning false stops
// the scan early.
type ScanFunc func(s *Share) bool

// SharesAt iterates every share recorded at exactly the given height, in
// ledger-native order. Undecodable records are logged and skipped; they
// never abort the scan.
func (l *Ledger) SharesAt(height uint64, fn ScanFunc) error {
	prefix := heightPrefix(height)

	return l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShares).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var s Share
			if err := json.Unmarshal(v, &s); err != nil {
				util.Errorf("Skipping undecodable share record at height %d: %v", height, err)
				continue
			}
			if !fn(&s) {
				return nil
			}
		}
		return nil
	})
}

// CountAt returns the number of share records at a height
func (l *Ledger) CountAt(height uint64) (int, error) {
	count := 0
	err := l.SharesAt(height, func(*Share) bool {
		count++
		return true
	})
	return count, err
}

func shareKey(height, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], height)
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func heightPrefix(height uint64) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, height)
	return prefix
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
