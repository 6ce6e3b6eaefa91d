package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/monero-pool/block-manager/internal/util"
)

// SQLStore is the relational balance store: pending blocks, per-block payout
// snapshots, and the running per-account balance ledger.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLStore connects to the database and ensures the schema exists
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema init failed: %w", err)
	}

	util.Info("Connected to balance store via ", driver)
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema() error {
	serial := "BIGSERIAL PRIMARY KEY"
	if s.driver == "sqlite3" {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			hash TEXT NOT NULL,
			chain TEXT NOT NULL DEFAULT '',
			height BIGINT NOT NULL,
			pool_type TEXT NOT NULL,
			value BIGINT NOT NULL,
			difficulty BIGINT NOT NULL,
			coin TEXT NOT NULL DEFAULT '',
			anchor_height BIGINT NOT NULL DEFAULT 0,
			pay_ready BOOLEAN NOT NULL DEFAULT FALSE,
			unlocked BOOLEAN NOT NULL DEFAULT FALSE,
			invalidated BOOLEAN NOT NULL DEFAULT FALSE,
			found_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (hash, chain)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS balance (
			id %s,
			payment_address TEXT NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			pool_type TEXT NOT NULL,
			bitcoin BOOLEAN NOT NULL DEFAULT FALSE,
			coin TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL DEFAULT 0,
			UNIQUE (payment_address, payment_id, pool_type, bitcoin, coin)
		)`, serial),
		`CREATE TABLE IF NOT EXISTS block_balance (
			hash TEXT NOT NULL,
			payment_address TEXT NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			coin TEXT NOT NULL DEFAULT '',
			amount DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (hash, payment_address, payment_id, coin)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_pending
			ON blocks (chain, height) WHERE NOT unlocked AND NOT invalidated`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertBlock records a newly found block awaiting confirmation
func (s *SQLStore) InsertBlock(ctx context.Context, b *PendingBlock) error {
	query := s.db.Rebind(`INSERT INTO blocks
		(hash, chain, height, pool_type, value, difficulty, coin, anchor_height, found_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		b.Hash, b.Chain, b.Height, b.PoolType, b.Value, b.Difficulty, b.Coin, b.AnchorHeight, b.FoundAt)
	return err
}

// GetValidLockedBlocks returns main-chain blocks still awaiting payout,
// ordered by height ascending
func (s *SQLStore) GetValidLockedBlocks(ctx context.Context) ([]*PendingBlock, error) {
	return s.getValidLocked(ctx, MainChain)
}

// GetValidLockedAltBlocks returns an aux chain's blocks still awaiting payout
func (s *SQLStore) GetValidLockedAltBlocks(ctx context.Context, chain string) ([]*PendingBlock, error) {
	return s.getValidLocked(ctx, chain)
}

func (s *SQLStore) getValidLocked(ctx context.Context, chain string) ([]*PendingBlock, error) {
	var blocks []*PendingBlock
	query := s.db.Rebind(`SELECT hash, chain, height, pool_type, value, difficulty, coin,
			anchor_height, pay_ready, unlocked, invalidated, found_at
		FROM blocks
		WHERE chain = ? AND NOT unlocked AND NOT invalidated
		ORDER BY height ASC`)
	if err := s.db.SelectContext(ctx, &blocks, query, chain); err != nil {
		return nil, err
	}
	return blocks, nil
}

// PayReadyBlock marks a main-chain block's reward shape as pre-calculated.
// Returns the number of rows mutated.
func (s *SQLStore) PayReadyBlock(ctx context.Context, hash string) (int64, error) {
	return s.payReady(ctx, MainChain, hash)
}

// PayReadyAltBlock marks an aux-chain block as pay-ready
func (s *SQLStore) PayReadyAltBlock(ctx context.Context, chain, hash string) (int64, error) {
	return s.payReady(ctx, chain, hash)
}

func (s *SQLStore) payReady(ctx context.Context, chain, hash string) (int64, error) {
	query := s.db.Rebind(`UPDATE blocks SET pay_ready = TRUE WHERE chain = ? AND hash = ?`)
	res, err := s.db.ExecContext(ctx, query, chain, hash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnlockBlock marks a main-chain block as paid
func (s *SQLStore) UnlockBlock(ctx context.Context, hash string) (bool, error) {
	return s.unlock(ctx, MainChain, hash)
}

// UnlockAltBlock marks an aux-chain block as paid
func (s *SQLStore) UnlockAltBlock(ctx context.Context, chain, hash string) (bool, error) {
	return s.unlock(ctx, chain, hash)
}

func (s *SQLStore) unlock(ctx context.Context, chain, hash string) (bool, error) {
	query := s.db.Rebind(`UPDATE blocks SET unlocked = TRUE WHERE chain = ? AND hash = ?`)
	res, err := s.db.ExecContext(ctx, query, chain, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InvalidateBlock marks a main-chain block at the given height as orphaned
func (s *SQLStore) InvalidateBlock(ctx context.Context, height uint64) error {
	return s.invalidate(ctx, MainChain, height)
}

// InvalidateAltBlock marks an aux-chain block as orphaned
func (s *SQLStore) InvalidateAltBlock(ctx context.Context, chain string, height uint64) error {
	return s.invalidate(ctx, chain, height)
}

func (s *SQLStore) invalidate(ctx context.Context, chain string, height uint64) error {
	query := s.db.Rebind(`UPDATE blocks SET invalidated = TRUE WHERE chain = ? AND height = ?`)
	_, err := s.db.ExecContext(ctx, query, chain, height)
	return err
}

// UpsertBlockBalance writes one recipient's reward fraction for a block,
// replacing any previous row. Returns the number of rows affected so the
// caller can verify the write landed.
func (s *SQLStore) UpsertBlockBalance(ctx context.Context, bb *BlockBalance) (int64, error) {
	query := s.db.Rebind(`INSERT INTO block_balance (hash, payment_address, payment_id, coin, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hash, payment_address, payment_id, coin)
		DO UPDATE SET amount = excluded.amount`)
	res, err := s.db.ExecContext(ctx, query, bb.Hash, bb.PaymentAddress, bb.PaymentID, bb.Coin, bb.Amount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetBlockBalances returns the stored payout snapshot for a block
func (s *SQLStore) GetBlockBalances(ctx context.Context, hash string) ([]*BlockBalance, error) {
	var rows []*BlockBalance
	query := s.db.Rebind(`SELECT hash, payment_address, payment_id, coin, amount
		FROM block_balance WHERE hash = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, hash); err != nil {
		return nil, err
	}
	return rows, nil
}

// LookupAccount finds the balance account id for an account tuple
func (s *SQLStore) LookupAccount(ctx context.Context, key AccountKey) (int64, bool, error) {
	var id int64
	query := s.db.Rebind(`SELECT id FROM balance
		WHERE payment_address = ? AND payment_id = ? AND pool_type = ? AND bitcoin = ? AND coin = ?`)
	err := s.db.GetContext(ctx, &id, query,
		key.PaymentAddress, key.PaymentID, key.PoolType, key.Bitcoin, key.Coin)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// InsertAccount creates a balance account row and returns its id
func (s *SQLStore) InsertAccount(ctx context.Context, key AccountKey) (int64, error) {
	var id int64
	query := s.db.Rebind(`INSERT INTO balance (payment_address, payment_id, pool_type, bitcoin, coin)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		key.PaymentAddress, key.PaymentID, key.PoolType, key.Bitcoin, key.Coin).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddToBalance increments an account's running balance. Returns the number
// of rows affected; anything other than one row is a caller bug or a missing
// account.
func (s *SQLStore) AddToBalance(ctx context.Context, id int64, amount int64) (int64, error) {
	query := s.db.Rebind(`UPDATE balance SET amount = amount + ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, amount, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SumBalances returns the total of all account balances. Used as the
// post-drain consistency check before a block is unlocked.
func (s *SQLStore) SumBalances(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	if err := s.db.GetContext(ctx, &sum, `SELECT SUM(amount) FROM balance`); err != nil {
		return 0, err
	}
	if !sum.Valid {
		// No accounts yet; an empty ledger sums to zero.
		return 0, nil
	}
	return sum.Int64, nil
}

// GetAccount returns a full balance account row by id
func (s *SQLStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	var acct Account
	query := s.db.Rebind(`SELECT id, payment_address, payment_id, pool_type, bitcoin, coin, amount
		FROM balance WHERE id = ?`)
	if err := s.db.GetContext(ctx, &acct, query, id); err != nil {
		return nil, err
	}
	return &acct, nil
}
