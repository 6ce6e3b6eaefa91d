package payout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// Queue concurrency bounds. Account creation and block-balance writes are
// serialized; balance increments fan out.
const (
	createWorkers       = 1
	blockBalanceWorkers = 1
	creditWorkers       = 24
)

var errNotCached = errors.New("account id not cached yet")

// workQueue is an unbounded FIFO with a fixed worker pool. Depth is
// memory-bound; pushers never block.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	active int
	closed bool
	group  errgroup.Group
}

func newWorkQueue(workers int) *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.group.Go(q.run)
	}
	return q
}

func (q *workQueue) push(job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, job)
	q.cond.Broadcast()
}

func (q *workQueue) run() error {
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 && q.closed {
			q.mu.Unlock()
			return nil
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.active++
		q.mu.Unlock()

		job()

		q.mu.Lock()
		q.active--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// drain blocks until the queue is empty and every worker is idle
func (q *workQueue) drain() {
	q.mu.Lock()
	for len(q.jobs) > 0 || q.active > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.group.Wait()
}

// BalanceWriter owns the three write queues in front of the relational
// store: block-balance upserts, balance-account creation, and balance
// increments. Account ids are cached for the process lifetime so each
// distinct account tuple is looked up at most once.
type BalanceWriter struct {
	store *storage.SQLStore
	ids   *gocache.Cache

	createQueue       *workQueue
	blockBalanceQueue *workQueue
	creditQueue       *workQueue

	pendingMu     sync.Mutex
	pendingCreate map[string]bool
}

// NewBalanceWriter creates the writer and starts its worker pools
func NewBalanceWriter(store *storage.SQLStore) *BalanceWriter {
	return &BalanceWriter{
		store:             store,
		ids:               gocache.New(gocache.NoExpiration, 0),
		createQueue:       newWorkQueue(createWorkers),
		blockBalanceQueue: newWorkQueue(blockBalanceWorkers),
		creditQueue:       newWorkQueue(creditWorkers),
		pendingCreate:     make(map[string]bool),
	}
}

// PushBlockBalance queues an upsert of one recipient's reward fraction for a
// block. done receives false if the write failed or mutated an unexpected
// number of rows; callers fold the flags into a batch success bit.
func (w *BalanceWriter) PushBlockBalance(bb *storage.BlockBalance, done func(ok bool)) {
	w.blockBalanceQueue.push(func() {
		affected, err := w.store.UpsertBlockBalance(context.Background(), bb)
		if err != nil {
			util.Errorf("Block balance write failed for %s on block %s: %v",
				bb.PaymentAddress, bb.Hash, err)
		}
		ok := err == nil && (affected == 1 || affected == 2)
		if done != nil {
			done(ok)
		}
	})
}

// PushCredit queues a balance increment for an account tuple. The account
// row is created on first contact; concurrent credits for a brand-new tuple
// queue behind a single creation.
func (w *BalanceWriter) PushCredit(key storage.AccountKey, amount int64) {
	if amount == 0 {
		return
	}
	w.creditQueue.push(func() {
		id, err := w.accountID(key)
		if err != nil {
			util.Errorf("Dropping balance credit of %d for %s: %v", amount, key.CacheKey(), err)
			return
		}
		affected, err := w.store.AddToBalance(context.Background(), id, amount)
		if err != nil {
			util.Errorf("Balance increment failed for account %d: %v", id, err)
			return
		}
		if affected != 1 {
			util.Errorf("Balance increment for account %d touched %d rows", id, affected)
		}
	})
}

// accountID resolves the balance-account id for a tuple, creating the row
// through the serialized creation queue on a cache miss and polling until
// the creation lands.
func (w *BalanceWriter) accountID(key storage.AccountKey) (int64, error) {
	ck := key.CacheKey()
	if v, ok := w.ids.Get(ck); ok {
		return v.(int64), nil
	}

	w.requestCreate(key)

	var id int64
	poll := func() error {
		v, ok := w.ids.Get(ck)
		if !ok {
			return errNotCached
		}
		id = v.(int64)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(poll, b); err != nil {
		return 0, err
	}
	return id, nil
}

func (w *BalanceWriter) requestCreate(key storage.AccountKey) {
	ck := key.CacheKey()

	w.pendingMu.Lock()
	if w.pendingCreate[ck] {
		w.pendingMu.Unlock()
		return
	}
	w.pendingCreate[ck] = true
	w.pendingMu.Unlock()

	w.createQueue.push(func() {
		defer func() {
			w.pendingMu.Lock()
			delete(w.pendingCreate, ck)
			w.pendingMu.Unlock()
		}()

		if _, ok := w.ids.Get(ck); ok {
			return
		}

		ctx := context.Background()
		id, found, err := w.store.LookupAccount(ctx, key)
		if err != nil {
			util.Errorf("Balance account lookup failed for %s: %v", ck, err)
			return
		}
		if !found {
			id, err = w.store.InsertAccount(ctx, key)
			if err != nil {
				util.Errorf("Balance account creation failed for %s: %v", ck, err)
				return
			}
			util.Debugf("Created balance account %d for %s", id, ck)
		}
		w.ids.Set(ck, id, gocache.NoExpiration)
	})
}

// DrainBlockBalances waits until every queued block-balance write completed
func (w *BalanceWriter) DrainBlockBalances() {
	w.blockBalanceQueue.drain()
}

// Drain waits until all three queues are empty and idle. Creation drains
// first so credits waiting on new accounts can complete.
func (w *BalanceWriter) Drain() {
	w.createQueue.drain()
	w.creditQueue.drain()
	w.blockBalanceQueue.drain()
}

// Close stops the worker pools after finishing queued work
func (w *BalanceWriter) Close() {
	w.createQueue.close()
	w.creditQueue.close()
	w.blockBalanceQueue.close()
}
