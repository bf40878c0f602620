// Package mempool holds transactions awaiting inclusion in a block.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/types"
)

// ErrBadSignature is returned by Add when a transaction's signature
// does not verify.
var ErrBadSignature = errors.New("mempool: invalid signature")

// ErrAppRejected is returned by Add when the Dapp refuses a
// transaction. Update evicts such transactions without reporting an
// error.
var ErrAppRejected = errors.New("mempool: rejected by application")

// ErrAlreadyPresent is returned by Add for a duplicate transaction hash.
var ErrAlreadyPresent = errors.New("mempool: transaction already pending")

// ErrTooManyFromSender is returned by Add when a single sender already
// has MaxPerPeerPending transactions pending.
var ErrTooManyFromSender = errors.New("mempool: too many pending transactions from sender")

// Broadcaster gossips a newly admitted transaction to peers other than
// the one it arrived from (empty origin for locally submitted
// transactions).
type Broadcaster interface {
	BroadcastTx(tx *types.Transaction, origin string)
}

const (
	defaultMaxPoolSize       = 10_000
	defaultMaxPerPeerPending = 64
)

// Mempool is a thread-safe pending-transaction pool, deduplicated by
// transaction hash and ordered by admission for FIFO eviction.
type Mempool struct {
	mu sync.RWMutex

	dapp        dapp.Dapp
	broadcaster Broadcaster

	maxPoolSize       int
	maxPerPeerPending int

	txs       map[types.Hash]*types.Transaction
	order     []types.Hash
	perSender map[string]int
}

// Option configures a Mempool at construction.
type Option func(*Mempool)

// WithMaxPoolSize overrides the default pool-wide capacity.
func WithMaxPoolSize(n int) Option {
	return func(m *Mempool) { m.maxPoolSize = n }
}

// WithMaxPerPeerPending overrides the default per-sender pending cap.
func WithMaxPerPeerPending(n int) Option {
	return func(m *Mempool) { m.maxPerPeerPending = n }
}

// New returns an empty Mempool that validates and selects transactions
// through d and gossips admitted ones through b (nil to disable
// gossip, e.g. in tests).
func New(d dapp.Dapp, b Broadcaster, opts ...Option) *Mempool {
	m := &Mempool{
		dapp:              d,
		broadcaster:       b,
		maxPoolSize:       defaultMaxPoolSize,
		maxPerPeerPending: defaultMaxPerPeerPending,
		txs:               make(map[types.Hash]*types.Transaction),
		perSender:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add validates and inserts tx, then gossips it to peers other than
// origin (empty origin for a locally submitted transaction).
func (m *Mempool) Add(tx *types.Transaction, origin string) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := m.dapp.ValidateTransaction(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrAppRejected, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := tx.Hash()
	if _, exists := m.txs[hash]; exists {
		return ErrAlreadyPresent
	}
	if m.perSender[tx.From] >= m.maxPerPeerPending {
		return ErrTooManyFromSender
	}
	// Exceeding the pool-wide cap evicts the oldest admitted entry
	// (default FIFO policy) to make room, rather than rejecting tx.
	if len(m.txs) >= m.maxPoolSize && len(m.order) > 0 {
		m.removeLocked(m.order[0])
	}

	m.txs[hash] = tx
	m.order = append(m.order, hash)
	m.perSender[tx.From]++

	if m.broadcaster != nil {
		m.broadcaster.BroadcastTx(tx, origin)
	}
	return nil
}

// Get returns a pending transaction by hash.
func (m *Mempool) Get(hash types.Hash) (*types.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[hash]
	return tx, ok
}

// Select returns up to max pending transactions, ordered by the Dapp's
// own proposal ordering.
func (m *Mempool) Select(max int) types.TransactionList {
	m.mu.RLock()
	candidates := make(types.TransactionList, 0, len(m.order))
	for _, h := range m.order {
		if tx, ok := m.txs[h]; ok {
			candidates = append(candidates, tx)
		}
	}
	m.mu.RUnlock()
	return m.dapp.SelectTransactions(candidates, max)
}

// Update removes committed transactions, then re-validates the
// remainder against the Dapp and evicts anything that no longer
// passes (e.g. a stale nonce now that committed transactions consumed
// it).
func (m *Mempool) Update(committed types.TransactionList) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range committed {
		m.removeLocked(tx.Hash())
	}

	var stale []types.Hash
	for _, h := range m.order {
		tx, ok := m.txs[h]
		if !ok {
			continue
		}
		if err := m.dapp.ValidateTransaction(tx); err != nil {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		m.removeLocked(h)
	}
}

func (m *Mempool) removeLocked(hash types.Hash) {
	tx, ok := m.txs[hash]
	if !ok {
		return
	}
	delete(m.txs, hash)
	m.perSender[tx.From]--
	if m.perSender[tx.From] <= 0 {
		delete(m.perSender, tx.From)
	}
	filtered := m.order[:0]
	for _, h := range m.order {
		if h != hash {
			filtered = append(filtered, h)
		}
	}
	m.order = filtered
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
