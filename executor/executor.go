// Package executor advances application state as blocks commit. It
// owns no application semantics itself; those live behind dapp.Dapp.
package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/storage"
	"github.com/tolelom/tolbft/types"
)

// ErrExecutorFault marks an unrecoverable failure of store I/O: loading
// a block or persisting the frontier. Unlike a rejected transaction, this halts
// the node — the execution frontier and the store may have diverged.
var ErrExecutorFault = errors.New("executor: fault")

const keyExecutedHeight = "meta:executedHeight"

// Store is the subset of the chain store the executor reads.
type Store interface {
	Height() int64
	BlockOf(height int64) (*types.Block, error)
}

// Hook is notified after a block's transactions have been executed, so
// interested components (the mempool) can evict their hashes.
type Hook func(height int64, executed types.TransactionList)

// Executor tracks the execution frontier: the highest height whose
// transactions have been applied to the Dapp.
type Executor struct {
	mu      sync.Mutex
	store   Store
	db      storage.DB
	dapp    dapp.Dapp
	emitter *events.Emitter
	height  int64 // highest executed height
	hooks   []Hook
}

// Genesis carries no transactions to execute; its app state hash is
// fixed at construction. The frontier therefore starts at 0, not -1.
const genesisFrontier = 0

// New returns an Executor that applies blocks to d and persists its
// frontier into db under the meta key family.
func New(st Store, db storage.DB, d dapp.Dapp, emitter *events.Emitter) *Executor {
	return &Executor{store: st, db: db, dapp: d, emitter: emitter, height: genesisFrontier}
}

// OnExecuted registers cb to run after each block's execution.
func (e *Executor) OnExecuted(cb Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, cb)
}

// Initialize loads the persisted execution frontier (genesis for a
// fresh store) and replays any blocks committed beyond it up to the
// store tip, so the application observes every committed transaction
// before the node rejoins consensus.
func (e *Executor) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	val, err := e.db.Get([]byte(keyExecutedHeight))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.height = genesisFrontier
	case err != nil:
		return fmt.Errorf("%w: read executed height: %v", ErrExecutorFault, err)
	default:
		e.height = int64(binary.BigEndian.Uint64(val))
	}
	return e.executeUpToLocked(e.store.Height())
}

// Height returns the highest height whose transactions have been
// executed (0 covers genesis, which has none).
func (e *Executor) Height() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

// AppStateHash returns the application's digest at the execution
// frontier, the value the next proposed block header must carry.
func (e *Executor) AppStateHash() types.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dapp.GetAppStateHash()
}

// NextValidatorSet forwards the consensus engine's validator-rotation
// query to the Dapp when it opts in; otherwise the current set carries
// forward unchanged.
func (e *Executor) NextValidatorSet(current types.ValidatorSet) types.ValidatorSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.dapp.(dapp.ValidatorSetProvider); ok {
		return p.NextValidatorSet(current)
	}
	return current
}

// ExecuteUpTo applies every block from the current frontier (exclusive)
// through target (inclusive), in height order. It is idempotent: calling
// it again with a target at or below the current frontier is a no-op.
func (e *Executor) ExecuteUpTo(target int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executeUpToLocked(target)
}

func (e *Executor) executeUpToLocked(target int64) error {
	for h := e.height + 1; h <= target; h++ {
		block, err := e.store.BlockOf(h)
		if err != nil {
			return fmt.Errorf("%w: load block %d: %v", ErrExecutorFault, h, err)
		}
		for _, tx := range block.Body.Transactions {
			// A rejected transaction is not a fault: it was already
			// admitted into a committed block and consumes its slot.
			if err := e.dapp.ExecuteTransaction(tx); err != nil {
				if e.emitter != nil {
					e.emitter.Emit(events.Event{
						Type:        events.EventTxRejected,
						TxID:        tx.Hash().Hex(),
						BlockHeight: h,
						Data:        map[string]any{"error": err.Error()},
					})
				}
				continue
			}
			if e.emitter != nil {
				e.emitter.Emit(events.Event{
					Type:        events.EventTxExecuted,
					TxID:        tx.Hash().Hex(),
					BlockHeight: h,
				})
			}
		}

		appHash := e.dapp.GetAppStateHash()
		if err := e.persistFrontier(h, appHash); err != nil {
			return err
		}
		e.height = h

		if e.emitter != nil {
			e.emitter.Emit(events.Event{
				Type:        events.EventBlockCommit,
				BlockHeight: h,
				Data:        map[string]any{"app_state_hash": appHash.Hex()},
			})
		}
		for _, hook := range e.hooks {
			hook(h, block.Body.Transactions)
		}
	}
	return nil
}

func (e *Executor) persistFrontier(height int64, appHash types.Hash) error {
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], uint64(height))
	batch := e.db.NewBatch()
	batch.Set([]byte(keyExecutedHeight), heightBuf[:])
	batch.Set([]byte("meta:appStateHash"), appHash[:])
	if err := batch.Write(); err != nil {
		return fmt.Errorf("%w: persist frontier: %v", ErrExecutorFault, err)
	}
	return nil
}
