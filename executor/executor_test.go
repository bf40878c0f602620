package executor_test

import (
	"errors"
	"testing"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/executor"
	"github.com/tolelom/tolbft/internal/testutil"
	"github.com/tolelom/tolbft/types"
)

var errFakeStoreNotFound = errors.New("fake store: not found")

type fakeStore struct {
	blocks map[int64]*types.Block
	tip    int64
}

func (s *fakeStore) Height() int64 { return s.tip }

func (s *fakeStore) BlockOf(h int64) (*types.Block, error) {
	b, ok := s.blocks[h]
	if !ok {
		return nil, errFakeStoreNotFound
	}
	return b, nil
}

func TestExecuteUpToAppliesAndPersistsFrontier(t *testing.T) {
	_, alicePub, _ := crypto.GenerateKeyPair()
	alice := alicePub.Hex()
	bob := "bob"

	d := dapp.NewTokenDapp(map[string]uint64{alice: 100})
	tx, err := types.NewTransaction(alice, 0, dapp.TransferPayload{To: bob, Amount: 30})
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}

	fs := &fakeStore{blocks: map[int64]*types.Block{
		1: {Body: types.BlockBody{Transactions: types.TransactionList{tx}}},
	}, tip: 0}
	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	var committed []int64
	emitter.Subscribe(events.EventBlockCommit, func(ev events.Event) {
		committed = append(committed, ev.BlockHeight)
	})

	ex := executor.New(fs, db, d, emitter)
	if err := ex.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	var hookHeights []int64
	ex.OnExecuted(func(h int64, txs types.TransactionList) { hookHeights = append(hookHeights, h) })

	fs.tip = 1
	if err := ex.ExecuteUpTo(1); err != nil {
		t.Fatalf("execute up to 1: %v", err)
	}
	if ex.Height() != 1 {
		t.Fatalf("frontier = %d, want 1", ex.Height())
	}
	if d.Balance(bob) != 30 {
		t.Fatalf("bob balance = %d, want 30", d.Balance(bob))
	}
	if len(committed) != 1 || committed[0] != 1 {
		t.Fatalf("commit events = %v, want [1]", committed)
	}
	if len(hookHeights) != 1 {
		t.Fatalf("hook calls = %v, want one call for height 1", hookHeights)
	}

	// Idempotent: re-running up to the same target changes nothing.
	if err := ex.ExecuteUpTo(1); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if d.Balance(bob) != 30 {
		t.Fatalf("bob balance after re-execute = %d, want unchanged 30", d.Balance(bob))
	}
}
