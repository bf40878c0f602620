package node_test

import (
	"testing"
	"time"

	"github.com/tolelom/tolbft/clock"
	"github.com/tolelom/tolbft/consensus"
	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/executor"
	"github.com/tolelom/tolbft/internal/testutil"
	"github.com/tolelom/tolbft/mempool"
	"github.com/tolelom/tolbft/node"
	"github.com/tolelom/tolbft/store"
	"github.com/tolelom/tolbft/types"
)

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastTx(*types.Transaction, string) {}

// makeGenesis builds a deterministic genesis for chainID; two calls
// with the same chainID yield the same genesis hash, so nodes built
// from the same one can handshake.
func makeGenesis(t *testing.T, chainID string) *types.Block {
	t.Helper()
	seed := types.HashBytes([]byte(chainID))
	vs := types.ValidatorSet{{Address: seed.Hex(), VotingPower: 1}}
	gcfg := types.GenesisConfig{
		ChainID:             chainID,
		Timestamp:           1,
		InitialValidatorSet: vs,
		InitialAppStateHash: dapp.NewTokenDapp(nil).GetAppStateHash(),
	}
	genesis, err := gcfg.NewGenesisBlock()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return genesis
}

func buildNode(t *testing.T, genesis *types.Block, addr string) *node.Node {
	t.Helper()
	d := dapp.NewTokenDapp(nil)

	db := testutil.NewMemDB()
	st := store.New(db)
	if err := st.Ready(genesis); err != nil {
		t.Fatalf("store ready: %v", err)
	}

	emitter := events.NewEmitter()
	exec := executor.New(st, db, d, emitter)
	if err := exec.Initialize(); err != nil {
		t.Fatalf("executor init: %v", err)
	}
	mp := mempool.New(d, noopBroadcaster{})
	eng := consensus.New(consensus.DefaultConfig(), st, mp, exec, 0, nil)

	n := node.New(node.Config{
		ID:         addr,
		ListenAddr: addr,
		Store:      st,
		Mempool:    mp,
		Executor:   exec,
		Engine:     eng,
		Clock:      clock.New(),
		Emitter:    emitter,
		Genesis:    genesis.Hash(),
	})
	if err := n.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestHandshakeSucceedsOnSharedGenesis(t *testing.T) {
	genesis := makeGenesis(t, "chain-a")
	a := buildNode(t, genesis, "127.0.0.1:19301")
	b := buildNode(t, genesis, "127.0.0.1:19302")

	if err := a.AddPeer("b", "127.0.0.1:19302"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.DroppedConnCount() > 0 {
			t.Fatalf("unexpected dropped connection during valid handshake")
		}
		if b.Blockchain().Height() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRejectsForeignGenesis(t *testing.T) {
	a := buildNode(t, makeGenesis(t, "chain-a"), "127.0.0.1:19311")
	b := buildNode(t, makeGenesis(t, "chain-b"), "127.0.0.1:19312")

	err := a.AddPeer("b", "127.0.0.1:19312")
	if err == nil {
		t.Fatal("expected AddPeer to fail for a foreign genesis hash")
	}
	if a.DroppedConnCount() != 1 {
		t.Fatalf("dropped conn count = %d, want 1", a.DroppedConnCount())
	}
	_ = b
}
