package mempool_test

import (
	"errors"
	"testing"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/mempool"
	"github.com/tolelom/tolbft/types"
)

type fakeBroadcaster struct {
	sent []struct {
		tx     *types.Transaction
		origin string
	}
}

func (b *fakeBroadcaster) BroadcastTx(tx *types.Transaction, origin string) {
	b.sent = append(b.sent, struct {
		tx     *types.Transaction
		origin string
	}{tx, origin})
}

func signedTx(t *testing.T, priv crypto.PrivateKey, from string, nonce uint64, to string, amount uint64) *types.Transaction {
	t.Helper()
	tx, err := types.NewTransaction(from, nonce, dapp.TransferPayload{To: to, Amount: amount})
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	tx.Sign(priv)
	return tx
}

func TestMempoolAddRejectsBadSignatureAndDuplicate(t *testing.T) {
	priv, pub, _ := crypto.GenerateKeyPair()
	from := pub.Hex()
	d := dapp.NewTokenDapp(map[string]uint64{from: 100})
	bc := &fakeBroadcaster{}
	pool := mempool.New(d, bc)

	tx := signedTx(t, priv, from, 0, "bob", 10)
	if err := pool.Add(tx, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(bc.sent) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(bc.sent))
	}

	if err := pool.Add(tx, ""); !errors.Is(err, mempool.ErrAlreadyPresent) {
		t.Fatalf("re-add = %v, want ErrAlreadyPresent", err)
	}

	tampered := signedTx(t, priv, from, 1, "bob", 10)
	tampered.Signature = tx.Signature // wrong signature for this payload
	if err := pool.Add(tampered, ""); !errors.Is(err, mempool.ErrBadSignature) {
		t.Fatalf("tampered add = %v, want ErrBadSignature", err)
	}
}

func TestMempoolUpdateEvictsStale(t *testing.T) {
	priv, pub, _ := crypto.GenerateKeyPair()
	from := pub.Hex()
	d := dapp.NewTokenDapp(map[string]uint64{from: 100})
	pool := mempool.New(d, nil)

	tx0 := signedTx(t, priv, from, 0, "bob", 10)
	tx1 := signedTx(t, priv, from, 1, "bob", 10)
	if err := pool.Add(tx0, ""); err != nil {
		t.Fatalf("add tx0: %v", err)
	}
	if err := pool.Add(tx1, ""); err != nil {
		t.Fatalf("add tx1: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("size = %d, want 2", pool.Size())
	}

	// Committing tx0 elsewhere advances the account's nonce to 1; tx1
	// should survive (it's now the valid next nonce) and tx0 should be
	// gone having been named as committed.
	if err := d.ExecuteTransaction(tx0); err != nil {
		t.Fatalf("execute tx0: %v", err)
	}
	pool.Update(types.TransactionList{tx0})

	if pool.Size() != 1 {
		t.Fatalf("size after update = %d, want 1", pool.Size())
	}
	if _, ok := pool.Get(tx1.Hash()); !ok {
		t.Fatal("tx1 should still be pending")
	}
}

func TestMempoolSelectDelegatesToDapp(t *testing.T) {
	priv, pub, _ := crypto.GenerateKeyPair()
	from := pub.Hex()
	d := dapp.NewTokenDapp(map[string]uint64{from: 100})
	pool := mempool.New(d, nil)

	tx1 := signedTx(t, priv, from, 1, "bob", 5)
	tx0 := signedTx(t, priv, from, 0, "bob", 5)
	// Admit out of nonce order; Select must still return them in
	// ascending nonce order regardless of admission order.
	if err := pool.Add(tx1, ""); err != nil {
		t.Fatalf("add tx1: %v", err)
	}
	if err := pool.Add(tx0, ""); err != nil {
		t.Fatalf("add tx0: %v", err)
	}

	got := pool.Select(10)
	if len(got) != 2 || got[0].Hash() != tx0.Hash() || got[1].Hash() != tx1.Hash() {
		t.Fatalf("select order wrong, want [tx0, tx1]")
	}
}
