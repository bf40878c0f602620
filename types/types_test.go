package types_test

import (
	"testing"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/types"
)

func TestTransactionSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx, err := types.NewTransaction(pub.Hex(), 1, map[string]any{"to": "bob", "amount": 5})
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	tx.Sign(priv)
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tx.Data.Nonce = 2
	if err := tx.Verify(); err == nil {
		t.Fatal("verify succeeded after tampering, want error")
	}
}

func TestValidatorSetQuorum(t *testing.T) {
	vs := types.ValidatorSet{
		{Address: "a", VotingPower: 10},
		{Address: "b", VotingPower: 10},
		{Address: "c", VotingPower: 10},
		{Address: "d", VotingPower: 10},
	}
	if vs.Threshold() != 26 {
		t.Fatalf("threshold = %d, want 26", vs.Threshold())
	}
	if vs.HasQuorum(26) {
		t.Fatal("26 should not be a quorum (must be strictly greater)")
	}
	if !vs.HasQuorum(30) {
		t.Fatal("30 should be a quorum")
	}
}

func TestValidatorSetProposerCyclesEveryone(t *testing.T) {
	vs := types.ValidatorSet{
		{Address: "a", VotingPower: 1},
		{Address: "b", VotingPower: 1},
		{Address: "c", VotingPower: 1},
	}
	seen := make(map[string]bool)
	for r := uint32(0); r < 30; r++ {
		seen[vs.Proposer(r).Address] = true
	}
	if len(seen) != 3 {
		t.Fatalf("proposer rotation only visited %d of 3 validators", len(seen))
	}
}

func TestCommitVerifyAgainstQuorum(t *testing.T) {
	var vs types.ValidatorSet
	var privs []crypto.PrivateKey
	for i := 0; i < 4; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		vs = append(vs, types.Validator{Address: pub.Hex(), VotingPower: 10})
		privs = append(privs, priv)
	}
	blockHash := types.HashBytes([]byte("block"))

	sign := func(n int) types.Commit {
		var votes []types.CommitVote
		for i := 0; i < n; i++ {
			v := types.Vote{
				Height: 5, Round: 0, Type: types.VotePrecommit,
				BlockHash: blockHash, ValidatorIndex: i, Validator: vs[i].Address,
			}
			v.Sign(privs[i])
			votes = append(votes, types.CommitVote{ValidatorIndex: i, Signature: v.Signature, BlockHash: blockHash})
		}
		return types.Commit{Round: 0, Votes: votes}
	}

	if err := sign(2).VerifyAgainst(5, blockHash, vs); err == nil {
		t.Fatal("2-of-4 verified as quorum, want error")
	}
	if err := sign(3).VerifyAgainst(5, blockHash, vs); err != nil {
		t.Fatalf("3-of-4 should be a quorum: %v", err)
	}
}

func TestGenesisBlockDeterministic(t *testing.T) {
	vs := types.ValidatorSet{{Address: "a", VotingPower: 1}}
	cfg := types.GenesisConfig{ChainID: "x", Timestamp: 42, InitialValidatorSet: vs}
	b1, err := cfg.NewGenesisBlock()
	if err != nil {
		t.Fatalf("new genesis: %v", err)
	}
	b2, err := cfg.NewGenesisBlock()
	if err != nil {
		t.Fatalf("new genesis: %v", err)
	}
	if b1.Hash() != b2.Hash() {
		t.Fatal("genesis construction is not deterministic")
	}
	if err := b1.ValidateStructure(); err != nil {
		t.Fatalf("genesis structure invalid: %v", err)
	}
}
