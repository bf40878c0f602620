package store_test

import (
	"errors"
	"testing"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/internal/testutil"
	"github.com/tolelom/tolbft/store"
	"github.com/tolelom/tolbft/types"
)

func testValidatorSet(t *testing.T) (types.ValidatorSet, []crypto.PrivateKey) {
	t.Helper()
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
	return vs, privs
}

func signCommit(height int64, round int64, blockHash types.Hash, vs types.ValidatorSet, privs []crypto.PrivateKey) types.Commit {
	var votes []types.CommitVote
	for i, priv := range privs {
		v := types.Vote{
			Height:         height,
			Round:          uint32(round),
			Type:           types.VotePrecommit,
			BlockHash:      blockHash,
			ValidatorIndex: i,
			Validator:      vs[i].Address,
		}
		v.Sign(priv)
		votes = append(votes, types.CommitVote{ValidatorIndex: i, Signature: v.Signature, BlockHash: blockHash})
	}
	return types.Commit{Round: round, Votes: votes}
}

func TestStoreGenesisAndPut(t *testing.T) {
	vs, privs := testValidatorSet(t)
	genCfg := types.GenesisConfig{
		ChainID:             "test-chain",
		Timestamp:           1000,
		InitialValidatorSet: vs,
		InitialAppStateHash: types.ZeroHash,
	}
	genesis, err := genCfg.NewGenesisBlock()
	if err != nil {
		t.Fatalf("new genesis: %v", err)
	}

	db := testutil.NewMemDB()
	s := store.New(db)
	if err := s.Ready(genesis); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if got := s.Height(); got != 0 {
		t.Fatalf("height after genesis = %d, want 0", got)
	}

	commit := signCommit(0, 0, genesis.Hash(), vs, privs)
	block1 := &types.Block{
		Header: types.BlockHeader{
			Height:                 1,
			Timestamp:              2000,
			LastBlockHash:          genesis.Hash(),
			LastBlockConsensusRoot: commit.Hash(),
			NextValidatorSetRoot:   vs.Hash(),
		},
		Body: types.BlockBody{
			LastBlockConsensus: commit,
			NextValidatorSet:   vs,
		},
	}
	block1.Header.TransactionRoot = block1.Body.Transactions.Hash()

	if err := s.Put(block1); err != nil {
		t.Fatalf("put block 1: %v", err)
	}
	if got := s.Height(); got != 1 {
		t.Fatalf("height after put = %d, want 1", got)
	}

	got, err := s.BlockOf(1)
	if err != nil {
		t.Fatalf("block of 1: %v", err)
	}
	if got.Hash() != block1.Hash() {
		t.Fatalf("round-tripped block hash mismatch")
	}

	if _, err := s.BlockOf(2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("block of 2 = %v, want ErrNotFound", err)
	}
}

func TestStoreRejectsBadLinkage(t *testing.T) {
	vs, _ := testValidatorSet(t)
	genCfg := types.GenesisConfig{Timestamp: 1000, InitialValidatorSet: vs}
	genesis, err := genCfg.NewGenesisBlock()
	if err != nil {
		t.Fatalf("new genesis: %v", err)
	}
	s := store.New(testutil.NewMemDB())
	if err := s.Ready(genesis); err != nil {
		t.Fatalf("ready: %v", err)
	}

	bad := &types.Block{Header: types.BlockHeader{Height: 1, Timestamp: 2000, LastBlockHash: types.ZeroHash}}
	if err := s.Put(bad); !errors.Is(err, store.ErrInvalidBlock) {
		t.Fatalf("put bad block = %v, want ErrInvalidBlock", err)
	}
}

func TestStoreGenesisMismatchOnReopen(t *testing.T) {
	vsA, _ := testValidatorSet(t)
	genA, _ := types.GenesisConfig{Timestamp: 1, InitialValidatorSet: vsA}.NewGenesisBlock()

	db := testutil.NewMemDB()
	s := store.New(db)
	if err := s.Ready(genA); err != nil {
		t.Fatalf("ready: %v", err)
	}

	vsB, _ := testValidatorSet(t)
	genB, _ := types.GenesisConfig{Timestamp: 2, InitialValidatorSet: vsB}.NewGenesisBlock()

	s2 := store.New(db)
	if err := s2.Ready(genB); !errors.Is(err, store.ErrGenesisMismatch) {
		t.Fatalf("reopen with different genesis = %v, want ErrGenesisMismatch", err)
	}
}
