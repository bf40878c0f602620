package consensus_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolbft/consensus"
	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/types"
)

var errNotFound = errors.New("consensus_test: not found")

// fakeStore is an in-memory consensus.Store backed by plain maps, filled
// in by the test as it plays the part of the driver (Put on commit,
// SetLastCommit on commit).
type fakeStore struct {
	blocks  map[int64]*types.Block
	commits map[int64]types.Commit
}

func newFakeStore(genesis *types.Block) *fakeStore {
	return &fakeStore{
		blocks:  map[int64]*types.Block{0: genesis},
		commits: map[int64]types.Commit{},
	}
}

func (s *fakeStore) BlockOf(height int64) (*types.Block, error) {
	b, ok := s.blocks[height]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

func (s *fakeStore) LastCommit(height int64) (types.Commit, error) {
	c, ok := s.commits[height]
	if !ok {
		return types.Commit{}, errNotFound
	}
	return c, nil
}

func (s *fakeStore) put(block *types.Block, commit types.Commit) {
	s.blocks[block.Header.Height] = block
	s.commits[block.Header.Height] = commit
}

type fakeMempool struct{ txs types.TransactionList }

func (m *fakeMempool) Select(max int) types.TransactionList {
	if len(m.txs) > max {
		return m.txs[:max]
	}
	return m.txs
}

type testValidator struct {
	priv    crypto.PrivateKey
	address string
}

func newValidators(t *testing.T, n int) ([]testValidator, types.ValidatorSet) {
	t.Helper()
	vals := make([]testValidator, n)
	vs := make(types.ValidatorSet, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		vals[i] = testValidator{priv: priv, address: pub.Hex()}
		vs[i] = types.Validator{Address: pub.Hex(), VotingPower: 10}
	}
	return vals, vs
}

func genesisBlock(t *testing.T, vs types.ValidatorSet) *types.Block {
	t.Helper()
	cfg := types.GenesisConfig{ChainID: "test", Timestamp: 1, InitialValidatorSet: vs}
	g, err := cfg.NewGenesisBlock()
	require.NoError(t, err)
	return g
}

// onlyCommit returns the single ActionCommit among actions, failing the
// test if there isn't exactly one.
func onlyCommit(t *testing.T, actions []consensus.Action) consensus.ActionCommit {
	t.Helper()
	var commits []consensus.ActionCommit
	for _, a := range actions {
		if c, ok := a.(consensus.ActionCommit); ok {
			commits = append(commits, c)
		}
	}
	if len(commits) != 1 {
		t.Fatalf("want exactly one ActionCommit, got %d among %d actions", len(commits), len(actions))
	}
	return commits[0]
}

func findVote(actions []consensus.Action, typ types.VoteType) (types.Vote, bool) {
	for _, a := range actions {
		if bv, ok := a.(consensus.ActionBroadcastVote); ok && bv.Vote.Type == typ {
			return bv.Vote, true
		}
	}
	return types.Vote{}, false
}

// TestEngineSoleValidatorCommitsImmediately covers the trivial case: one
// validator is always its own proposer, so it proposes, self-prevotes
// and self-precommits a full quorum within the same Propose round,
// committing height 1 without ever needing a network round trip.
func TestEngineSoleValidatorCommitsImmediately(t *testing.T) {
	vals, vs := newValidators(t, 1)
	genesis := genesisBlock(t, vs)
	st := newFakeStore(genesis)
	mp := &fakeMempool{}

	e := consensus.New(consensus.DefaultConfig(), st, mp, nil, 0, vals[0].priv)
	actions, err := e.EnterHeight(1)
	require.NoError(t, err)

	commit := onlyCommit(t, actions)
	require.Equal(t, int64(1), commit.Block.Header.Height)
	require.Len(t, commit.Commit.Votes, 1)
	require.NoError(t, commit.Commit.VerifyAgainst(1, commit.Block.Hash(), vs))
}

// TestEngineTwoThirdsQuorumCommits plays out a full round with four
// validators where this node is the proposer: once its own proposal is
// self-accepted, it takes the other three nodes' prevotes then
// precommits to reach quorum and commit.
func TestEngineTwoThirdsQuorumCommits(t *testing.T) {
	vals, vs := newValidators(t, 4)
	genesis := genesisBlock(t, vs)
	st := newFakeStore(genesis)
	mp := &fakeMempool{}

	proposerIdx := -1
	for i := range vals {
		if vs.Proposer(0).Address == vals[i].address {
			proposerIdx = i
		}
	}
	require.GreaterOrEqual(t, proposerIdx, 0)

	e := consensus.New(consensus.DefaultConfig(), st, mp, nil, 0, vals[proposerIdx].priv)
	actions, err := e.EnterHeight(1)
	require.NoError(t, err)

	var proposal *types.Proposal
	for _, a := range actions {
		if bp, ok := a.(consensus.ActionBroadcastProposal); ok {
			proposal = &bp.Proposal
		}
	}
	require.NotNil(t, proposal)
	blockHash := proposal.Block.Hash()

	// Feed prevotes from the other three validators. With the engine's
	// own prevote already counted, the quorum (30 of 40, threshold 26)
	// lands partway through, so collect the actions across the loop.
	var prevoteActions []consensus.Action
	for i := range vals {
		if i == proposerIdx {
			continue
		}
		v := types.Vote{Height: 1, Round: 0, Type: types.VotePrevote, BlockHash: blockHash, ValidatorIndex: i, Validator: vals[i].address}
		v.Sign(vals[i].priv)
		acts, err := e.Vote(v)
		require.NoError(t, err)
		prevoteActions = append(prevoteActions, acts...)
	}
	// Reaching prevote quorum should have produced this node's own
	// precommit broadcast.
	precommit, ok := findVote(prevoteActions, types.VotePrecommit)
	require.True(t, ok)
	require.Equal(t, blockHash, precommit.BlockHash)

	// Feed precommits from the other three to reach the precommit quorum.
	var commitActions []consensus.Action
	for i := range vals {
		if i == proposerIdx {
			continue
		}
		v := types.Vote{Height: 1, Round: 0, Type: types.VotePrecommit, BlockHash: blockHash, ValidatorIndex: i, Validator: vals[i].address}
		v.Sign(vals[i].priv)
		acts, err := e.Vote(v)
		require.NoError(t, err)
		commitActions = append(commitActions, acts...)
	}

	commit := onlyCommit(t, commitActions)
	require.Equal(t, blockHash, commit.Block.Hash())
	require.NoError(t, commit.Commit.VerifyAgainst(1, blockHash, vs))
}

// TestEngineIgnoresStaleAndFutureVotes checks the height/round bounds
// applied by Vote: a vote for a height already left is dropped, and a
// vote for the following height is buffered rather than evaluated.
func TestEngineIgnoresStaleAndFutureVotes(t *testing.T) {
	vals, vs := newValidators(t, 1)
	genesis := genesisBlock(t, vs)
	st := newFakeStore(genesis)
	mp := &fakeMempool{}

	e := consensus.New(consensus.DefaultConfig(), st, mp, nil, 0, vals[0].priv)
	_, err := e.EnterHeight(1)
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Height())

	stale := types.Vote{Height: 0, Round: 0, Type: types.VotePrevote, ValidatorIndex: 0, Validator: vals[0].address}
	stale.Sign(vals[0].priv)
	actions, err := e.Vote(stale)
	require.NoError(t, err)
	require.Nil(t, actions)

	future := types.Vote{Height: 2, Round: 0, Type: types.VotePrevote, ValidatorIndex: 0, Validator: vals[0].address}
	future.Sign(vals[0].priv)
	actions, err = e.Vote(future)
	require.NoError(t, err)
	require.Nil(t, actions)
}

// proposalFor builds the block a correct proposer would produce for
// height 1 on top of genesis, with timestamp tweakable so two distinct
// proposals can exist for the same height.
func proposalFor(genesis *types.Block, vs types.ValidatorSet, round uint32, tsOffset int64) types.Proposal {
	body := types.BlockBody{
		LastBlockConsensus: types.Commit{},
		NextValidatorSet:   vs,
	}
	header := types.BlockHeader{
		Height:                 1,
		Timestamp:              genesis.Header.Timestamp + 1 + tsOffset,
		LastBlockHash:          genesis.Hash(),
		TransactionRoot:        body.Transactions.Hash(),
		LastBlockConsensusRoot: body.LastBlockConsensus.Hash(),
		NextValidatorSetRoot:   body.NextValidatorSet.Hash(),
		AppStateHash:           genesis.Header.AppStateHash,
	}
	return types.Proposal{Height: 1, Round: round, Block: &types.Block{Header: header, Body: body}, LockedRound: -1}
}

// TestEngineAdvancesRoundWhenProposerSilent covers a downed proposer: the
// round-0 proposer is down, so the propose timer fires and this node
// prevotes nil; once the round's nil prevotes and precommits converge
// and the precommit timer fires, the engine enters round 1 — where this
// node is the proposer and immediately proposes.
func TestEngineAdvancesRoundWhenProposerSilent(t *testing.T) {
	vals, vs := newValidators(t, 4)
	genesis := genesisBlock(t, vs)
	st := newFakeStore(genesis)
	mp := &fakeMempool{}

	selfIdx := -1
	for i := range vals {
		if vs.Proposer(1).Address == vals[i].address {
			selfIdx = i
		}
	}
	require.GreaterOrEqual(t, selfIdx, 0)
	require.NotEqual(t, vs.Proposer(0).Address, vals[selfIdx].address,
		"rotation must pick different proposers for rounds 0 and 1")

	e := consensus.New(consensus.DefaultConfig(), st, mp, nil, 0, vals[selfIdx].priv)
	_, err := e.EnterHeight(1)
	require.NoError(t, err)

	// Round 0 proposer never shows up: propose timer fires, nil prevote.
	actions := e.Timeout(consensus.EventTimeout{Height: 1, Round: 0, Step: consensus.StepPropose})
	v, ok := findVote(actions, types.VotePrevote)
	require.True(t, ok)
	require.True(t, v.IsNil())

	// Everyone else prevotes nil too; quorum of nil produces this
	// node's nil precommit.
	for i := range vals {
		if i == selfIdx {
			continue
		}
		nv := types.Vote{Height: 1, Round: 0, Type: types.VotePrevote, ValidatorIndex: i, Validator: vals[i].address}
		nv.Sign(vals[i].priv)
		_, err := e.Vote(nv)
		require.NoError(t, err)
	}
	for i := range vals {
		if i == selfIdx {
			continue
		}
		nv := types.Vote{Height: 1, Round: 0, Type: types.VotePrecommit, ValidatorIndex: i, Validator: vals[i].address}
		nv.Sign(vals[i].priv)
		_, err := e.Vote(nv)
		require.NoError(t, err)
	}

	actions = e.Timeout(consensus.EventTimeout{Height: 1, Round: 0, Step: consensus.StepPrecommit})
	require.Equal(t, uint32(1), e.Round())
	var proposed *types.Proposal
	for _, a := range actions {
		if bp, ok := a.(consensus.ActionBroadcastProposal); ok {
			proposed = &bp.Proposal
		}
	}
	require.NotNil(t, proposed, "this node proposes at round 1")
	require.Equal(t, uint32(1), proposed.Round)
}

// TestEngineLockedValidatorPrevotesNilForOtherBlock covers the locking
// safety rule: once this node precommits block B, a different proposal
// in a later round of the same height draws a nil prevote.
func TestEngineLockedValidatorPrevotesNilForOtherBlock(t *testing.T) {
	vals, vs := newValidators(t, 4)
	genesis := genesisBlock(t, vs)
	st := newFakeStore(genesis)
	mp := &fakeMempool{}

	selfIdx := -1
	for i := range vals {
		addr := vals[i].address
		if vs.Proposer(0).Address != addr && vs.Proposer(1).Address != addr {
			selfIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, selfIdx, 0)

	e := consensus.New(consensus.DefaultConfig(), st, mp, nil, 0, vals[selfIdx].priv)
	_, err := e.EnterHeight(1)
	require.NoError(t, err)

	blockB := proposalFor(genesis, vs, 0, 0)
	_, err = e.Propose(blockB)
	require.NoError(t, err)

	// Prevote quorum for B locks this node and draws its precommit for B.
	var acts []consensus.Action
	for i := range vals {
		if i == selfIdx {
			continue
		}
		pv := types.Vote{Height: 1, Round: 0, Type: types.VotePrevote, BlockHash: blockB.Block.Hash(), ValidatorIndex: i, Validator: vals[i].address}
		pv.Sign(vals[i].priv)
		a, err := e.Vote(pv)
		require.NoError(t, err)
		acts = append(acts, a...)
	}
	pc, ok := findVote(acts, types.VotePrecommit)
	require.True(t, ok)
	require.Equal(t, blockB.Block.Hash(), pc.BlockHash)

	// Nobody else precommits; the precommit timer pushes us to round 1,
	// where a different proposal arrives.
	for i := range vals {
		if i == selfIdx {
			continue
		}
		nv := types.Vote{Height: 1, Round: 0, Type: types.VotePrecommit, ValidatorIndex: i, Validator: vals[i].address}
		nv.Sign(vals[i].priv)
		_, err := e.Vote(nv)
		require.NoError(t, err)
	}
	_ = e.Timeout(consensus.EventTimeout{Height: 1, Round: 0, Step: consensus.StepPrecommit})
	require.Equal(t, uint32(1), e.Round())

	other := proposalFor(genesis, vs, 1, 7)
	require.NotEqual(t, blockB.Block.Hash(), other.Block.Hash())
	acts, err = e.Propose(other)
	require.NoError(t, err)
	pv, ok := findVote(acts, types.VotePrevote)
	require.True(t, ok)
	require.True(t, pv.IsNil(), "a locked validator must not prevote a different block")
}

// TestEngineRetainsEquivocationWithoutBlockingQuorum exercises the rule
// that a second, conflicting vote from an already-counted validator is
// recorded as an equivocation but does not disturb the vote already
// counted toward quorum.
func TestEngineRetainsEquivocationWithoutBlockingQuorum(t *testing.T) {
	vals, vs := newValidators(t, 4)
	genesis := genesisBlock(t, vs)
	st := newFakeStore(genesis)
	mp := &fakeMempool{}

	proposerIdx := -1
	for i := range vals {
		if vs.Proposer(0).Address == vals[i].address {
			proposerIdx = i
		}
	}
	require.GreaterOrEqual(t, proposerIdx, 0)

	e := consensus.New(consensus.DefaultConfig(), st, mp, nil, 0, vals[proposerIdx].priv)
	actions, err := e.EnterHeight(1)
	require.NoError(t, err)

	var blockHash types.Hash
	for _, a := range actions {
		if bp, ok := a.(consensus.ActionBroadcastProposal); ok {
			blockHash = bp.Proposal.Block.Hash()
		}
	}

	other := -1
	for i := range vals {
		if i != proposerIdx {
			other = i
			break
		}
	}
	require.GreaterOrEqual(t, other, 0)

	v1 := types.Vote{Height: 1, Round: 0, Type: types.VotePrevote, BlockHash: blockHash, ValidatorIndex: other, Validator: vals[other].address}
	v1.Sign(vals[other].priv)
	_, err = e.Vote(v1)
	require.NoError(t, err)

	// Same validator, conflicting vote for a different (nil) block in the
	// same round: retained as an equivocation, not an error, and does not
	// panic or corrupt the already-counted vote.
	v2 := types.Vote{Height: 1, Round: 0, Type: types.VotePrevote, BlockHash: types.Hash{}, ValidatorIndex: other, Validator: vals[other].address}
	v2.Sign(vals[other].priv)
	actions, err = e.Vote(v2)
	require.NoError(t, err)
	require.Nil(t, actions)

	// The counted vote still stands: one more prevote for the block
	// brings it to 30 of 40 power and draws this node's precommit.
	third := -1
	for i := range vals {
		if i != proposerIdx && i != other {
			third = i
			break
		}
	}
	require.GreaterOrEqual(t, third, 0)
	v3 := types.Vote{Height: 1, Round: 0, Type: types.VotePrevote, BlockHash: blockHash, ValidatorIndex: third, Validator: vals[third].address}
	v3.Sign(vals[third].priv)
	actions, err = e.Vote(v3)
	require.NoError(t, err)
	precommit, ok := findVote(actions, types.VotePrecommit)
	require.True(t, ok)
	require.Equal(t, blockHash, precommit.BlockHash)
}
