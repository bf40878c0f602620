package consensus

import (
	"fmt"

	"github.com/tolelom/tolbft/types"
)

// VoteSet collects votes of one type for a single (height, round),
// deduplicated by validator index. It never discards an equivocating
// vote: equivocation is recorded but never blocks progress, since
// slashing belongs to a higher layer.
type VoteSet struct {
	height     int64
	round      uint32
	voteType   types.VoteType
	validators types.ValidatorSet

	votes         map[int]types.Vote   // one counted vote per validator
	equivocations map[int][]types.Vote // extra distinct votes from the same validator
	powerByHash   map[types.Hash]uint64
}

// NewVoteSet returns an empty VoteSet for the given round and vote type.
func NewVoteSet(height int64, round uint32, voteType types.VoteType, validators types.ValidatorSet) *VoteSet {
	return &VoteSet{
		height:        height,
		round:         round,
		voteType:      voteType,
		validators:    validators,
		votes:         make(map[int]types.Vote),
		equivocations: make(map[int][]types.Vote),
		powerByHash:   make(map[types.Hash]uint64),
	}
}

// Add verifies and records vote. It reports whether the vote was newly
// counted (added==true) and whether it is an equivocation against an
// already-counted vote from the same validator.
func (vs *VoteSet) Add(vote types.Vote) (added bool, equivocated bool, err error) {
	if vote.Height != vs.height || vote.Round != vs.round || vote.Type != vs.voteType {
		return false, false, fmt.Errorf("voteset: vote (%d,%d,%s) does not match set (%d,%d,%s)",
			vote.Height, vote.Round, vote.Type, vs.height, vs.round, vs.voteType)
	}
	if vote.ValidatorIndex < 0 || vote.ValidatorIndex >= len(vs.validators) {
		return false, false, fmt.Errorf("voteset: validator index %d out of range", vote.ValidatorIndex)
	}
	if vs.validators[vote.ValidatorIndex].Address != vote.Validator {
		return false, false, fmt.Errorf("voteset: validator index %d does not match claimed address", vote.ValidatorIndex)
	}
	if err := (&vote).Verify(); err != nil {
		return false, false, fmt.Errorf("voteset: signature invalid: %w", err)
	}

	existing, have := vs.votes[vote.ValidatorIndex]
	if !have {
		vs.votes[vote.ValidatorIndex] = vote
		vs.powerByHash[vote.BlockHash] += vs.validators[vote.ValidatorIndex].VotingPower
		return true, false, nil
	}
	if existing.BlockHash == vote.BlockHash {
		return false, false, nil // exact duplicate, already counted
	}
	vs.equivocations[vote.ValidatorIndex] = append(vs.equivocations[vote.ValidatorIndex], vote)
	return false, true, nil
}

// TwoThirdsMajority returns the block hash with a counted BFT quorum of
// power, if one exists.
func (vs *VoteSet) TwoThirdsMajority() (types.Hash, bool) {
	for hash, power := range vs.powerByHash {
		if vs.validators.HasQuorum(power) {
			return hash, true
		}
	}
	return types.Hash{}, false
}

// TotalCountedPower returns the summed power of every distinct
// validator counted, regardless of which value they voted for — used
// to gate "have we heard from > 2/3 of power at all" independent of
// whether they agree.
func (vs *VoteSet) TotalCountedPower() uint64 {
	var total uint64
	for idx := range vs.votes {
		total += vs.validators[idx].VotingPower
	}
	return total
}

// HasQuorumOfAny reports whether a BFT quorum of power has voted at
// all, for any value(s) combined.
func (vs *VoteSet) HasQuorumOfAny() bool {
	return vs.validators.HasQuorum(vs.TotalCountedPower())
}

// ToCommit builds a Commit certificate for blockHash from the counted
// votes matching it, ordered by validator index so the certificate's
// own hash is deterministic. Callers should only do this after
// confirming a quorum via TwoThirdsMajority.
func (vs *VoteSet) ToCommit(blockHash types.Hash) types.Commit {
	var commitVotes []types.CommitVote
	for idx := range vs.validators {
		v, ok := vs.votes[idx]
		if !ok || v.BlockHash != blockHash {
			continue
		}
		commitVotes = append(commitVotes, types.CommitVote{
			ValidatorIndex: idx,
			Signature:      v.Signature,
			BlockHash:      v.BlockHash,
		})
	}
	return types.Commit{Round: int64(vs.round), Votes: commitVotes}
}
