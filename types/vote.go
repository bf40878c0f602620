package types

import (
	"fmt"

	"github.com/tolelom/tolbft/crypto"
)

// VoteType distinguishes prevotes from precommits.
type VoteType uint8

const (
	VotePrevote VoteType = iota + 1
	VotePrecommit
)

func (t VoteType) String() string {
	switch t {
	case VotePrevote:
		return "prevote"
	case VotePrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Vote is a single validator's signed prevote or precommit for a round.
// BlockHash is the zero hash for a nil vote.
type Vote struct {
	Height         int64    `json:"height"`
	Round          uint32   `json:"round"`
	Type           VoteType `json:"type"`
	BlockHash      Hash     `json:"block_hash"`
	ValidatorIndex int      `json:"validator_index"`
	Validator      string   `json:"validator"` // hex pubkey, redundant with index but needed to verify
	Signature      string   `json:"signature"`
}

// signingBytes returns the canonical bytes covered by the vote signature.
func (v *Vote) signingBytes() []byte {
	var heightBuf [8]byte
	for i := 0; i < 8; i++ {
		heightBuf[7-i] = byte(v.Height >> (8 * i))
	}
	var roundBuf [4]byte
	for i := 0; i < 4; i++ {
		roundBuf[3-i] = byte(v.Round >> (8 * i))
	}
	h := v.BlockHash
	hh := HashConcat(heightBuf[:], roundBuf[:], []byte{byte(v.Type)}, h[:])
	return hh[:]
}

// Sign signs the vote with priv and sets Validator to its public key.
func (v *Vote) Sign(priv crypto.PrivateKey) {
	v.Validator = priv.Public().Hex()
	v.Signature = crypto.Sign(priv, v.signingBytes())
}

// Verify checks the vote's signature against its claimed Validator.
func (v *Vote) Verify() error {
	pub, err := crypto.PubKeyFromHex(v.Validator)
	if err != nil {
		return fmt.Errorf("vote: invalid validator pubkey: %w", err)
	}
	return crypto.Verify(pub, v.signingBytes(), v.Signature)
}

// IsNil reports whether the vote is for "no block".
func (v *Vote) IsNil() bool {
	return v.BlockHash.IsZero()
}

// Proposal is broadcast by the round's proposer.
type Proposal struct {
	Height      int64  `json:"height"`
	Round       uint32 `json:"round"`
	Block       *Block `json:"block"`
	LockedRound int32  `json:"locked_round"` // -1 means "no lock"
}

// CommitVote is one precommit within a Commit certificate.
type CommitVote struct {
	ValidatorIndex int    `json:"validator_index"`
	Signature      string `json:"signature"`
	BlockHash      Hash   `json:"block_hash"`
}

// Commit is the certificate proving a block received a precommit quorum
// in a given round.
type Commit struct {
	Round int64        `json:"round"`
	Votes []CommitVote `json:"votes"`
}

// Hash returns a deterministic root for the commit certificate.
func (c Commit) Hash() Hash {
	parts := make([][]byte, 0, len(c.Votes)+1)
	var roundBuf [8]byte
	for i := 0; i < 8; i++ {
		roundBuf[7-i] = byte(c.Round >> (8 * i))
	}
	parts = append(parts, roundBuf[:])
	for _, v := range c.Votes {
		h := v.BlockHash
		parts = append(parts, h[:], []byte(v.Signature))
	}
	return HashConcat(parts...)
}

// VerifyAgainst checks that the commit proves a BFT quorum of precommits
// for blockHash under validators, i.e. that every included vote for
// blockHash verifies against the claimed validator index's public key at
// (height, c.Round, precommit), and that the aggregate power of valid,
// non-duplicate votes exceeds validators.Threshold(). Votes for other
// hashes are skipped without verifying their signatures.
func (c Commit) VerifyAgainst(height int64, blockHash Hash, validators ValidatorSet) error {
	seen := make(map[int]bool, len(c.Votes))
	var power uint64
	for _, cv := range c.Votes {
		if cv.ValidatorIndex < 0 || cv.ValidatorIndex >= len(validators) {
			return fmt.Errorf("commit: validator index %d out of range", cv.ValidatorIndex)
		}
		if cv.BlockHash != blockHash {
			continue // vote for a different value does not count toward this block's quorum
		}
		if seen[cv.ValidatorIndex] {
			continue // duplicate vote from the same validator, count once
		}
		val := validators[cv.ValidatorIndex]
		vote := Vote{
			Height:         height,
			Round:          uint32(c.Round),
			Type:           VotePrecommit,
			BlockHash:      blockHash,
			ValidatorIndex: cv.ValidatorIndex,
			Validator:      val.Address,
			Signature:      cv.Signature,
		}
		if err := vote.Verify(); err != nil {
			return fmt.Errorf("commit: validator %d signature invalid: %w", cv.ValidatorIndex, err)
		}
		seen[cv.ValidatorIndex] = true
		power += val.VotingPower
	}
	if !validators.HasQuorum(power) {
		return fmt.Errorf("commit: insufficient voting power %d (threshold %d)", power, validators.Threshold())
	}
	return nil
}
