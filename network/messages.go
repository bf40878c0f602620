package network

import "github.com/tolelom/tolbft/types"

// HelloMessage is exchanged once per connection during the node
// coordinator's handshake: height is the sender's current tip, genesis
// is the hash of its block 0. A mismatched genesis identifies a
// foreign chain.
type HelloMessage struct {
	Height  int64      `json:"height"`
	Genesis types.Hash `json:"genesis"`
}

// NewTransactionMessage gossips a single pending transaction.
type NewTransactionMessage struct {
	Transaction *types.Transaction `json:"transaction"`
}

// NewBlockHeightMessage announces the sender's tip without the block
// itself, prompting the receiver's synchronizer to fetch if it is
// behind.
type NewBlockHeightMessage struct {
	Height int64 `json:"height"`
}

// NewBlockMessage pushes a freshly committed block; the node coordinator
// sends one to its peers after each local commit.
type NewBlockMessage struct {
	Block *types.Block `json:"block"`
}

// ConsensusMessage carries exactly one of a Proposal or a Vote, whose
// own Type field distinguishes prevote from precommit.
type ConsensusMessage struct {
	Proposal *types.Proposal `json:"proposal,omitempty"`
	Vote     *types.Vote     `json:"vote,omitempty"`
}

// GetConsentedHeaderMessage requests the header at height together
// with the commit certificate that finalized it.
type GetConsentedHeaderMessage struct {
	Height int64 `json:"height"`
}

// ConsentedHeaderMessage answers GetConsentedHeaderMessage. Found=false
// signals "not found"; Header and Commit are then zero values.
type ConsentedHeaderMessage struct {
	Header types.BlockHeader `json:"header"`
	Commit types.Commit      `json:"commit"`
	Found  bool              `json:"found"`
}

// GetHeadersMessage requests up to Count consecutive headers starting
// at From.
type GetHeadersMessage struct {
	From  int64 `json:"from"`
	Count int   `json:"count"`
}

// HeadersMessage answers GetHeadersMessage. Fewer headers than
// requested means the responder's tip was reached first or the
// request exceeded MaxHeadersPerRequest.
type HeadersMessage struct {
	Headers []types.BlockHeader `json:"headers"`
}

// GetBodiesMessage requests the bodies at the given heights.
type GetBodiesMessage struct {
	Heights []int64 `json:"heights"`
}

// BodiesMessage answers GetBodiesMessage, in the same order as the
// request; a height beyond the responder's tip is simply omitted.
type BodiesMessage struct {
	Bodies []types.BlockBody `json:"bodies"`
}
