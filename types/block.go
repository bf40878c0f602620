package types

import (
	"errors"
	"fmt"
)

// BlockHeader is the hashed, signed-over summary of a block. Field order
// here is the canonical order used by Hash().
type BlockHeader struct {
	Height                 int64  `json:"height"`
	Timestamp              int64  `json:"timestamp"` // genesis value from config; the engine uses parent + 1
	LastBlockHash          Hash   `json:"last_block_hash"`
	TransactionRoot        Hash   `json:"transaction_root"`
	LastBlockConsensusRoot Hash   `json:"last_block_consensus_root"`
	NextValidatorSetRoot   Hash   `json:"next_validator_set_root"`
	AppStateHash           Hash   `json:"app_state_hash"`
}

// Hash returns the canonical hash of the header, computed over the fixed
// field order declared above.
func (h BlockHeader) Hash() Hash {
	var heightBuf, tsBuf [8]byte
	for i := 0; i < 8; i++ {
		heightBuf[7-i] = byte(h.Height >> (8 * i))
		tsBuf[7-i] = byte(h.Timestamp >> (8 * i))
	}
	last, txr, cr, nvsr, ash := h.LastBlockHash, h.TransactionRoot, h.LastBlockConsensusRoot, h.NextValidatorSetRoot, h.AppStateHash
	return HashConcat(heightBuf[:], tsBuf[:], last[:], txr[:], cr[:], nvsr[:], ash[:])
}

// BlockBody carries the transactions and consensus proof for a block.
type BlockBody struct {
	Transactions       TransactionList `json:"transactions"`
	LastBlockConsensus Commit          `json:"last_block_consensus"`
	NextValidatorSet   ValidatorSet    `json:"next_validator_set"`
}

// Block pairs a header with its body.
type Block struct {
	Header BlockHeader `json:"header"`
	Body   BlockBody   `json:"body"`
}

// Hash returns the block's identity, the hash of its header.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// ValidateStructure checks the header-body cross-references required of
// every block regardless of its position in the chain.
func (b *Block) ValidateStructure() error {
	if got, want := b.Header.TransactionRoot, b.Body.Transactions.Hash(); got != want {
		return fmt.Errorf("block: transaction root mismatch: header %s body %s", got, want)
	}
	if got, want := b.Header.LastBlockConsensusRoot, b.Body.LastBlockConsensus.Hash(); got != want {
		return fmt.Errorf("block: last-block-consensus root mismatch: header %s body %s", got, want)
	}
	if got, want := b.Header.NextValidatorSetRoot, b.Body.NextValidatorSet.Hash(); got != want {
		return fmt.Errorf("block: next-validator-set root mismatch: header %s body %s", got, want)
	}
	return nil
}

// ValidateAgainstParent checks the invariants that relate a block to
// its immediate predecessor: height continuity, timestamp monotonicity,
// hash linkage, and the commit certificate proving a precommit quorum for
// the parent under the parent's own next-validator-set.
func (b *Block) ValidateAgainstParent(parent *Block) error {
	if err := b.ValidateStructure(); err != nil {
		return err
	}
	if b.Header.Height != parent.Header.Height+1 {
		return fmt.Errorf("block: height %d does not follow parent %d", b.Header.Height, parent.Header.Height)
	}
	if b.Header.Timestamp < parent.Header.Timestamp {
		return fmt.Errorf("block: timestamp %d precedes parent %d", b.Header.Timestamp, parent.Header.Timestamp)
	}
	if b.Header.LastBlockHash != parent.Hash() {
		return fmt.Errorf("block: last_block_hash %s does not match parent %s", b.Header.LastBlockHash, parent.Hash())
	}
	// Genesis is installed directly, not agreed on by a precommit round,
	// so block 1 carries no real certificate for it: an empty commit is
	// the only well-formed proof of a block nothing ever voted on.
	if parent.Header.Height == 0 {
		if len(b.Body.LastBlockConsensus.Votes) != 0 {
			return errors.New("block: commit certificate for genesis must be empty")
		}
		return nil
	}
	if err := b.Body.LastBlockConsensus.VerifyAgainst(parent.Header.Height, parent.Hash(), parent.Body.NextValidatorSet); err != nil {
		return fmt.Errorf("block: parent commit certificate invalid: %w", err)
	}
	return nil
}

// GenesisConfig describes the deterministic construction of block 0.
type GenesisConfig struct {
	ChainID             string       `json:"chain_id"`
	Timestamp           int64        `json:"timestamp"`
	InitialValidatorSet ValidatorSet `json:"initial_validator_set"`
	InitialAppStateHash Hash         `json:"initial_app_state_hash"`
}

// NewGenesisBlock builds the deterministic height-0 block for cfg. It
// carries no transactions and no real commit certificate (there is no
// parent to have committed it); LastBlockConsensus is the zero value.
func (cfg GenesisConfig) NewGenesisBlock() (*Block, error) {
	if len(cfg.InitialValidatorSet) == 0 {
		return nil, errors.New("genesis: initial validator set must not be empty")
	}
	body := BlockBody{
		Transactions:       nil,
		LastBlockConsensus: Commit{},
		NextValidatorSet:   cfg.InitialValidatorSet,
	}
	header := BlockHeader{
		Height:                 0,
		Timestamp:              cfg.Timestamp,
		LastBlockHash:          ZeroHash,
		TransactionRoot:        body.Transactions.Hash(),
		LastBlockConsensusRoot: body.LastBlockConsensus.Hash(),
		NextValidatorSetRoot:   body.NextValidatorSet.Hash(),
		AppStateHash:           cfg.InitialAppStateHash,
	}
	return &Block{Header: header, Body: body}, nil
}
