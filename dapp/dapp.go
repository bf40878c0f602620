// Package dapp defines the interface between the execution engine and
// application logic, keeping consensus and storage ignorant of what a
// transaction payload actually means.
package dapp

import "github.com/tolelom/tolbft/types"

// Dapp is the application the chain executes. ExecuteTransaction applies
// one transaction's effects to the application's own state and reports
// whether it was accepted; a returned error marks the transaction as
// rejected-but-included (it still consumes a nonce and occupies a block
// slot, but its effects do not apply) rather than halting the node.
// GetAppStateHash returns a deterministic digest of the current
// application state, included in the next block header.
//
// ValidateTransaction is a cheap, side-effect-free check the mempool
// runs before admitting or re-checking a transaction: it should reject
// anything ExecuteTransaction would certainly reject (bad nonce,
// insufficient balance against currently committed state) without
// mutating state. SelectTransactions orders and bounds a candidate set
// for block proposal, e.g. by per-account nonce order.
type Dapp interface {
	ValidateTransaction(tx *types.Transaction) error
	ExecuteTransaction(tx *types.Transaction) error
	SelectTransactions(candidates types.TransactionList, max int) types.TransactionList
	GetAppStateHash() types.Hash
}

// ValidatorSetProvider is an optional extension a Dapp implements to
// rotate the validator set between blocks. Given the set that decided
// the current height, it returns the set for the next one; returning
// current unchanged keeps the membership static. Implementations must
// be deterministic over committed state, since every node computes the
// rotation independently.
type ValidatorSetProvider interface {
	NextValidatorSet(current types.ValidatorSet) types.ValidatorSet
}
