package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolbft/crypto"
)

// TransactionData is the signed portion of a Transaction.
type TransactionData struct {
	Nonce   uint64          `json:"nonce"`
	Payload json.RawMessage `json:"payload"`
}

// Transaction is the atomic unit admitted into the pool and included in
// blocks. From identifies the signer as a hex-encoded ed25519 public key;
// it is part of the signed bytes (see signingBytes) and is the key the
// signature is verified against.
type Transaction struct {
	From      string          `json:"from"`
	Data      TransactionData `json:"data"`
	Signature string          `json:"signature"`
}

// signingBytes returns the canonical bytes covered by the signature.
func (tx *Transaction) signingBytes() []byte {
	data, _ := json.Marshal(tx.Data)
	h := HashConcat([]byte(tx.From), data)
	return h[:]
}

// Hash returns the transaction's identity, the hash of its canonical
// serialization (including From, excluding Signature).
func (tx *Transaction) Hash() Hash {
	return HashBytes(tx.signingBytes())
}

// Sign signs tx with priv, whose public key must equal tx.From.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	tx.Signature = crypto.Sign(priv, tx.signingBytes())
}

// Verify checks the signature against From.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("transaction: missing from")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("transaction: invalid from: %w", err)
	}
	return crypto.Verify(pub, tx.signingBytes(), tx.Signature)
}

// NewTransaction builds an unsigned transaction. Call Sign before
// submitting it.
func NewTransaction(from string, nonce uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transaction: marshal payload: %w", err)
	}
	return &Transaction{
		From: from,
		Data: TransactionData{Nonce: nonce, Payload: raw},
	}, nil
}

// TransactionList is an ordered, hashable sequence of transactions.
type TransactionList []*Transaction

// Hash returns the Merkle-style root: the hash of the length-prefixed
// concatenation of each transaction's own hash, in order.
func (l TransactionList) Hash() Hash {
	if len(l) == 0 {
		return HashBytes([]byte("empty"))
	}
	parts := make([][]byte, len(l))
	for i, tx := range l {
		h := tx.Hash()
		parts[i] = h[:]
	}
	return HashConcat(parts...)
}
