package wallet

import (
	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/dapp"
	"github.com/tolelom/tolbft/types"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key, used as a
// transaction's "from" field and as the validator address.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the short human-readable address (first 20 bytes of SHA-256(pubkey)).
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// NewTx builds and signs a transaction carrying payload at nonce. nonce
// should match the account's current nonce as tracked by the target Dapp.
func (w *Wallet) NewTx(nonce uint64, payload any) (*types.Transaction, error) {
	tx, err := types.NewTransaction(w.pub.Hex(), nonce, payload)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}

// Transfer builds a signed transaction moving amount to to, understood
// by dapp.TokenDapp.
func (w *Wallet) Transfer(to string, amount, nonce uint64) (*types.Transaction, error) {
	return w.NewTx(nonce, dapp.TransferPayload{To: to, Amount: amount})
}
