package dapp

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tolelom/tolbft/types"
)

// TransferPayload is the only transaction payload TokenDapp understands:
// move amount from the signer to To.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type account struct {
	Balance uint64
	Nonce   uint64
}

// TokenDapp is a minimal account-balance ledger with nonce replay
// protection: the reference Dapp used to exercise the execution engine
// and the liveness scenarios end to end. Accounts are addressed by the
// hex-encoded public key that signed the transaction.
type TokenDapp struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// NewTokenDapp returns a TokenDapp seeded with the given initial
// balances (address -> balance), each starting at nonce 0.
func NewTokenDapp(alloc map[string]uint64) *TokenDapp {
	d := &TokenDapp{accounts: make(map[string]*account)}
	for addr, bal := range alloc {
		d.accounts[addr] = &account{Balance: bal}
	}
	return d
}

func (d *TokenDapp) get(addr string) *account {
	a, ok := d.accounts[addr]
	if !ok {
		a = &account{}
		d.accounts[addr] = a
	}
	return a
}

// peek returns addr's account without creating one, so read-only paths
// (validation, balance queries) cannot perturb the state hash.
func (d *TokenDapp) peek(addr string) account {
	if a, ok := d.accounts[addr]; ok {
		return *a
	}
	return account{}
}

// ValidateTransaction performs the cheap checks the mempool needs
// before admitting a transaction, without mutating any state: the
// payload must decode, the nonce must not be stale, and if it is the
// sender's immediate next nonce the balance must currently cover it.
func (d *TokenDapp) ValidateTransaction(tx *types.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var p TransferPayload
	if err := json.Unmarshal(tx.Data.Payload, &p); err != nil {
		return fmt.Errorf("dapp: decode transfer payload: %w", err)
	}
	if p.Amount == 0 {
		return fmt.Errorf("dapp: transfer amount must be > 0")
	}
	if p.To == "" {
		return fmt.Errorf("dapp: transfer recipient required")
	}

	sender := d.peek(tx.From)
	if tx.Data.Nonce < sender.Nonce {
		return fmt.Errorf("dapp: stale nonce for %s: have %d want >= %d", tx.From, tx.Data.Nonce, sender.Nonce)
	}
	if tx.Data.Nonce == sender.Nonce && sender.Balance < p.Amount {
		return fmt.Errorf("dapp: insufficient balance: have %d need %d", sender.Balance, p.Amount)
	}
	return nil
}

// SelectTransactions orders candidates for block proposal: transactions
// from the same sender are placed in ascending nonce order, and senders
// are interleaved in the order their first candidate appeared, up to
// max total transactions.
func (d *TokenDapp) SelectTransactions(candidates types.TransactionList, max int) types.TransactionList {
	bySender := make(map[string][]*types.Transaction)
	var senderOrder []string
	for _, tx := range candidates {
		if _, ok := bySender[tx.From]; !ok {
			senderOrder = append(senderOrder, tx.From)
		}
		bySender[tx.From] = append(bySender[tx.From], tx)
	}
	for _, txs := range bySender {
		sort.Slice(txs, func(i, j int) bool { return txs[i].Data.Nonce < txs[j].Data.Nonce })
	}

	out := make(types.TransactionList, 0, max)
	idx := make(map[string]int, len(senderOrder))
	for len(out) < max {
		progressed := false
		for _, sender := range senderOrder {
			i := idx[sender]
			if i >= len(bySender[sender]) {
				continue
			}
			out = append(out, bySender[sender][i])
			idx[sender] = i + 1
			progressed = true
			if len(out) >= max {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

// ExecuteTransaction applies a TransferPayload. The transaction's nonce
// must equal the sender's current nonce exactly (no gaps, no replay).
// Once the nonce matches it is consumed even if the transfer itself
// fails, so a bad transfer cannot be replayed.
func (d *TokenDapp) ExecuteTransaction(tx *types.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sender := d.get(tx.From)
	if tx.Data.Nonce != sender.Nonce {
		return fmt.Errorf("dapp: invalid nonce for %s: expected %d got %d", tx.From, sender.Nonce, tx.Data.Nonce)
	}
	sender.Nonce++

	var p TransferPayload
	if err := json.Unmarshal(tx.Data.Payload, &p); err != nil {
		return fmt.Errorf("dapp: decode transfer payload: %w", err)
	}
	if p.Amount == 0 {
		return fmt.Errorf("dapp: transfer amount must be > 0")
	}
	if p.To == "" {
		return fmt.Errorf("dapp: transfer recipient required")
	}
	if sender.Balance < p.Amount {
		return fmt.Errorf("dapp: insufficient balance: have %d need %d", sender.Balance, p.Amount)
	}
	sender.Balance -= p.Amount
	d.get(p.To).Balance += p.Amount
	return nil
}

// Balance returns addr's current balance.
func (d *TokenDapp) Balance(addr string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peek(addr).Balance
}

// Nonce returns addr's current nonce.
func (d *TokenDapp) Nonce(addr string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peek(addr).Nonce
}

// GetAppStateHash returns a deterministic digest over every account,
// sorted by address so the hash does not depend on map iteration order.
func (d *TokenDapp) GetAppStateHash() types.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()

	addrs := make([]string, 0, len(d.accounts))
	for addr, a := range d.accounts {
		// An account that was only ever read (zero balance, zero nonce)
		// is indistinguishable from one never touched; leaving it out
		// keeps the hash canonical across nodes.
		if a.Balance == 0 && a.Nonce == 0 {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	parts := make([][]byte, 0, len(addrs)*3)
	for _, addr := range addrs {
		a := d.accounts[addr]
		var balBuf, nonceBuf [8]byte
		for i := 0; i < 8; i++ {
			balBuf[7-i] = byte(a.Balance >> (8 * i))
			nonceBuf[7-i] = byte(a.Nonce >> (8 * i))
		}
		parts = append(parts, []byte(addr), balBuf[:], nonceBuf[:])
	}
	return types.HashConcat(parts...)
}
