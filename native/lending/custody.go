package lending

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/nhbprotocol/p2plend/core/types"
	"github.com/nhbprotocol/p2plend/crypto"
)

// Ledger is the external custody abstraction the engine pulls collateral and
// debt through. Pull must atomically check-and-debit from; Push must
// atomically credit to. Both return a non-nil error on insufficient balance
// or any other custody-layer failure, which the engine wraps as
// ErrCustodyFailure and never retries.
type Ledger interface {
	Pull(asset AssetID, from crypto.Address, amount *big.Int) error
	Push(asset AssetID, to crypto.Address, amount *big.Int) error
}

// MemLedger is an in-memory Ledger backed by core/types.Account balances. It
// exists for tests and local demo wiring; a production deployment points the
// engine at a real settlement ledger instead.
type MemLedger struct {
	mu       sync.Mutex
	accounts map[string]*types.Account
}

// NewMemLedger constructs an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{accounts: make(map[string]*types.Account)}
}

// Credit seeds an address with a starting balance; used by tests and demo
// bootstrapping, never by the engine itself.
func (l *MemLedger) Credit(asset AssetID, addr crypto.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(addr)
	bal := acct.Balance(string(asset))
	acct.SetBalance(string(asset), new(big.Int).Add(bal, amount))
}

// BalanceOf reports the current balance of asset held by addr.
func (l *MemLedger) BalanceOf(asset AssetID, addr crypto.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(addr)
	return new(big.Int).Set(acct.Balance(string(asset)))
}

func (l *MemLedger) accountLocked(addr crypto.Address) *types.Account {
	key := addr.String()
	acct, ok := l.accounts[key]
	if !ok {
		acct = &types.Account{Balances: make(map[string]*big.Int)}
		l.accounts[key] = acct
	}
	return acct
}

// Pull debits amount of asset from the from address. It fails closed on a
// nil/non-positive amount or insufficient balance.
func (l *MemLedger) Pull(asset AssetID, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: pull amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(from)
	bal := acct.Balance(string(asset))
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: insufficient balance for %s: have %s want %s", from.String(), bal.String(), amount.String())
	}
	acct.SetBalance(string(asset), new(big.Int).Sub(bal, amount))
	return nil
}

// Push credits amount of asset to the to address.
func (l *MemLedger) Push(asset AssetID, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: push amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(to)
	bal := acct.Balance(string(asset))
	acct.SetBalance(string(asset), new(big.Int).Add(bal, amount))
	return nil
}
