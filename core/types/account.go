// Package types holds the account representation used by the reference
// ledger implementation backing ValueCustody. The lending engine itself only
// depends on the lending.Ledger interface (native/lending/custody.go); this
// concrete type exists so the
// in-memory ledger (and tests) have something to store.
package types

import "math/big"

// Account tracks an identity's balances across every asset it holds. Lending
// assets are opaque identifiers supplied per-loan, so balances are keyed by
// asset id rather than a fixed native-token field.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// Balance returns the account's balance for the given asset, defaulting to
// zero when the asset has never been credited.
func (a *Account) Balance(asset string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[asset]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// SetBalance stores the balance for the given asset.
func (a *Account) SetBalance(asset string, amount *big.Int) {
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[asset] = amount
}
