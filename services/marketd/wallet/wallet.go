// Package wallet answers the two questions governance asks of the local
// wallet: which addresses it controls and how much each holds.
package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// MaxAddressLength matches the width of the envelope sender column.
const MaxAddressLength = 128

// ValidAddress reports whether s can be a message sender. The format is owned
// by the transport: loopback peers use bech32 keys, the messaging daemon its
// own encoding, so only shape is checked here.
func ValidAddress(s string) bool {
	if s == "" || len(s) > MaxAddressLength {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// Wallet is the local wallet as seen by vote processing.
type Wallet interface {
	Owns(ctx context.Context, address string) (bool, error)
	// Balance returns the spendable balance in the smallest unit.
	Balance(ctx context.Context, address string) (uint64, error)
}

// Static is a Wallet backed by configured addresses and balances.
type Static struct {
	mu       sync.RWMutex
	owned    map[string]struct{}
	balances map[string]uint64
}

// NewStatic validates every address and builds the wallet. Balances may name
// foreign addresses so their votes carry weight too. Addresses are compared
// exactly as the transport reports senders.
func NewStatic(owned []string, balances map[string]uint64) (*Static, error) {
	w := &Static{owned: make(map[string]struct{}, len(owned)), balances: make(map[string]uint64, len(balances))}
	for _, addr := range owned {
		addr = strings.TrimSpace(addr)
		if !ValidAddress(addr) {
			return nil, fmt.Errorf("wallet: invalid address %q", addr)
		}
		w.owned[addr] = struct{}{}
	}
	for addr, amount := range balances {
		addr = strings.TrimSpace(addr)
		if !ValidAddress(addr) {
			return nil, fmt.Errorf("wallet: invalid balance address %q", addr)
		}
		w.balances[addr] = amount
	}
	return w, nil
}

// Owns reports whether address is one of the configured addresses.
func (w *Static) Owns(_ context.Context, address string) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.owned[strings.TrimSpace(address)]
	return ok, nil
}

// Balance returns the configured balance, zero when unknown.
func (w *Static) Balance(_ context.Context, address string) (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balances[strings.TrimSpace(address)], nil
}

// SetBalance overrides the balance of address.
func (w *Static) SetBalance(address string, amount uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[strings.TrimSpace(address)] = amount
}

// FuncWallet adapts callbacks to the Wallet interface.
type FuncWallet struct {
	OwnsFunc    func(ctx context.Context, address string) (bool, error)
	BalanceFunc func(ctx context.Context, address string) (uint64, error)
}

// Owns delegates to the configured callback.
func (w FuncWallet) Owns(ctx context.Context, address string) (bool, error) {
	if w.OwnsFunc == nil {
		return false, nil
	}
	return w.OwnsFunc(ctx, address)
}

// Balance delegates to the configured callback.
func (w FuncWallet) Balance(ctx context.Context, address string) (uint64, error) {
	if w.BalanceFunc == nil {
		return 0, nil
	}
	return w.BalanceFunc(ctx, address)
}
