package main

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

// vault is the daemon's custody of token funds: everything attached to calls
// flows in, refunds and surplus extraction flow out. Actual settlement is the
// host's business; the vault only tracks the balance and records outbound
// transfers as log events.
type vault struct {
	mu      sync.Mutex
	logger  *slog.Logger
	balance *big.Int
}

func newVault(logger *slog.Logger) *vault {
	return &vault{logger: logger, balance: big.NewInt(0)}
}

func (v *vault) Receive(account string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	v.balance.Add(v.balance, amount)
	v.mu.Unlock()
	v.logger.Info("funds received", "account", account, "amount", amount.String())
}

func (v *vault) Refund(account string, amount *big.Int) {
	if err := v.Transfer(account, amount); err != nil {
		v.logger.Warn("failed to return attached funds", "account", account, "error", err)
	}
}

func (v *vault) Balance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance)
}

func (v *vault) Transfer(account string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	v.mu.Lock()
	if v.balance.Cmp(amount) < 0 {
		held := v.balance.String()
		v.mu.Unlock()
		return fmt.Errorf("vault holds %s, cannot transfer %s", held, amount)
	}
	v.balance.Sub(v.balance, amount)
	v.mu.Unlock()
	v.logger.Info("funds transferred", "account", account, "amount", amount.String())
	return nil
}
