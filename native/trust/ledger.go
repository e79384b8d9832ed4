package trust

import (
	"errors"
	"fmt"
	"math/big"

	"trustmesh/identity"
)

// ErrInsufficientFunds marks operations whose held plus attached funds do not
// cover the required amount. Deposit reconciliation failures carry the exact
// deficit via InsufficientFundsError, which unwraps to this sentinel.
var ErrInsufficientFunds = errors.New("trust: insufficient funds")

// InsufficientFundsError reports a deposit shortfall with exact figures so
// callers know how much more to attach.
type InsufficientFundsError struct {
	Required  *big.Int
	Available *big.Int
}

// Deficit returns the missing amount (required minus available).
func (e *InsufficientFundsError) Deficit() *big.Int {
	return new(big.Int).Sub(e.Required, e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: attach at least %s more", ErrInsufficientFunds, e.Deficit())
}

// Unwrap lets errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ReconcileDeposit compares the cost of the measured record size against the
// funds the user holds and newly attached. It returns the balance to commit
// and the excess to refund. On a shortfall it fails with the exact deficit
// and the enclosing mutation must not commit anything.
func ReconcileDeposit(size uint64, costPerByte, balance, attached *big.Int) (newBalance, refund *big.Int, err error) {
	required := new(big.Int).Mul(new(big.Int).SetUint64(size), cloneOrZero(costPerByte))
	available := new(big.Int).Add(cloneOrZero(balance), cloneOrZero(attached))
	switch available.Cmp(required) {
	case -1:
		return nil, nil, &InsufficientFundsError{Required: required, Available: available}
	case 1:
		return required, new(big.Int).Sub(available, required), nil
	default:
		return available, big.NewInt(0), nil
	}
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Ledger persists the escrowed storage deposit held per user. Outside of an
// in-flight mutation every stored record is fully funded: its balance times
// the byte price covers its measured size.
type Ledger struct {
	store storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{store: store}
}

// Balance returns the deposit held for id, reporting absence via ok.
func (l *Ledger) Balance(id identity.UserID) (*big.Int, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errors.New("trust: ledger not initialised")
	}
	var stored big.Int
	ok, err := l.store.KVGet(depositKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &stored, true, nil
}

func (l *Ledger) setBalance(id identity.UserID, balance *big.Int) error {
	return l.store.KVPut(depositKey(id), cloneOrZero(balance))
}

func (l *Ledger) remove(id identity.UserID) error {
	return l.store.KVDelete(depositKey(id))
}

// Total sums every held deposit. Read-only; used by surplus extraction and
// the aggregate query.
func (l *Ledger) Total() (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("trust: ledger not initialised")
	}
	total := big.NewInt(0)
	var iterErr error
	err := l.store.KVIterate(depositPrefix, func(key, value []byte) bool {
		var balance big.Int
		if err := decodeAmount(value, &balance); err != nil {
			iterErr = fmt.Errorf("trust: corrupt deposit entry %q: %w", key, err)
			return false
		}
		total.Add(total, &balance)
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return total, nil
}
