package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	coreerrors "escrowledger/core/errors"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the current balance.
	ErrInsufficientFunds = fmt.Errorf("ledger: insufficient funds: %w", coreerrors.ErrThreshold)
	// ErrInvalidAmount marks negative or oversized amounts.
	ErrInvalidAmount = fmt.Errorf("ledger: invalid amount: %w", coreerrors.ErrInvalidInput)
	// ErrBalanceOverflow is returned when a credit would exceed 256 bits.
	ErrBalanceOverflow = fmt.Errorf("ledger: balance overflow: %w", coreerrors.ErrTransfer)
)

// Account is an atomic balance holder. Balances are unsigned so an overdraft
// can never be observed.
type Account struct {
	mu      sync.Mutex
	address [20]byte
	balance uint256.Int
}

// NewAccount returns an empty account bound to addr.
func NewAccount(addr [20]byte) *Account {
	return &Account{address: addr}
}

// Address returns the account owner.
func (a *Account) Address() [20]byte { return a.address }

// Balance returns a copy of the current balance.
func (a *Account) Balance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance.ToBig()
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creditLocked(amt)
}

// Debit subtracts amount from the balance, failing with ErrInsufficientFunds
// when the balance does not cover it.
func (a *Account) Debit(amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.debitLocked(amt)
}

func (a *Account) creditLocked(amt *uint256.Int) error {
	var next uint256.Int
	if _, overflow := next.AddOverflow(&a.balance, amt); overflow {
		return ErrBalanceOverflow
	}
	a.balance.Set(&next)
	return nil
}

func (a *Account) debitLocked(amt *uint256.Int) error {
	if a.balance.Lt(amt) {
		return ErrInsufficientFunds
	}
	a.balance.Sub(&a.balance, amt)
	return nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return value, nil
}
