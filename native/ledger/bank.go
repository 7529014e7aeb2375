package ledger

import (
	"bytes"
	"math/big"
	"sort"
	"sync"

	"github.com/holiman/uint256"
)

// Payment is a single credit applied by Payout.
type Payment struct {
	To     [20]byte
	Amount *big.Int
}

// Bank holds every account known to the ledger, including module vaults.
type Bank struct {
	mu       sync.RWMutex
	accounts map[[20]byte]*Account
}

// NewBank returns an empty bank.
func NewBank() *Bank {
	return &Bank{accounts: make(map[[20]byte]*Account)}
}

// Account returns the account for addr, creating it on first use.
func (b *Bank) Account(addr [20]byte) *Account {
	b.mu.RLock()
	acc, ok := b.accounts[addr]
	b.mu.RUnlock()
	if ok {
		return acc
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if acc, ok = b.accounts[addr]; ok {
		return acc
	}
	acc = NewAccount(addr)
	b.accounts[addr] = acc
	return acc
}

// Balance returns the balance of addr.
func (b *Bank) Balance(addr [20]byte) *big.Int {
	return b.Account(addr).Balance()
}

// Deposit credits addr with newly issued funds.
func (b *Bank) Deposit(addr [20]byte, amount *big.Int) error {
	return b.Account(addr).Credit(amount)
}

// Transfer moves amount from one account to another. Either both legs apply
// or neither does.
func (b *Bank) Transfer(from, to [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	if amt.IsZero() {
		return nil
	}
	src, dst := b.Account(from), b.Account(to)
	if from == to {
		if src.Balance().Cmp(amt.ToBig()) < 0 {
			return ErrInsufficientFunds
		}
		return nil
	}
	unlock := lockPair(src, dst)
	defer unlock()
	if err := src.debitLocked(amt); err != nil {
		return err
	}
	if err := dst.creditLocked(amt); err != nil {
		_ = src.creditLocked(amt)
		return err
	}
	return nil
}

// CheckPayout reports whether from currently covers every payment. A nil
// result means an immediate Payout with the same arguments succeeds unless
// another writer debits from in between.
func (b *Bank) CheckPayout(from [20]byte, payments []Payment) error {
	total, _, err := sumPayments(payments)
	if err != nil {
		return err
	}
	if b.Account(from).Balance().Cmp(total.ToBig()) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func sumPayments(payments []Payment) (*uint256.Int, []*uint256.Int, error) {
	total := new(uint256.Int)
	amounts := make([]*uint256.Int, len(payments))
	for i, p := range payments {
		amt, err := toUint256(p.Amount)
		if err != nil {
			return nil, nil, err
		}
		if _, overflow := total.AddOverflow(total, amt); overflow {
			return nil, nil, ErrInvalidAmount
		}
		amounts[i] = amt
	}
	return total, amounts, nil
}

// Payout debits the sum of payments from the source account and credits each
// recipient. The total is checked before any balance moves.
func (b *Bank) Payout(from [20]byte, payments []Payment) error {
	total, amounts, err := sumPayments(payments)
	if err != nil {
		return err
	}
	if total.IsZero() {
		return nil
	}
	src := b.Account(from)
	if err := src.Debit(total.ToBig()); err != nil {
		return err
	}
	for i, p := range payments {
		if amounts[i].IsZero() {
			continue
		}
		if err := b.Account(p.To).Credit(amounts[i].ToBig()); err != nil {
			// Unwind the credits applied so far and restore the source.
			for j := 0; j < i; j++ {
				_ = b.Account(payments[j].To).Debit(amounts[j].ToBig())
			}
			_ = src.Credit(total.ToBig())
			return err
		}
	}
	return nil
}

// Addresses returns every known account address in byte order.
func (b *Bank) Addresses() [][20]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][20]byte, 0, len(b.accounts))
	for addr := range b.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func lockPair(a, b *Account) func() {
	first, second := a, b
	if bytes.Compare(a.address[:], b.address[:]) > 0 {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}
