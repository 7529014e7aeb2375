package insurance

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	coreerrors "escrowledger/core/errors"
	"escrowledger/native/ledger"
)

const (
	bpsDenominator = 10_000
	secondsPerYear = 365 * 24 * 60 * 60
)

var (
	ErrPolicyExists   = fmt.Errorf("insurance: premium already collected for escrow: %w", coreerrors.ErrDuplicate)
	ErrPolicyNotFound = fmt.Errorf("insurance: policy not found: %w", coreerrors.ErrNotFound)
	ErrInvalidAmount  = fmt.Errorf("insurance: invalid amount: %w", coreerrors.ErrInvalidInput)
	ErrInvalidRisk    = fmt.Errorf("insurance: risk score exceeds 10000 bps: %w", coreerrors.ErrInvalidInput)
)

// Config parameterises the premium formula.
type Config struct {
	BasePremiumBps uint64 `toml:"BasePremiumBps"`
	RiskPremiumBps uint64 `toml:"RiskPremiumBps"`
}

// DefaultConfig returns a 1% base premium plus up to 4% for risk.
func DefaultConfig() Config {
	return Config{BasePremiumBps: 100, RiskPremiumBps: 400}
}

// Policy records the premium collected for one escrow.
type Policy struct {
	EscrowID    uint64   `json:"escrowId"`
	Payer       [20]byte `json:"payer"`
	Premium     *big.Int `json:"premium"`
	CollectedAt int64    `json:"collectedAt"`
}

// Pool prices escrow cover and keeps the collected premiums in a reserve
// account.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	bank     *ledger.Bank
	reserve  [20]byte
	policies map[uint64]*Policy
	nowFn    func() int64
}

// NewPool constructs a pool whose premiums accrue to reserve.
func NewPool(cfg Config, bank *ledger.Bank, reserve [20]byte) *Pool {
	return &Pool{
		cfg:      cfg,
		bank:     bank,
		reserve:  reserve,
		policies: make(map[uint64]*Policy),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used to stamp policies.
func (p *Pool) SetNowFunc(now func() int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now == nil {
		p.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	p.nowFn = now
}

// CalculatePremium prices cover for amount held for duration at riskScore
// (basis points, 0 = no risk):
//
//	amount * (base + risk*riskScore/10000) * duration / year / 10000
func (p *Pool) CalculatePremium(amount *big.Int, duration time.Duration, riskScore uint64) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 || duration < 0 {
		return nil, ErrInvalidAmount
	}
	if riskScore > bpsDenominator {
		return nil, ErrInvalidRisk
	}
	rate := p.cfg.BasePremiumBps + p.cfg.RiskPremiumBps*riskScore/bpsDenominator
	premium := new(big.Int).Mul(amount, new(big.Int).SetUint64(rate))
	premium.Mul(premium, big.NewInt(int64(duration/time.Second)))
	premium.Quo(premium, big.NewInt(secondsPerYear))
	return premium.Quo(premium, big.NewInt(bpsDenominator)), nil
}

// CollectPremium moves premium from payer into the reserve and records the
// escrow's policy. A zero premium records the policy without moving funds.
func (p *Pool) CollectPremium(escrowID uint64, payer [20]byte, premium *big.Int) (*Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if premium == nil || premium.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if _, ok := p.policies[escrowID]; ok {
		return nil, ErrPolicyExists
	}
	if err := p.bank.Transfer(payer, p.reserve, premium); err != nil {
		return nil, err
	}
	policy := &Policy{
		EscrowID:    escrowID,
		Payer:       payer,
		Premium:     new(big.Int).Set(premium),
		CollectedAt: p.nowFn(),
	}
	p.policies[escrowID] = policy
	return policy.clone(), nil
}

// Policy returns the policy recorded for an escrow.
func (p *Pool) Policy(escrowID uint64) (*Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[escrowID]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return policy.clone(), nil
}

// Reserve returns the reserve account balance.
func (p *Pool) Reserve() *big.Int {
	return p.bank.Balance(p.reserve)
}

func (pol *Policy) clone() *Policy {
	clone := *pol
	clone.Premium = new(big.Int).Set(pol.Premium)
	return &clone
}
