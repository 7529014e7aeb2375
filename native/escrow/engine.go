package escrow

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	coreerrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/native/common"
	"escrowledger/native/guarantor"
	"escrowledger/native/ledger"
)

// ModuleName identifies the escrow engine to the pause guard.
const ModuleName = "escrow"

const (
	bpsDenominator = 10_000
	// defaultCoverDuration prices insurance for escrows without deadlines.
	defaultCoverDuration = 30 * 24 * time.Hour
)

// Deps wires the engine to its ledger and collaborators. Bank, Vault and
// Registry are required; the lender book and insurance pool are only needed
// by ActivateWithLender.
type Deps struct {
	Bank      *ledger.Bank
	Vault     [20]byte
	Registry  *guarantor.Registry
	Lenders   LenderBook
	Insurance InsurancePool
	// Admin may activate any pending escrow. Zero disables the role.
	Admin  [20]byte
	Pauses common.PauseView
	Quota  common.Quota
}

// Engine is the escrow state machine. A single mutex serialises every
// operation; the guarantor registry is always locked after the engine.
type Engine struct {
	mu        sync.Mutex
	bank      *ledger.Bank
	vault     [20]byte
	registry  *guarantor.Registry
	authority guarantor.Authority
	lenders   LenderBook
	insurance InsurancePool
	admin     [20]byte
	pauses    common.PauseView
	quota     common.Quota
	usage     map[[20]byte]common.QuotaNow
	escrows   []*Escrow
	emitter   events.Emitter
	logger    *slog.Logger
	nowFn     func() int64
}

// NewEngine constructs the engine and binds the registry authority to it.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Bank == nil {
		return nil, fmt.Errorf("escrow: bank required: %w", coreerrors.ErrNotConfigured)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("escrow: guarantor registry required: %w", coreerrors.ErrNotConfigured)
	}
	if deps.Vault == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: vault address required: %w", coreerrors.ErrNotConfigured)
	}
	if _, err := deps.Quota.ValueCap(); err != nil {
		return nil, err
	}
	auth, err := deps.Registry.BindAuthority()
	if err != nil {
		return nil, err
	}
	return &Engine{
		bank:      deps.Bank,
		vault:     deps.Vault,
		registry:  deps.Registry,
		authority: auth,
		lenders:   deps.Lenders,
		insurance: deps.Insurance,
		admin:     deps.Admin,
		pauses:    deps.Pauses,
		quota:     deps.Quota,
		usage:     make(map[[20]byte]common.QuotaNow),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default().With(slog.String("module", ModuleName)),
		nowFn:     func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the clock of the engine and its registry so every
// window is evaluated against the same time source.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
	e.registry.SetNowFunc(now)
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With(slog.String("module", ModuleName))
}

// Vault returns the account that custodies escrowed funds.
func (e *Engine) Vault() [20]byte { return e.vault }

// Registry exposes the guarantor registry for read-only queries.
func (e *Engine) Registry() *guarantor.Registry { return e.registry }

func (e *Engine) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	e.emitter.Emit(events.Payload{Evt: evt})
}

// admit applies the pause guard and the per-caller quota. The returned
// function records the quota usage and must be called on success only.
func (e *Engine) admit(caller [20]byte, value *big.Int) (func(), error) {
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if !e.quota.Enabled() {
		return func() {}, nil
	}
	next, err := common.CheckQuota(e.quota, e.quota.Epoch(e.nowFn()), e.usage[caller], 1, value)
	if err != nil {
		return nil, err
	}
	return func() { e.usage[caller] = next }, nil
}

func (e *Engine) load(id uint64) (*Escrow, error) {
	if id == 0 || id > uint64(len(e.escrows)) {
		return nil, ErrEscrowNotFound
	}
	return e.escrows[id-1], nil
}

// Count returns the number of escrows ever created.
func (e *Engine) Count() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.escrows))
}

// Escrow returns a copy of the escrow record.
func (e *Engine) Escrow(id uint64) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// CreateEscrow opens an escrow funded with funds from creator. The arbiter
// fee is taken out of funds and held separately; the rest counts as the
// creator's contribution. The escrow starts ACTIVE when no guarantors are
// required and the contribution already covers the milestone total.
func (e *Engine) CreateEscrow(creator [20]byte, p CreateParams, funds *big.Int) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	funds = cloneBigInt(funds)
	commit, err := e.admit(creator, funds)
	if err != nil {
		return nil, err
	}
	if p.Beneficiary == ([20]byte{}) {
		return nil, ErrInvalidBeneficiary
	}
	fee := cloneBigInt(p.ArbiterFee)
	if funds.Sign() < 0 || fee.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if fee.Sign() > 0 && p.Arbiter == ([20]byte{}) {
		return nil, ErrArbiterRequired
	}
	if p.RequiresGuarantors && p.MinGuarantorCount == 0 {
		return nil, ErrInvalidGuarantorCount
	}
	now := e.nowFn()
	milestones, target, err := newMilestones(p.Amounts, p.Deadlines, p.Descriptions, now)
	if err != nil {
		return nil, err
	}
	if funds.Cmp(fee) < 0 {
		return nil, ErrInsufficientFunds
	}
	contribution := new(big.Int).Sub(funds, fee)
	if contribution.Cmp(target) > 0 {
		return nil, ErrExceedsTarget
	}
	if err := e.bank.Transfer(creator, e.vault, funds); err != nil {
		return nil, err
	}
	id := uint64(len(e.escrows)) + 1
	if p.RequiresGuarantors {
		if err := e.registry.OpenRound(e.authority, id, now); err != nil {
			_ = e.bank.Transfer(e.vault, creator, funds)
			return nil, err
		}
	}
	esc := &Escrow{
		ID:                 id,
		Creator:            creator,
		Beneficiary:        p.Beneficiary,
		Arbiter:            p.Arbiter,
		ArbiterFee:         fee,
		Target:             target,
		TotalFunded:        big.NewInt(0),
		TotalReleased:      big.NewInt(0),
		TotalRefunded:      big.NewInt(0),
		Recovered:          big.NewInt(0),
		RecoveredPaid:      big.NewInt(0),
		Dust:               big.NewInt(0),
		Premium:            big.NewInt(0),
		RequiresGuarantors: p.RequiresGuarantors,
		MinGuarantorCount:  p.MinGuarantorCount,
		State:              StatePending,
		CreatedAt:          now,
		Milestones:         milestones,
	}
	if contribution.Sign() > 0 {
		esc.addContribution(creator, contribution)
	}
	activated := false
	if !esc.RequiresGuarantors && esc.TotalFunded.Cmp(esc.Target) >= 0 {
		esc.State = StateActive
		esc.ActivatedAt = now
		activated = true
	}
	e.escrows = append(e.escrows, esc)
	commit()
	e.logger.Info("escrow created",
		slog.Uint64("escrowId", id),
		slog.String("creator", hexAddr(creator)),
		slog.String("target", target.String()),
		slog.String("state", esc.State.String()))
	e.emit(NewCreatedEvent(esc))
	if activated {
		e.emit(NewActivatedEvent(esc))
	}
	return esc.Clone(), nil
}

// Contribute adds amount from payer. Contributions are accepted while the
// escrow is PENDING or ACTIVE and may not push funding past the target.
func (e *Engine) Contribute(id uint64, payer [20]byte, amount *big.Int) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(payer, amount)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StatePending && esc.State != StateActive {
		return nil, ErrInvalidState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	shortfall := new(big.Int).Sub(esc.Target, esc.TotalFunded)
	if amount.Cmp(shortfall) > 0 {
		return nil, ErrExceedsTarget
	}
	if err := e.bank.Transfer(payer, e.vault, amount); err != nil {
		return nil, err
	}
	esc.addContribution(payer, amount)
	activated := false
	if esc.State == StatePending && !esc.RequiresGuarantors && esc.TotalFunded.Cmp(esc.Target) >= 0 {
		esc.State = StateActive
		esc.ActivatedAt = e.nowFn()
		activated = true
	}
	commit()
	e.emit(NewFundedEvent(esc, payer, amount.String()))
	if activated {
		e.logger.Info("escrow activated", slog.Uint64("escrowId", id), slog.String("path", "funding"))
		e.emit(NewActivatedEvent(esc))
	}
	return esc.Clone(), nil
}

func (e *Engine) checkActivationLocked(esc *Escrow, caller [20]byte) error {
	if esc.State != StatePending {
		return ErrInvalidState
	}
	isAdmin := e.admin != ([20]byte{}) && caller == e.admin
	if caller != esc.Creator && caller != esc.Beneficiary && !isAdmin {
		return ErrUnauthorized
	}
	if esc.RequiresGuarantors && uint32(e.registry.RevealedCount(esc.ID)) < esc.MinGuarantorCount {
		return ErrInsufficientGuarantors
	}
	return nil
}

// Activate moves a fully funded PENDING escrow to ACTIVE once the required
// guarantors have revealed.
func (e *Engine) Activate(id uint64, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := e.checkActivationLocked(esc, caller); err != nil {
		return nil, err
	}
	if esc.TotalFunded.Cmp(esc.Target) < 0 {
		return nil, ErrUnderfunded
	}
	esc.State = StateActive
	esc.ActivatedAt = e.nowFn()
	commit()
	e.logger.Info("escrow activated", slog.Uint64("escrowId", id), slog.String("path", "guarantors"))
	e.emit(NewActivatedEvent(esc))
	return esc.Clone(), nil
}

// ActivateWithLender activates a PENDING escrow using a lender's offer. The
// offer must cover the whole shortfall; the lender funds exactly the
// shortfall and becomes a payer, the offer's rate is
// fixed as the escrow interest rate and the insurance premium is collected
// from the beneficiary. A zero lender selects the best live offer.
func (e *Engine) ActivateWithLender(id uint64, caller, lender [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := e.checkActivationLocked(esc, caller); err != nil {
		return nil, err
	}
	if e.lenders == nil {
		return nil, ErrLenderBookMissing
	}
	if e.insurance == nil {
		return nil, ErrInsurancePoolMissing
	}
	if esc.InterestRateSet {
		return nil, ErrInterestRateSet
	}
	var offer *lendingOffer
	if lender == ([20]byte{}) {
		best, err := e.lenders.BestOffer(id)
		if err != nil {
			return nil, err
		}
		offer = &lendingOffer{lender: best.Lender, amount: best.Amount, rateBps: best.RateBps}
	} else {
		selected, err := e.lenders.GetLoanOffer(id, lender)
		if err != nil {
			return nil, err
		}
		offer = &lendingOffer{lender: selected.Lender, amount: selected.Amount, rateBps: selected.RateBps}
	}
	now := e.nowFn()
	lent := new(big.Int).Sub(esc.Target, esc.TotalFunded)
	if lent.Cmp(offer.amount) > 0 {
		lent.Set(offer.amount)
	}
	if new(big.Int).Add(esc.TotalFunded, lent).Cmp(esc.Target) < 0 {
		return nil, ErrUnderfunded
	}
	premium, err := e.insurance.CalculatePremium(esc.Target, coverDuration(esc, now), e.riskScoreLocked(esc))
	if err != nil {
		return nil, err
	}
	if err := e.checkBalances(offer.lender, lent, esc.Beneficiary, premium); err != nil {
		return nil, err
	}

	if err := e.bank.Transfer(offer.lender, e.vault, lent); err != nil {
		return nil, err
	}
	if err := e.lenders.AcceptLoanOffer(id, offer.lender, lent); err != nil {
		_ = e.bank.Transfer(e.vault, offer.lender, lent)
		return nil, err
	}
	if _, err := e.insurance.CollectPremium(id, esc.Beneficiary, premium); err != nil {
		_ = e.lenders.ReleaseLoanOffer(id, offer.lender, lent)
		_ = e.bank.Transfer(e.vault, offer.lender, lent)
		return nil, err
	}

	if lent.Sign() > 0 {
		esc.addContribution(offer.lender, lent)
	}
	esc.Lender = offer.lender
	esc.InterestRateBps = offer.rateBps
	esc.InterestRateSet = true
	esc.Premium = premium
	esc.State = StateActive
	esc.ActivatedAt = now
	commit()
	e.logger.Info("escrow activated",
		slog.Uint64("escrowId", id),
		slog.String("path", "lender"),
		slog.String("lender", hexAddr(offer.lender)),
		slog.String("lent", lent.String()),
		slog.Uint64("rateBps", offer.rateBps),
		slog.String("premium", premium.String()))
	e.emit(newEscrowEvent(EventTypeEscrowLenderAccepted, esc).
		Set("lender", hexAddr(offer.lender)).
		Set("lent", lent.String()).
		Set("rateBps", fmt.Sprintf("%d", offer.rateBps)).
		Set("premium", premium.String()))
	e.emit(NewActivatedEvent(esc))
	return esc.Clone(), nil
}

type lendingOffer struct {
	lender  [20]byte
	amount  *big.Int
	rateBps uint64
}

func (e *Engine) checkBalances(lender [20]byte, lent *big.Int, beneficiary [20]byte, premium *big.Int) error {
	needLender := new(big.Int).Set(lent)
	needBeneficiary := new(big.Int).Set(premium)
	if lender == beneficiary {
		needLender.Add(needLender, premium)
		needBeneficiary = needLender
	}
	if e.bank.Balance(lender).Cmp(needLender) < 0 || e.bank.Balance(beneficiary).Cmp(needBeneficiary) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// riskScoreLocked converts the revealed guarantor stake into a risk score in
// basis points: full coverage of the target scores zero.
func (e *Engine) riskScoreLocked(esc *Escrow) uint64 {
	if !esc.RequiresGuarantors || esc.Target.Sign() == 0 {
		return bpsDenominator
	}
	coverage := new(big.Int).Mul(e.registry.RevealedStake(esc.ID), big.NewInt(bpsDenominator))
	coverage.Quo(coverage, esc.Target)
	if coverage.Cmp(big.NewInt(bpsDenominator)) >= 0 {
		return 0
	}
	return bpsDenominator - coverage.Uint64()
}

func coverDuration(esc *Escrow, now int64) time.Duration {
	if latest := esc.Milestones.LatestDeadline(); latest > now {
		return time.Duration(latest-now) * time.Second
	}
	return defaultCoverDuration
}

// ApproveMilestone records a payer's approval.
func (e *Engine) ApproveMilestone(id uint64, index int, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StateActive {
		return nil, ErrInvalidState
	}
	if !esc.IsPayer(caller) {
		return nil, ErrNotPayer
	}
	m, err := esc.Milestones.checkApprove(index)
	if err != nil {
		return nil, err
	}
	m.Approved = true
	commit()
	e.emit(newMilestoneEvent(EventTypeMilestoneApproved, esc, index).Set("approver", hexAddr(caller)))
	return esc.Clone(), nil
}

// ReleaseMilestone pays an approved milestone to the beneficiary. The
// beneficiary may also release an unapproved milestone past its deadline.
// Releasing the last open milestone completes the escrow.
func (e *Engine) ReleaseMilestone(id uint64, index int, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StateActive {
		return nil, ErrInvalidState
	}
	byBeneficiary := caller == esc.Beneficiary
	if !byBeneficiary && caller != esc.Creator && !esc.IsPayer(caller) && !(esc.HasArbiter() && caller == esc.Arbiter) {
		return nil, ErrUnauthorized
	}
	if _, err := esc.Milestones.checkRelease(index, byBeneficiary, e.nowFn()); err != nil {
		return nil, err
	}
	if err := e.releaseLocked(esc, []int{index}, false); err != nil {
		return nil, err
	}
	commit()
	return esc.Clone(), nil
}

// ClaimExpired lets the beneficiary force-release a milestone whose deadline
// has passed.
func (e *Engine) ClaimExpired(id uint64, index int, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StateActive {
		return nil, ErrInvalidState
	}
	if caller != esc.Beneficiary {
		return nil, ErrUnauthorized
	}
	if _, err := esc.Milestones.checkExpired(index, e.nowFn(), false); err != nil {
		return nil, err
	}
	if err := e.releaseLocked(esc, []int{index}, false); err != nil {
		return nil, err
	}
	commit()
	return esc.Clone(), nil
}

// releaseLocked releases the listed open milestones, pays the held arbiter
// fee when payFee is set and completes the escrow when nothing remains open.
// State is restored if any payout fails.
func (e *Engine) releaseLocked(esc *Escrow, indices []int, payFee bool) error {
	total := big.NewInt(0)
	for _, idx := range indices {
		total.Add(total, esc.Milestones[idx].Amount)
	}
	if total.Cmp(esc.Available()) > 0 {
		return ErrInsufficientFunds
	}
	now := e.nowFn()
	backup := esc.Clone()
	var payments []ledger.Payment
	for _, idx := range indices {
		esc.Milestones[idx].markReleased(now)
	}
	esc.TotalReleased = new(big.Int).Add(esc.TotalReleased, total)
	if total.Sign() > 0 {
		payments = append(payments, ledger.Payment{To: esc.Beneficiary, Amount: total})
	}
	if payFee && esc.FeeHeld() {
		esc.FeePaid = true
		payments = append(payments, ledger.Payment{To: esc.Arbiter, Amount: new(big.Int).Set(esc.ArbiterFee)})
	}
	completed := false
	var settle func() error
	if esc.Milestones.Closed() {
		payments = append(payments, e.completeLocked(esc, now)...)
		completed = true
		settle = e.successSettlement(esc)
	}
	if err := e.finishLocked(esc, backup, settle, payments); err != nil {
		return err
	}
	for _, idx := range indices {
		e.emit(newMilestoneEvent(EventTypeMilestoneReleased, esc, idx))
	}
	if completed {
		e.logger.Info("escrow completed",
			slog.Uint64("escrowId", esc.ID),
			slog.String("released", esc.TotalReleased.String()))
		e.emit(NewCompletedEvent(esc))
	}
	return nil
}

// completeLocked applies the completion effects and returns the payouts they
// require: the held arbiter fee and any recovered stake for the beneficiary.
func (e *Engine) completeLocked(esc *Escrow, now int64) []ledger.Payment {
	var payments []ledger.Payment
	if esc.FeeHeld() {
		esc.FeePaid = true
		payments = append(payments, ledger.Payment{To: esc.Arbiter, Amount: new(big.Int).Set(esc.ArbiterFee)})
	}
	if recovered := esc.RecoveredOpen(); recovered.Sign() > 0 {
		esc.RecoveredPaid = new(big.Int).Set(esc.Recovered)
		payments = append(payments, ledger.Payment{To: esc.Beneficiary, Amount: recovered})
	}
	if left := esc.Available(); left.Sign() > 0 {
		esc.Dust = new(big.Int).Add(esc.Dust, left)
	}
	esc.State = StateCompleted
	esc.ClosedAt = now
	return payments
}

func (e *Engine) successSettlement(esc *Escrow) func() error {
	if !esc.RequiresGuarantors {
		return nil
	}
	return func() error {
		_, err := e.registry.SettleSuccess(e.authority, esc.ID)
		return err
	}
}

// finishLocked checks that the vault covers payments, runs the registry
// settlement and then pays out. The vault is only debited under the engine
// lock, so once checked the payout cannot fail and a failed settlement leaves
// both the escrow and the vault untouched.
func (e *Engine) finishLocked(esc, backup *Escrow, settle func() error, payments []ledger.Payment) error {
	if err := e.bank.CheckPayout(e.vault, payments); err != nil {
		*esc = *backup
		return fmt.Errorf("%w: %v", ErrVaultShortfall, err)
	}
	if settle != nil {
		if err := settle(); err != nil {
			*esc = *backup
			return err
		}
	}
	return e.payoutLocked(esc, backup, payments)
}

func (e *Engine) payoutLocked(esc, backup *Escrow, payments []ledger.Payment) error {
	if err := e.bank.Payout(e.vault, payments); err != nil {
		*esc = *backup
		e.logger.Error("escrow payout failed",
			slog.Uint64("escrowId", esc.ID),
			slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrVaultShortfall, err)
	}
	return nil
}

// refundBase is the value an expired milestone returns to payers: its share
// of what was actually funded, bounded by what the vault still holds.
func refundBase(esc *Escrow, m *Milestone) *big.Int {
	if esc.Target.Sign() == 0 {
		return big.NewInt(0)
	}
	base := new(big.Int).Mul(m.Amount, esc.TotalFunded)
	base.Quo(base, esc.Target)
	if available := esc.Available(); base.Cmp(available) > 0 {
		base = available
	}
	return base
}

// RefundExpired returns a past-deadline, never-approved milestone to every
// payer in proportion to their contribution. A milestone with nothing funded
// behind it closes without payments. When refunds close the last milestone
// without anything having been paid out, the escrow is cancelled in the same
// step.
func (e *Engine) RefundExpired(id uint64, index int, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StatePending && esc.State != StateActive {
		return nil, ErrInvalidState
	}
	if !esc.IsPayer(caller) {
		return nil, ErrNotPayer
	}
	now := e.nowFn()
	m, err := esc.Milestones.checkExpired(index, now, true)
	if err != nil {
		return nil, err
	}
	base := refundBase(esc, m)
	payments, refunded := proportional(esc.Contributions, base, esc.TotalFunded)
	backup := esc.Clone()
	m.markRefunded(now)
	esc.TotalRefunded = new(big.Int).Add(esc.TotalRefunded, refunded)
	esc.Dust = new(big.Int).Add(esc.Dust, new(big.Int).Sub(base, refunded))

	var closing *types.Event
	switch {
	case !esc.Milestones.Closed():
		err = e.finishLocked(esc, backup, nil, payments)
	case esc.TotalReleased.Sign() > 0:
		payments = append(payments, e.completeLocked(esc, now)...)
		err = e.finishLocked(esc, backup, e.successSettlement(esc), payments)
		closing = NewCompletedEvent(esc)
	default:
		closing, err = e.cancelLocked(esc, backup, payments)
	}
	if err != nil {
		return nil, err
	}
	commit()
	e.emit(newMilestoneEvent(EventTypeMilestoneRefunded, esc, index).Set("refunded", refunded.String()))
	e.emit(closing)
	return esc.Clone(), nil
}

// RaiseDispute moves an ACTIVE escrow to DISPUTED. Only payers and the
// beneficiary may raise, and the escrow must have an arbiter.
func (e *Engine) RaiseDispute(id uint64, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StateActive {
		return nil, ErrInvalidState
	}
	if caller != esc.Beneficiary && !esc.IsPayer(caller) {
		return nil, ErrUnauthorized
	}
	if !esc.HasArbiter() {
		return nil, ErrArbiterRequired
	}
	esc.State = StateDisputed
	commit()
	e.logger.Info("escrow disputed", slog.Uint64("escrowId", id), slog.String("raisedBy", hexAddr(caller)))
	e.emit(NewDisputedEvent(esc, caller))
	return esc.Clone(), nil
}

// CancelEscrow unwinds a PENDING or ACTIVE escrow. Guarantors are slashed
// into the escrow, every payer receives their share of the remaining funds
// and recovered stake, and the held arbiter fee returns to the creator. An
// escrow holding nothing simply closes.
func (e *Engine) CancelEscrow(id uint64, caller [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State != StatePending && esc.State != StateActive {
		return nil, ErrInvalidState
	}
	if caller != esc.Creator && !esc.IsPayer(caller) && !(esc.HasArbiter() && caller == esc.Arbiter) {
		return nil, ErrUnauthorized
	}
	evt, err := e.cancelLocked(esc, esc.Clone(), nil)
	if err != nil {
		return nil, err
	}
	commit()
	e.emit(evt)
	return esc.Clone(), nil
}

type cancelPlan struct {
	payments      []ledger.Payment
	refunded      *big.Int
	recoveredPaid *big.Int
	dust          *big.Int
}

// planCancel computes the payouts that unwind esc without mutating it.
func planCancel(esc *Escrow) cancelPlan {
	remaining := esc.Available()
	recovered := esc.RecoveredOpen()
	payments, refunded := proportional(esc.Contributions, remaining, esc.TotalFunded)
	shares, recoveredPaid := proportional(esc.Contributions, recovered, esc.TotalFunded)
	payments = append(payments, shares...)
	if esc.TotalFunded.Sign() == 0 && recovered.Sign() > 0 {
		payments = append(payments, ledger.Payment{To: esc.Creator, Amount: recovered})
		recoveredPaid = recovered
	}
	if esc.FeeHeld() {
		payments = append(payments, ledger.Payment{To: esc.Creator, Amount: new(big.Int).Set(esc.ArbiterFee)})
	}
	dust := new(big.Int).Sub(remaining, refunded)
	dust.Add(dust, new(big.Int).Sub(recovered, recoveredPaid))
	return cancelPlan{payments: payments, refunded: refunded, recoveredPaid: recoveredPaid, dust: dust}
}

// cancelLocked moves esc to CANCELLED. prior carries payouts already owed by
// the calling operation and backup the escrow as it was before that
// operation; any failure restores it. The returned event is emitted by the
// caller once the operation commits.
func (e *Engine) cancelLocked(esc, backup *Escrow, prior []ledger.Payment) (*types.Event, error) {
	now := e.nowFn()
	if err := e.bank.CheckPayout(e.vault, append(append([]ledger.Payment(nil), prior...), planCancel(esc).payments...)); err != nil {
		*esc = *backup
		return nil, fmt.Errorf("%w: %v", ErrVaultShortfall, err)
	}
	if esc.RequiresGuarantors {
		report, err := e.registry.SettleFailure(e.authority, esc.ID, e.vault)
		if err != nil {
			*esc = *backup
			return nil, err
		}
		if report.Slashed.Sign() > 0 {
			esc.Recovered = new(big.Int).Add(esc.Recovered, report.Slashed)
			// Slashed stake is in custody now even if the payout below fails.
			backup.Recovered = new(big.Int).Set(esc.Recovered)
		}
	}
	plan := planCancel(esc)
	if esc.FeeHeld() {
		esc.FeeRefunded = true
	}
	for _, m := range esc.Milestones {
		if !m.Released {
			m.markRefunded(now)
		}
	}
	esc.TotalRefunded = new(big.Int).Add(esc.TotalRefunded, plan.refunded)
	esc.RecoveredPaid = new(big.Int).Set(esc.Recovered)
	esc.Dust = new(big.Int).Add(esc.Dust, plan.dust)
	esc.State = StateCancelled
	esc.ClosedAt = now
	if err := e.payoutLocked(esc, backup, append(prior, plan.payments...)); err != nil {
		return nil, err
	}
	e.logger.Info("escrow cancelled",
		slog.Uint64("escrowId", esc.ID),
		slog.String("refunded", plan.refunded.String()),
		slog.String("recovered", plan.recoveredPaid.String()),
		slog.String("dust", plan.dust.String()))
	return NewCancelledEvent(esc).Set("refunded", plan.refunded.String()), nil
}

// proportional splits pool across contributors by contribution/funded using
// integer division. It returns the payments and their sum.
func proportional(contributions []Contribution, pool, funded *big.Int) ([]ledger.Payment, *big.Int) {
	paid := big.NewInt(0)
	if pool.Sign() <= 0 || funded.Sign() <= 0 {
		return nil, paid
	}
	payments := make([]ledger.Payment, 0, len(contributions))
	for _, c := range contributions {
		share := new(big.Int).Mul(c.Amount, pool)
		share.Quo(share, funded)
		if share.Sign() == 0 {
			continue
		}
		payments = append(payments, ledger.Payment{To: c.Payer, Amount: share})
		paid.Add(paid, share)
	}
	return payments, paid
}

// TransferBeneficiary rebinds the beneficiary role, for example after the
// token representing the escrow's rights changed hands.
func (e *Engine) TransferBeneficiary(id uint64, caller, next [20]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.State.Terminal() {
		return nil, ErrInvalidState
	}
	if caller != esc.Beneficiary {
		return nil, ErrUnauthorized
	}
	if next == ([20]byte{}) {
		return nil, ErrInvalidBeneficiary
	}
	esc.Beneficiary = next
	commit()
	e.emit(newEscrowEvent(EventTypeBeneficiaryChanged, esc).Set("previous", hexAddr(caller)))
	return esc.Clone(), nil
}
