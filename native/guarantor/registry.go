package guarantor

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	coreerrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/native/commitreveal"
	"escrowledger/native/ledger"
)

var (
	ErrAlreadyRegistered       = fmt.Errorf("guarantor: already registered: %w", coreerrors.ErrDuplicate)
	ErrGuarantorNotRegistered  = fmt.Errorf("guarantor: not registered: %w", coreerrors.ErrNotFound)
	ErrGuarantorIsBanned       = fmt.Errorf("guarantor: guarantor is banned: %w", coreerrors.ErrUnauthorized)
	ErrInsufficientReputation  = fmt.Errorf("guarantor: insufficient reputation: %w", coreerrors.ErrThreshold)
	ErrInsufficientStake       = fmt.Errorf("guarantor: insufficient stake: %w", coreerrors.ErrThreshold)
	ErrCommitmentAlreadyExists = fmt.Errorf("guarantor: commitment already exists: %w", coreerrors.ErrDuplicate)
	ErrCommitmentNotFound      = fmt.Errorf("guarantor: commitment not found: %w", coreerrors.ErrNotFound)
	ErrUnauthorizedCaller      = fmt.Errorf("guarantor: caller is not the registry authority: %w", coreerrors.ErrUnauthorized)
	ErrAuthorityBound          = fmt.Errorf("guarantor: authority already bound: %w", coreerrors.ErrDuplicate)
	ErrInvalidTier             = fmt.Errorf("guarantor: invalid tier: %w", coreerrors.ErrInvalidInput)
	ErrInvalidAmount           = fmt.Errorf("guarantor: invalid amount: %w", coreerrors.ErrInvalidInput)
	ErrCommitmentSettled       = fmt.Errorf("guarantor: commitment already settled: %w", coreerrors.ErrInvalidState)
)

// Authority is the capability that gates privileged registry calls. Only the
// value handed out by BindAuthority is accepted.
type Authority struct {
	token *authorityToken
}

type authorityToken struct{ _ byte }

// Registry owns guarantor identities, reputation, stakes and the per-escrow
// commit-reveal rounds.
type Registry struct {
	mu            sync.Mutex
	policy        Policy
	bank          *ledger.Bank
	stakeVault    [20]byte
	rewardReserve [20]byte
	verifier      *commitreveal.Verifier
	profiles      map[[20]byte]*Profile
	commitments   map[uint64][]*Commitment
	authority     *authorityToken
	emitter       events.Emitter
	logger        *slog.Logger
	nowFn         func() int64
}

// NewRegistry constructs a registry holding stakes in stakeVault and paying
// bonuses out of rewardReserve.
func NewRegistry(policy Policy, bank *ledger.Bank, stakeVault, rewardReserve [20]byte) (*Registry, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if bank == nil {
		return nil, fmt.Errorf("guarantor: bank required: %w", coreerrors.ErrNotConfigured)
	}
	return &Registry{
		policy:        policy,
		bank:          bank,
		stakeVault:    stakeVault,
		rewardReserve: rewardReserve,
		verifier:      commitreveal.NewVerifier(policy.CommitWindow, policy.RevealWindow),
		profiles:      make(map[[20]byte]*Profile),
		commitments:   make(map[uint64][]*Commitment),
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		nowFn:         func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the clock. Passing nil restores wall-clock time.
func (r *Registry) SetNowFunc(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil installs a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetLogger configures the structured logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger.With(slog.String("module", "guarantor"))
}

// Policy returns the active policy.
func (r *Registry) Policy() Policy { return r.policy }

// StakeVault returns the address holding locked stakes.
func (r *Registry) StakeVault() [20]byte { return r.stakeVault }

// BindAuthority hands out the single capability accepted by privileged calls.
func (r *Registry) BindAuthority() (Authority, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.authority != nil {
		return Authority{}, ErrAuthorityBound
	}
	r.authority = &authorityToken{}
	return Authority{token: r.authority}, nil
}

func (r *Registry) authorize(auth Authority) error {
	if r.authority == nil || auth.token != r.authority {
		return ErrUnauthorizedCaller
	}
	return nil
}

func (r *Registry) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	r.emitter.Emit(events.Payload{Evt: evt})
}

// Register creates a profile at the baseline reputation.
func (r *Registry) Register(addr [20]byte) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[addr]; ok {
		return nil, ErrAlreadyRegistered
	}
	profile := &Profile{
		Address:         addr,
		ReputationScore: r.policy.BaselineReputation,
		TotalStaked:     big.NewInt(0),
		RegisteredAt:    r.nowFn(),
	}
	r.profiles[addr] = profile
	r.logger.Info("guarantor registered", slog.String("guarantor", hexAddr(addr)))
	r.emit(newProfileEvent(EventTypeRegistered, profile))
	return profile.Clone(), nil
}

// Profile returns a copy of the guarantor's profile.
func (r *Registry) Profile(addr [20]byte) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.profiles[addr]
	if !ok {
		return nil, ErrGuarantorNotRegistered
	}
	return profile.Clone(), nil
}

// RequiredStake returns the minimum stake for tier against escrowAmount.
func (r *Registry) RequiredStake(tier Tier, escrowAmount *big.Int) *big.Int {
	return requiredStake(r.policy, tier, escrowAmount)
}

func requiredStake(policy Policy, tier Tier, escrowAmount *big.Int) *big.Int {
	required := new(big.Int).Mul(cloneBigInt(escrowAmount), new(big.Int).SetUint64(policy.stakeBps(tier)))
	return required.Quo(required, big.NewInt(bpsDenominator))
}

// IsEligibleGuarantor reports whether addr could guarantee at tier with
// requiredStake right now.
func (r *Registry) IsEligibleGuarantor(addr [20]byte, tier Tier, required *big.Int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !tier.Valid() {
		return false
	}
	profile, ok := r.profiles[addr]
	if !ok || profile.BannedAt(r.nowFn()) {
		return false
	}
	if profile.ReputationScore < r.policy.minReputation(tier) {
		return false
	}
	return r.bank.Balance(addr).Cmp(cloneBigInt(required)) >= 0
}

// OpenRound starts the commitment round for an escrow.
func (r *Registry) OpenRound(auth Authority, escrowID uint64, start int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return err
	}
	return r.verifier.Open(escrowID, start)
}

// Deadlines returns the commit and reveal deadlines of an escrow round.
func (r *Registry) Deadlines(escrowID uint64) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifier.Deadlines(escrowID)
}

// Phase returns the round phase of an escrow at the registry clock.
func (r *Registry) Phase(escrowID uint64) (commitreveal.Phase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifier.Phase(escrowID, r.nowFn())
}

// Commit locks the guarantor's stake and records the blind commitment.
func (r *Registry) Commit(auth Authority, req CommitRequest) (*Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return nil, err
	}
	if !req.Tier.Valid() {
		return nil, ErrInvalidTier
	}
	if req.Stake == nil || req.Stake.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := r.nowFn()
	profile, ok := r.profiles[req.Guarantor]
	if !ok {
		return nil, ErrGuarantorNotRegistered
	}
	if profile.BannedAt(now) {
		return nil, ErrGuarantorIsBanned
	}
	if profile.ReputationScore < r.policy.minReputation(req.Tier) {
		return nil, ErrInsufficientReputation
	}
	minimum := requiredStake(r.policy, req.Tier, req.EscrowAmount)
	if req.Stake.Cmp(minimum) < 0 {
		return nil, ErrInsufficientStake
	}
	if r.findLocked(req.EscrowID, req.Guarantor) != nil {
		return nil, ErrCommitmentAlreadyExists
	}
	sub := commitreveal.Submission{
		Participant: req.Guarantor,
		Hash:        req.Hash,
		Amount:      req.Stake,
		Minimum:     minimum,
	}
	if err := r.verifier.CheckCommit(req.EscrowID, sub, now); err != nil {
		return nil, err
	}
	if err := r.bank.Transfer(req.Guarantor, r.stakeVault, req.Stake); err != nil {
		return nil, err
	}
	if _, err := r.verifier.Commit(req.EscrowID, sub, now); err != nil {
		// CheckCommit passed under the same lock, so this only guards
		// against programming errors; return the stake.
		_ = r.bank.Transfer(r.stakeVault, req.Guarantor, req.Stake)
		return nil, err
	}
	commitment := &Commitment{
		EscrowID:       req.EscrowID,
		Guarantor:      req.Guarantor,
		Tier:           req.Tier,
		StakeAmount:    new(big.Int).Set(req.Stake),
		OriginalStake:  new(big.Int).Set(req.Stake),
		CommitmentHash: req.Hash,
		CommittedAt:    now,
	}
	r.commitments[req.EscrowID] = append(r.commitments[req.EscrowID], commitment)
	profile.ActiveGuaranteeCount++
	profile.TotalStaked = new(big.Int).Add(profile.TotalStaked, req.Stake)
	r.logger.Info("guarantor committed",
		slog.Uint64("escrowId", req.EscrowID),
		slog.String("guarantor", hexAddr(req.Guarantor)),
		slog.String("tier", req.Tier.String()),
		slog.String("stake", req.Stake.String()))
	r.emit(newCommitmentEvent(EventTypeCommitted, commitment))
	return commitment.Clone(), nil
}

// Reveal opens the guarantor's commitment for an escrow. On collusion the
// commitment stays unrevealed; when the policy enables it the guarantor is
// also banned, which is the only state change a failed reveal leaves behind.
func (r *Registry) Reveal(escrowID uint64, addr [20]byte, secret [32]byte) (*Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	commitment := r.findLocked(escrowID, addr)
	if commitment == nil {
		return nil, ErrCommitmentNotFound
	}
	now := r.nowFn()
	opened, err := r.verifier.Reveal(escrowID, addr, secret, now)
	if err != nil {
		if errors.Is(err, commitreveal.ErrCollusionDetected) {
			r.logger.Warn("guarantor collusion detected",
				slog.Uint64("escrowId", escrowID),
				slog.String("guarantor", hexAddr(addr)))
			r.emit(newCommitmentEvent(EventTypeCollusion, commitment))
			if r.policy.BanOnCollusion {
				commitment.Colluded = true
				r.banLocked(addr, r.policy.CollusionBan, "collusion detected", now)
			}
		}
		return nil, err
	}
	commitment.Revealed = true
	commitment.RevealedAt = opened.RevealedAt
	r.emit(newCommitmentEvent(EventTypeRevealed, commitment))
	return commitment.Clone(), nil
}

// Commitments returns the escrow's guarantor commitments in commit order.
func (r *Registry) Commitments(escrowID uint64) []*Commitment {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.commitments[escrowID]
	out := make([]*Commitment, 0, len(list))
	for _, c := range list {
		out = append(out, c.Clone())
	}
	return out
}

// Commitment returns a single guarantor commitment.
func (r *Registry) Commitment(escrowID uint64, addr [20]byte) (*Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.findLocked(escrowID, addr)
	if c == nil {
		return nil, ErrCommitmentNotFound
	}
	return c.Clone(), nil
}

// RevealedCount returns the number of revealed, non-colluding commitments.
func (r *Registry) RevealedCount(escrowID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.commitments[escrowID] {
		if c.Revealed && !c.Colluded {
			count++
		}
	}
	return count
}

// RevealedStake sums the locked stake of revealed commitments.
func (r *Registry) RevealedStake(escrowID uint64) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := big.NewInt(0)
	for _, c := range r.commitments[escrowID] {
		if c.Revealed && !c.Colluded {
			total.Add(total, c.StakeAmount)
		}
	}
	return total
}

// FundRewardReserve moves funds from an account into the bonus reserve.
func (r *Registry) FundRewardReserve(from [20]byte, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return r.bank.Transfer(from, r.rewardReserve, amount)
}

// UpdateReputation applies a signed delta, flooring the score at zero.
func (r *Registry) UpdateReputation(auth Authority, addr [20]byte, delta int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return 0, err
	}
	profile, ok := r.profiles[addr]
	if !ok {
		return 0, ErrGuarantorNotRegistered
	}
	applyReputation(profile, delta)
	return profile.ReputationScore, nil
}

func applyReputation(profile *Profile, delta int64) {
	if delta >= 0 {
		profile.ReputationScore += uint64(delta)
		return
	}
	penalty := uint64(-delta)
	if penalty >= profile.ReputationScore {
		profile.ReputationScore = 0
		return
	}
	profile.ReputationScore -= penalty
}

// Ban blocks the guarantor from new commitments for duration.
func (r *Registry) Ban(auth Authority, addr [20]byte, duration time.Duration, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return err
	}
	if _, ok := r.profiles[addr]; !ok {
		return ErrGuarantorNotRegistered
	}
	r.banLocked(addr, duration, reason, r.nowFn())
	return nil
}

func (r *Registry) banLocked(addr [20]byte, duration time.Duration, reason string, now int64) {
	profile, ok := r.profiles[addr]
	if !ok || duration <= 0 {
		return
	}
	until := now + int64(duration/time.Second)
	if profile.BannedAt(now) && profile.BannedUntil > until {
		until = profile.BannedUntil
	}
	profile.IsBanned = true
	profile.BannedUntil = until
	profile.BanReason = reason
	r.logger.Warn("guarantor banned",
		slog.String("guarantor", hexAddr(addr)),
		slog.Int64("bannedUntil", until),
		slog.String("reason", reason))
	r.emit(newProfileEvent(EventTypeBanned, profile))
}

// Slash forfeits up to amount of the guarantor's remaining stake for the
// escrow, sending it to recipient. The first slash of a commitment records
// the failure.
func (r *Registry) Slash(auth Authority, addr [20]byte, escrowID uint64, amount *big.Int, recipient [20]byte) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	commitment := r.findLocked(escrowID, addr)
	if commitment == nil {
		return nil, ErrCommitmentNotFound
	}
	if commitment.Settled {
		return nil, ErrCommitmentSettled
	}
	profile := r.profiles[addr]
	slashed := new(big.Int).Set(amount)
	if slashed.Cmp(commitment.StakeAmount) > 0 {
		slashed.Set(commitment.StakeAmount)
	}
	if err := r.bank.Transfer(r.stakeVault, recipient, slashed); err != nil {
		return nil, err
	}
	r.recordSlashLocked(profile, commitment, slashed)
	return slashed, nil
}

func (r *Registry) recordSlashLocked(profile *Profile, commitment *Commitment, slashed *big.Int) {
	profile.TotalStaked = subFloor(profile.TotalStaked, slashed)
	commitment.StakeAmount = subFloor(commitment.StakeAmount, slashed)
	if !commitment.Failed {
		commitment.Failed = true
		profile.FailureCount++
		if profile.ActiveGuaranteeCount > 0 {
			profile.ActiveGuaranteeCount--
		}
	}
	r.logger.Info("guarantor slashed",
		slog.Uint64("escrowId", commitment.EscrowID),
		slog.String("guarantor", hexAddr(commitment.Guarantor)),
		slog.String("amount", slashed.String()))
	r.emit(newCommitmentEvent(EventTypeSlashed, commitment).Set("slashed", slashed.String()))
}

// Reward refunds the guarantor's remaining stake plus bonus in one transfer.
// The bonus is drawn from the reward reserve and capped by its balance.
func (r *Registry) Reward(auth Authority, addr [20]byte, escrowID uint64, bonus *big.Int) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return nil, err
	}
	commitment := r.findLocked(escrowID, addr)
	if commitment == nil {
		return nil, ErrCommitmentNotFound
	}
	if commitment.Settled {
		return nil, ErrCommitmentSettled
	}
	bonusPaid, err := r.fundBonusLocked(cloneBigInt(bonus))
	if err != nil {
		return nil, err
	}
	payout := new(big.Int).Add(commitment.StakeAmount, bonusPaid)
	if err := r.bank.Transfer(r.stakeVault, addr, payout); err != nil {
		if bonusPaid.Sign() > 0 {
			_ = r.bank.Transfer(r.stakeVault, r.rewardReserve, bonusPaid)
		}
		return nil, err
	}
	r.recordRewardLocked(r.profiles[addr], commitment, bonusPaid, 0)
	return payout, nil
}

// fundBonusLocked moves up to want from the reward reserve into the stake
// vault and returns the amount moved.
func (r *Registry) fundBonusLocked(want *big.Int) (*big.Int, error) {
	if want.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	available := r.bank.Balance(r.rewardReserve)
	if want.Cmp(available) > 0 {
		want = available
	}
	if want.Sign() == 0 {
		return want, nil
	}
	if err := r.bank.Transfer(r.rewardReserve, r.stakeVault, want); err != nil {
		return nil, err
	}
	return want, nil
}

func (r *Registry) recordRewardLocked(profile *Profile, commitment *Commitment, bonus *big.Int, repDelta int64) {
	// Decrement the profile total before the commitment stake is zeroed so
	// the refund is not lost from TotalStaked.
	profile.TotalStaked = subFloor(profile.TotalStaked, commitment.StakeAmount)
	refunded := new(big.Int).Set(commitment.StakeAmount)
	commitment.StakeAmount = big.NewInt(0)
	commitment.Settled = true
	if !commitment.Failed {
		profile.SuccessCount++
		if profile.ActiveGuaranteeCount > 0 {
			profile.ActiveGuaranteeCount--
		}
	}
	applyReputation(profile, repDelta)
	r.emit(newCommitmentEvent(EventTypeRewarded, commitment).
		Set("refunded", refunded.String()).
		Set("bonus", bonus.String()))
}

// SettleSuccess closes every open guarantee of a completed escrow. Revealed
// guarantors receive their stake, a bonus and a reputation increase;
// guarantors that never revealed get their stake back with a reputation
// penalty.
func (r *Registry) SettleSuccess(auth Authority, escrowID uint64) (*Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return nil, err
	}
	report := &Settlement{EscrowID: escrowID, Refunded: big.NewInt(0), Bonus: big.NewInt(0), Slashed: big.NewInt(0)}
	open := r.openLocked(escrowID)
	if len(open) == 0 {
		return report, nil
	}
	wantBonus := big.NewInt(0)
	bonuses := make([]*big.Int, len(open))
	for i, c := range open {
		bonuses[i] = big.NewInt(0)
		if c.Revealed && !c.Failed {
			bonuses[i] = new(big.Int).Mul(c.StakeAmount, new(big.Int).SetUint64(r.policy.RewardBonusBps))
			bonuses[i].Quo(bonuses[i], big.NewInt(bpsDenominator))
			wantBonus.Add(wantBonus, bonuses[i])
		}
	}
	funded, err := r.fundBonusLocked(wantBonus)
	if err != nil {
		return nil, err
	}
	if funded.Cmp(wantBonus) < 0 {
		scaleBonuses(bonuses, funded, wantBonus)
		paid := big.NewInt(0)
		for _, b := range bonuses {
			paid.Add(paid, b)
		}
		if excess := new(big.Int).Sub(funded, paid); excess.Sign() > 0 {
			if err := r.bank.Transfer(r.stakeVault, r.rewardReserve, excess); err != nil {
				return nil, err
			}
			funded = paid
		}
	}
	payments := make([]ledger.Payment, 0, len(open))
	for i, c := range open {
		payments = append(payments, ledger.Payment{To: c.Guarantor, Amount: new(big.Int).Add(c.StakeAmount, bonuses[i])})
	}
	if err := r.bank.Payout(r.stakeVault, payments); err != nil {
		if funded.Sign() > 0 {
			_ = r.bank.Transfer(r.stakeVault, r.rewardReserve, funded)
		}
		return nil, err
	}
	for i, c := range open {
		profile := r.profiles[c.Guarantor]
		report.Refunded.Add(report.Refunded, c.StakeAmount)
		report.Bonus.Add(report.Bonus, bonuses[i])
		delta := int64(r.policy.SuccessReputationBonus)
		if !c.Revealed {
			delta = -int64(r.policy.NonRevealPenalty)
		}
		if c.Failed {
			delta = 0
		}
		r.recordRewardLocked(profile, c, bonuses[i], delta)
		report.Count++
	}
	r.logger.Info("guarantors settled",
		slog.Uint64("escrowId", escrowID),
		slog.String("outcome", "success"),
		slog.Int("count", report.Count))
	return report, nil
}

// SettleFailure slashes every open guarantee of a cancelled escrow by the
// policy's CancelSlashBps, sends the slashed stake to recipient, refunds any
// remainder, penalises reputation and applies the failed-guarantee ban.
func (r *Registry) SettleFailure(auth Authority, escrowID uint64, recipient [20]byte) (*Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(auth); err != nil {
		return nil, err
	}
	report := &Settlement{EscrowID: escrowID, Refunded: big.NewInt(0), Bonus: big.NewInt(0), Slashed: big.NewInt(0)}
	open := r.openLocked(escrowID)
	if len(open) == 0 {
		return report, nil
	}
	slashes := make([]*big.Int, len(open))
	payments := make([]ledger.Payment, 0, len(open)+1)
	for i, c := range open {
		slash := new(big.Int).Mul(c.StakeAmount, new(big.Int).SetUint64(r.policy.CancelSlashBps))
		slash.Quo(slash, big.NewInt(bpsDenominator))
		slashes[i] = slash
		report.Slashed.Add(report.Slashed, slash)
		if refund := new(big.Int).Sub(c.StakeAmount, slash); refund.Sign() > 0 {
			payments = append(payments, ledger.Payment{To: c.Guarantor, Amount: refund})
		}
	}
	payments = append(payments, ledger.Payment{To: recipient, Amount: report.Slashed})
	if err := r.bank.Payout(r.stakeVault, payments); err != nil {
		return nil, err
	}
	now := r.nowFn()
	for i, c := range open {
		profile := r.profiles[c.Guarantor]
		if slashes[i].Sign() > 0 {
			r.recordSlashLocked(profile, c, slashes[i])
		} else if !c.Failed {
			c.Failed = true
			profile.FailureCount++
			if profile.ActiveGuaranteeCount > 0 {
				profile.ActiveGuaranteeCount--
			}
		}
		report.Refunded.Add(report.Refunded, c.StakeAmount)
		profile.TotalStaked = subFloor(profile.TotalStaked, c.StakeAmount)
		c.StakeAmount = big.NewInt(0)
		c.Settled = true
		applyReputation(profile, -int64(r.policy.FailureReputationPenalty))
		r.banLocked(c.Guarantor, r.policy.FailedGuaranteeBan, "failed guarantee", now)
		report.Count++
	}
	r.logger.Info("guarantors settled",
		slog.Uint64("escrowId", escrowID),
		slog.String("outcome", "failure"),
		slog.Int("count", report.Count),
		slog.String("slashed", report.Slashed.String()))
	return report, nil
}

func (r *Registry) openLocked(escrowID uint64) []*Commitment {
	var open []*Commitment
	for _, c := range r.commitments[escrowID] {
		if !c.Settled {
			open = append(open, c)
		}
	}
	return open
}

func (r *Registry) findLocked(escrowID uint64, addr [20]byte) *Commitment {
	for _, c := range r.commitments[escrowID] {
		if c.Guarantor == addr {
			return c
		}
	}
	return nil
}

// scaleBonuses shrinks each bonus proportionally so the total fits funded.
func scaleBonuses(bonuses []*big.Int, funded, wanted *big.Int) {
	if wanted.Sign() == 0 {
		return
	}
	for i, b := range bonuses {
		scaled := new(big.Int).Mul(b, funded)
		bonuses[i] = scaled.Quo(scaled, wanted)
	}
}

func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(cloneBigInt(a), cloneBigInt(b))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
