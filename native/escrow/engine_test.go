package escrow

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/native/common"
	"escrowledger/native/guarantor"
	"escrowledger/native/insurance"
	"escrowledger/native/ledger"
	"escrowledger/native/lending"
)

var (
	vaultAddr       = addr(0xE0)
	stakeVaultAddr  = addr(0xE1)
	rewardAddr      = addr(0xE2)
	insuranceAddr   = addr(0xE3)
	creatorAddr     = addr(0x01)
	beneficiaryAddr = addr(0x02)
	arbiterAddr     = addr(0x03)
	payerAddr       = addr(0x04)
	lenderAddr      = addr(0x05)
	adminAddr       = addr(0x06)
	strangerAddr    = addr(0x07)
)

const testStart = int64(1_700_000_000)

func addr(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

type harness struct {
	t        *testing.T
	now      int64
	bank     *ledger.Bank
	registry *guarantor.Registry
	book     *lending.Book
	pool     *insurance.Pool
	pauses   *common.Pauses
	engine   *Engine
	events   *events.Recorder
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithQuota(t, common.Quota{})
}

func newHarnessWithQuota(t *testing.T, quota common.Quota) *harness {
	t.Helper()
	h := &harness{t: t, now: testStart, bank: ledger.NewBank(), events: &events.Recorder{}}
	clock := func() int64 { return h.now }
	registry, err := guarantor.NewRegistry(guarantor.DefaultPolicy(), h.bank, stakeVaultAddr, rewardAddr)
	require.NoError(t, err)
	h.registry = registry
	h.book = lending.NewBook(lending.DefaultConfig())
	h.book.SetNowFunc(clock)
	h.pool = insurance.NewPool(insurance.DefaultConfig(), h.bank, insuranceAddr)
	h.pool.SetNowFunc(clock)
	h.pauses = common.NewPauses()
	engine, err := NewEngine(Deps{
		Bank:      h.bank,
		Vault:     vaultAddr,
		Registry:  registry,
		Lenders:   h.book,
		Insurance: h.pool,
		Admin:     adminAddr,
		Pauses:    h.pauses,
		Quota:     quota,
	})
	require.NoError(t, err)
	engine.SetNowFunc(clock)
	engine.SetEmitter(h.events)
	h.engine = engine
	return h
}

func (h *harness) advance(d time.Duration) { h.now += int64(d / time.Second) }

func (h *harness) fund(who [20]byte, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.bank.Deposit(who, big.NewInt(amount)))
}

func (h *harness) balance(who [20]byte) int64 {
	return h.bank.Balance(who).Int64()
}

func (h *harness) verify(id uint64) {
	h.t.Helper()
	snap, err := h.engine.Snapshot(id)
	require.NoError(h.t, err)
	require.NoError(h.t, snap.Verify())
}

func amounts(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

// simpleParams builds an escrow with an arbiter and no deadlines.
func simpleParams(fee int64, values ...int64) CreateParams {
	return CreateParams{
		Beneficiary: beneficiaryAddr,
		Arbiter:     arbiterAddr,
		ArbiterFee:  big.NewInt(fee),
		Amounts:     amounts(values...),
		Deadlines:   make([]int64, len(values)),
	}
}

func (h *harness) create(p CreateParams, funds int64) *Escrow {
	h.t.Helper()
	h.fund(creatorAddr, funds)
	esc, err := h.engine.CreateEscrow(creatorAddr, p, big.NewInt(funds))
	require.NoError(h.t, err)
	return esc
}

func TestFundedEscrowReleasesToCompletion(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(1, 10, 20), 31)
	require.Equal(t, uint64(1), esc.ID)
	require.Equal(t, StateActive, esc.State)
	require.Equal(t, int64(30), esc.TotalFunded.Int64())
	require.True(t, esc.FeeHeld())
	require.Equal(t, int64(31), h.balance(vaultAddr))

	_, err := h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.NoError(t, err)
	_, err = h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, ErrMilestoneAlreadyApproved)

	esc, err = h.engine.ReleaseMilestone(esc.ID, 0, creatorAddr)
	require.NoError(t, err)
	require.Equal(t, int64(10), h.balance(beneficiaryAddr))
	require.Equal(t, StateActive, esc.State)
	h.verify(esc.ID)

	_, err = h.engine.ReleaseMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, ErrMilestoneAlreadyReleased)
	_, err = h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, ErrMilestoneAlreadyReleased)

	_, err = h.engine.ApproveMilestone(esc.ID, 1, creatorAddr)
	require.NoError(t, err)
	esc, err = h.engine.ReleaseMilestone(esc.ID, 1, beneficiaryAddr)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, esc.State)
	require.True(t, esc.FeePaid)
	require.Equal(t, int64(30), h.balance(beneficiaryAddr))
	require.Equal(t, int64(1), h.balance(arbiterAddr))
	require.Zero(t, h.balance(vaultAddr))
	h.verify(esc.ID)

	require.Equal(t, []string{
		EventTypeEscrowCreated,
		EventTypeEscrowActivated,
		EventTypeMilestoneApproved,
		EventTypeMilestoneReleased,
		EventTypeMilestoneApproved,
		EventTypeMilestoneReleased,
		EventTypeEscrowCompleted,
	}, h.events.Types())

	_, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateEscrowValidation(t *testing.T) {
	h := newHarness(t)
	h.fund(creatorAddr, 1_000)

	cases := []struct {
		name   string
		mutate func(p *CreateParams)
		funds  int64
		err    error
	}{
		{"no beneficiary", func(p *CreateParams) { p.Beneficiary = [20]byte{} }, 10, ErrInvalidBeneficiary},
		{"no milestones", func(p *CreateParams) { p.Amounts, p.Deadlines = nil, nil }, 10, ErrNoMilestones},
		{"shape", func(p *CreateParams) { p.Deadlines = nil }, 10, ErrMilestoneShape},
		{"descriptions shape", func(p *CreateParams) { p.Descriptions = []string{"a", "b"} }, 10, ErrMilestoneShape},
		{"zero amount", func(p *CreateParams) { p.Amounts = amounts(0) }, 10, ErrInvalidAmount},
		{"past deadline", func(p *CreateParams) { p.Deadlines = []int64{testStart} }, 10, ErrInvalidDeadline},
		{"fee without arbiter", func(p *CreateParams) { p.Arbiter = [20]byte{} }, 10, ErrArbiterRequired},
		{"guarantor count", func(p *CreateParams) { p.RequiresGuarantors = true }, 10, ErrInvalidGuarantorCount},
		{"funds below fee", func(p *CreateParams) {}, 1, ErrInsufficientFunds},
		{"over target", func(p *CreateParams) {}, 20, ErrExceedsTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := simpleParams(2, 8)
			tc.mutate(&p)
			_, err := h.engine.CreateEscrow(creatorAddr, p, big.NewInt(tc.funds))
			require.ErrorIs(t, err, tc.err)
		})
	}
	require.Zero(t, h.engine.Count())
	require.Equal(t, int64(1_000), h.balance(creatorAddr))

	_, err := h.engine.CreateEscrow(strangerAddr, simpleParams(0, 5), big.NewInt(5))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Zero(t, h.engine.Count())
}

func TestEscrowNotFound(t *testing.T) {
	h := newHarness(t)
	for _, id := range []uint64{0, 1, 42} {
		_, err := h.engine.Escrow(id)
		require.ErrorIs(t, err, ErrEscrowNotFound)
		require.ErrorIs(t, err, coreerrors.ErrNotFound)
	}
	_, err := h.engine.Contribute(3, payerAddr, big.NewInt(1))
	require.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestContributionsActivateAtTarget(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(0, 10, 20), 10)
	require.Equal(t, StatePending, esc.State)

	_, err := h.engine.Contribute(esc.ID, payerAddr, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(5))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	h.fund(payerAddr, 100)
	_, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(21))
	require.ErrorIs(t, err, ErrExceedsTarget)
	esc, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, StatePending, esc.State)
	esc, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(15))
	require.NoError(t, err)
	require.Equal(t, StateActive, esc.State)
	require.Equal(t, testStart, esc.ActivatedAt)

	require.Len(t, esc.Contributions, 2)
	require.Equal(t, creatorAddr, esc.Contributions[0].Payer)
	require.Equal(t, payerAddr, esc.Contributions[1].Payer)
	require.Equal(t, int64(20), esc.Contribution(payerAddr).Int64())
	require.Equal(t, int64(80), h.balance(payerAddr))
	h.verify(esc.ID)
}

func TestDisputeResolutionReturnsToActive(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(3, 10, 20), 33)

	_, err := h.engine.RaiseDispute(esc.ID, strangerAddr)
	require.ErrorIs(t, err, ErrUnauthorized)
	esc, err = h.engine.RaiseDispute(esc.ID, creatorAddr)
	require.NoError(t, err)
	require.Equal(t, StateDisputed, esc.State)

	_, err = h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = h.engine.ResolveDispute(esc.ID, creatorAddr, []int{0})
	require.ErrorIs(t, err, ErrUnauthorized)

	// An out-of-range index rejects the whole resolution before anything moves.
	_, err = h.engine.ResolveDispute(esc.ID, arbiterAddr, []int{0, 5})
	require.ErrorIs(t, err, ErrMilestoneNotFound)
	esc, err = h.engine.Escrow(esc.ID)
	require.NoError(t, err)
	require.Equal(t, StateDisputed, esc.State)
	require.False(t, esc.Milestones[0].Released)
	require.Zero(t, h.balance(beneficiaryAddr))

	esc, err = h.engine.ResolveDispute(esc.ID, arbiterAddr, []int{0})
	require.NoError(t, err)
	require.Equal(t, StateActive, esc.State)
	require.True(t, esc.Milestones[0].Released)
	require.False(t, esc.Milestones[1].Released)
	require.Equal(t, int64(10), h.balance(beneficiaryAddr))
	require.Equal(t, int64(3), h.balance(arbiterAddr))
	h.verify(esc.ID)

	_, err = h.engine.ResolveDispute(esc.ID, arbiterAddr, []int{1})
	require.ErrorIs(t, err, ErrInvalidState)

	// Second dispute: already released and duplicate indices are skipped and
	// the fee is not paid twice.
	_, err = h.engine.RaiseDispute(esc.ID, beneficiaryAddr)
	require.NoError(t, err)
	esc, err = h.engine.ResolveDispute(esc.ID, arbiterAddr, []int{0, 1, 1})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, esc.State)
	require.Equal(t, int64(30), h.balance(beneficiaryAddr))
	require.Equal(t, int64(3), h.balance(arbiterAddr))
	require.Zero(t, h.balance(vaultAddr))
	h.verify(esc.ID)
}

func TestDisputeRequiresArbiter(t *testing.T) {
	h := newHarness(t)
	p := simpleParams(0, 10)
	p.Arbiter = [20]byte{}
	esc := h.create(p, 10)
	_, err := h.engine.RaiseDispute(esc.ID, creatorAddr)
	require.ErrorIs(t, err, ErrArbiterRequired)
}

func TestCancelRefundsProportionally(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(1, 1, 2), 2)
	require.Equal(t, StatePending, esc.State)
	h.fund(payerAddr, 2)
	esc, err := h.engine.Contribute(esc.ID, payerAddr, big.NewInt(2))
	require.NoError(t, err)
	require.Equal(t, StateActive, esc.State)

	_, err = h.engine.CancelEscrow(esc.ID, strangerAddr)
	require.ErrorIs(t, err, ErrUnauthorized)

	esc, err = h.engine.CancelEscrow(esc.ID, payerAddr)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, esc.State)
	// The creator contributed 1 and paid the fee of 1; both return.
	require.Equal(t, int64(2), h.balance(creatorAddr))
	require.Equal(t, int64(2), h.balance(payerAddr))
	require.Zero(t, h.balance(vaultAddr))
	require.True(t, esc.FeeRefunded)
	require.True(t, esc.Milestones.Closed())
	require.Zero(t, esc.TotalReleased.Sign())
	h.verify(esc.ID)

	_, err = h.engine.CancelEscrow(esc.ID, payerAddr)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = h.engine.ReleaseMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelReturnsHeldFeeToCreator(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(1, 3), 1)
	require.Equal(t, StatePending, esc.State)
	require.True(t, esc.FeeHeld())
	h.fund(payerAddr, 3)
	_, err := h.engine.Contribute(esc.ID, payerAddr, big.NewInt(3))
	require.NoError(t, err)

	esc, err = h.engine.CancelEscrow(esc.ID, payerAddr)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, esc.State)
	require.Equal(t, int64(1), h.balance(creatorAddr))
	require.Equal(t, int64(3), h.balance(payerAddr))
	require.Zero(t, h.balance(arbiterAddr))
	require.Zero(t, h.balance(vaultAddr))
	require.True(t, esc.FeeRefunded)
	h.verify(esc.ID)
}

func TestCancelLeavesIntegerDust(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(0, 1, 9), 3)
	third := addr(0x08)
	h.fund(payerAddr, 3)
	h.fund(third, 4)
	_, err := h.engine.Contribute(esc.ID, payerAddr, big.NewInt(3))
	require.NoError(t, err)
	_, err = h.engine.Contribute(esc.ID, third, big.NewInt(4))
	require.NoError(t, err)

	_, err = h.engine.ApproveMilestone(esc.ID, 0, third)
	require.NoError(t, err)
	_, err = h.engine.ReleaseMilestone(esc.ID, 0, third)
	require.NoError(t, err)

	esc, err = h.engine.CancelEscrow(esc.ID, creatorAddr)
	require.NoError(t, err)
	// Remaining 9 split 3:3:4 of 10 rounds down to 2, 2, 3.
	require.Equal(t, int64(2), h.balance(creatorAddr))
	require.Equal(t, int64(2), h.balance(payerAddr))
	require.Equal(t, int64(3), h.balance(third))
	require.Equal(t, int64(2), esc.Dust.Int64())
	require.Equal(t, int64(2), h.balance(vaultAddr))
	require.Equal(t, int64(1), esc.TotalReleased.Int64())
	h.verify(esc.ID)
}

func TestCancelEmptyEscrowCloses(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(0, 5), 0)
	require.Equal(t, StatePending, esc.State)
	_, err := h.engine.CancelEscrow(esc.ID, strangerAddr)
	require.ErrorIs(t, err, ErrUnauthorized)

	esc, err = h.engine.CancelEscrow(esc.ID, creatorAddr)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, esc.State)
	require.True(t, esc.Milestones[0].Refunded)
	require.Zero(t, esc.TotalRefunded.Sign())
	types := h.events.Types()
	require.Equal(t, EventTypeEscrowCancelled, types[len(types)-1])
	h.verify(esc.ID)
}

func TestAuthorisationRules(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(0, 10), 10)

	_, err := h.engine.ApproveMilestone(esc.ID, 0, beneficiaryAddr)
	require.ErrorIs(t, err, ErrNotPayer)
	_, err = h.engine.ApproveMilestone(esc.ID, 3, creatorAddr)
	require.ErrorIs(t, err, ErrMilestoneNotFound)
	_, err = h.engine.ReleaseMilestone(esc.ID, 0, strangerAddr)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.engine.ReleaseMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, ErrMilestoneNotApproved)
	_, err = h.engine.ReleaseMilestone(esc.ID, 0, beneficiaryAddr)
	require.ErrorIs(t, err, ErrMilestoneNotApproved)

	next := addr(0x09)
	_, err = h.engine.TransferBeneficiary(esc.ID, creatorAddr, next)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.engine.TransferBeneficiary(esc.ID, beneficiaryAddr, [20]byte{})
	require.ErrorIs(t, err, ErrInvalidBeneficiary)
	esc, err = h.engine.TransferBeneficiary(esc.ID, beneficiaryAddr, next)
	require.NoError(t, err)
	require.Equal(t, next, esc.Beneficiary)

	_, err = h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.NoError(t, err)
	_, err = h.engine.ReleaseMilestone(esc.ID, 0, creatorAddr)
	require.NoError(t, err)
	require.Equal(t, int64(10), h.balance(next))
	require.Zero(t, h.balance(beneficiaryAddr))
}

func TestPausedEngineRejectsMutations(t *testing.T) {
	h := newHarness(t)
	esc := h.create(simpleParams(0, 10), 10)
	h.pauses.Set(ModuleName, true)

	_, err := h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.ErrorIs(t, err, coreerrors.ErrModulePaused)
	h.fund(creatorAddr, 10)
	_, err = h.engine.CreateEscrow(creatorAddr, simpleParams(0, 10), big.NewInt(10))
	require.ErrorIs(t, err, coreerrors.ErrModulePaused)

	_, err = h.engine.Escrow(esc.ID)
	require.NoError(t, err)

	h.pauses.Set(ModuleName, false)
	_, err = h.engine.ApproveMilestone(esc.ID, 0, creatorAddr)
	require.NoError(t, err)
}

func TestQuotaLimitsCallsPerEpoch(t *testing.T) {
	h := newHarnessWithQuota(t, common.Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 60})
	esc := h.create(simpleParams(0, 10, 10), 0)
	h.fund(payerAddr, 10)

	_, err := h.engine.Contribute(esc.ID, payerAddr, big.NewInt(1))
	require.NoError(t, err)
	_, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(1))
	require.NoError(t, err)
	_, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(1))
	require.ErrorIs(t, err, common.ErrQuotaRequestsExceeded)

	h.advance(time.Minute)
	_, err = h.engine.Contribute(esc.ID, payerAddr, big.NewInt(1))
	require.NoError(t, err)
}
