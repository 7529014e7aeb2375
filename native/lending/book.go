package lending

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	coreerrors "escrowledger/core/errors"
)

var (
	ErrLenderNotRegistered = fmt.Errorf("lending: lender not registered: %w", coreerrors.ErrNotFound)
	ErrLenderRegistered    = fmt.Errorf("lending: lender already registered: %w", coreerrors.ErrDuplicate)
	ErrOfferNotFound       = fmt.Errorf("lending: offer not found: %w", coreerrors.ErrNotFound)
	ErrOfferExpired        = fmt.Errorf("lending: offer expired: %w", coreerrors.ErrWindow)
	ErrOfferAccepted       = fmt.Errorf("lending: offer already accepted: %w", coreerrors.ErrDuplicate)
	ErrInvalidAmount       = fmt.Errorf("lending: amount must be positive: %w", coreerrors.ErrInvalidInput)
	ErrRateTooHigh         = fmt.Errorf("lending: rate exceeds cap: %w", coreerrors.ErrInvalidInput)
	ErrTooManyOffers       = fmt.Errorf("lending: offer limit reached for escrow: %w", coreerrors.ErrThreshold)
)

type offerKey struct {
	escrowID uint64
	lender   [20]byte
}

// Book tracks lender profiles and their offers per escrow. It never moves
// funds; the escrow engine pulls the lender's contribution itself.
type Book struct {
	mu       sync.Mutex
	cfg      Config
	lenders  map[[20]byte]*LenderProfile
	offers   map[offerKey]*LoanOffer
	byEscrow map[uint64][][20]byte
	sequence uint64
	nowFn    func() int64
}

// NewBook constructs an empty offer book.
func NewBook(cfg Config) *Book {
	if cfg.MaxRateBps == 0 {
		cfg.MaxRateBps = DefaultConfig().MaxRateBps
	}
	if cfg.MaxOffersPerEscrow <= 0 {
		cfg.MaxOffersPerEscrow = DefaultConfig().MaxOffersPerEscrow
	}
	return &Book{
		cfg:      cfg,
		lenders:  make(map[[20]byte]*LenderProfile),
		offers:   make(map[offerKey]*LoanOffer),
		byEscrow: make(map[uint64][][20]byte),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used for expiry checks.
func (b *Book) SetNowFunc(now func() int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now == nil {
		b.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	b.nowFn = now
}

// RegisterLender creates a lender profile.
func (b *Book) RegisterLender(addr [20]byte) (*LenderProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lenders[addr]; ok {
		return nil, ErrLenderRegistered
	}
	profile := &LenderProfile{Address: addr, TotalLent: big.NewInt(0), RegisteredAt: b.nowFn()}
	b.lenders[addr] = profile
	return profile.Clone(), nil
}

// Profile returns the lender's profile.
func (b *Book) Profile(addr [20]byte) (*LenderProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, ok := b.lenders[addr]
	if !ok {
		return nil, ErrLenderNotRegistered
	}
	return profile.Clone(), nil
}

// SubmitOffer records or replaces the lender's offer for an escrow. An
// expiresAt of zero means the offer never expires.
func (b *Book) SubmitOffer(lender [20]byte, escrowID uint64, amount *big.Int, rateBps uint64, expiresAt int64) (*LoanOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, ok := b.lenders[lender]
	if !ok {
		return nil, ErrLenderNotRegistered
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if rateBps > b.cfg.MaxRateBps {
		return nil, ErrRateTooHigh
	}
	now := b.nowFn()
	if expiresAt != 0 && expiresAt <= now {
		return nil, ErrOfferExpired
	}
	key := offerKey{escrowID: escrowID, lender: lender}
	existing, replacing := b.offers[key]
	if replacing && existing.Accepted {
		return nil, ErrOfferAccepted
	}
	if !replacing && len(b.byEscrow[escrowID]) >= b.cfg.MaxOffersPerEscrow {
		return nil, ErrTooManyOffers
	}
	b.sequence++
	offer := &LoanOffer{
		Lender:    lender,
		EscrowID:  escrowID,
		Amount:    new(big.Int).Set(amount),
		RateBps:   rateBps,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		Sequence:  b.sequence,
	}
	b.offers[key] = offer
	if !replacing {
		b.byEscrow[escrowID] = append(b.byEscrow[escrowID], lender)
		profile.ActiveOffers++
	}
	return offer.Clone(), nil
}

// WithdrawOffer removes an offer that has not been accepted.
func (b *Book) WithdrawOffer(lender [20]byte, escrowID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := offerKey{escrowID: escrowID, lender: lender}
	offer, ok := b.offers[key]
	if !ok {
		return ErrOfferNotFound
	}
	if offer.Accepted {
		return ErrOfferAccepted
	}
	delete(b.offers, key)
	lenders := b.byEscrow[escrowID]
	for i, addr := range lenders {
		if addr == lender {
			b.byEscrow[escrowID] = append(lenders[:i:i], lenders[i+1:]...)
			break
		}
	}
	if profile := b.lenders[lender]; profile != nil && profile.ActiveOffers > 0 {
		profile.ActiveOffers--
	}
	return nil
}

// GetLoanOffer returns the lender's live offer for an escrow.
func (b *Book) GetLoanOffer(escrowID uint64, lender [20]byte) (*LoanOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offer, err := b.liveLocked(escrowID, lender)
	if err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// BestOffer selects the cheapest live offer for an escrow, preferring larger
// amounts and then earlier submissions on equal rates.
func (b *Book) BestOffer(escrowID uint64) (*LoanOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var candidates []*LoanOffer
	for _, lender := range b.byEscrow[escrowID] {
		offer, err := b.liveLocked(escrowID, lender)
		if err != nil {
			continue
		}
		candidates = append(candidates, offer)
	}
	if len(candidates) == 0 {
		return nil, ErrOfferNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.RateBps != c.RateBps {
			return a.RateBps < c.RateBps
		}
		if cmp := a.Amount.Cmp(c.Amount); cmp != 0 {
			return cmp > 0
		}
		return a.Sequence < c.Sequence
	})
	return candidates[0].Clone(), nil
}

// AcceptLoanOffer marks the offer consumed and credits the lender's profile
// with the lent amount.
func (b *Book) AcceptLoanOffer(escrowID uint64, lender [20]byte, lent *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	offer, err := b.liveLocked(escrowID, lender)
	if err != nil {
		return err
	}
	offer.Accepted = true
	if profile := b.lenders[lender]; profile != nil {
		if profile.ActiveOffers > 0 {
			profile.ActiveOffers--
		}
		profile.AcceptedOffers++
		if lent != nil && lent.Sign() > 0 {
			profile.TotalLent = new(big.Int).Add(profile.TotalLent, lent)
		}
	}
	return nil
}

func (b *Book) liveLocked(escrowID uint64, lender [20]byte) (*LoanOffer, error) {
	offer, ok := b.offers[offerKey{escrowID: escrowID, lender: lender}]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if offer.Accepted {
		return nil, ErrOfferAccepted
	}
	if offer.ExpiresAt != 0 && b.nowFn() >= offer.ExpiresAt {
		return nil, ErrOfferExpired
	}
	return offer, nil
}

// ReleaseLoanOffer reverts an acceptance whose escrow activation did not
// complete, restoring the offer and the lender's counters.
func (b *Book) ReleaseLoanOffer(escrowID uint64, lender [20]byte, lent *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	offer, ok := b.offers[offerKey{escrowID: escrowID, lender: lender}]
	if !ok {
		return ErrOfferNotFound
	}
	if !offer.Accepted {
		return nil
	}
	offer.Accepted = false
	if profile := b.lenders[lender]; profile != nil {
		profile.ActiveOffers++
		if profile.AcceptedOffers > 0 {
			profile.AcceptedOffers--
		}
		if lent != nil && lent.Sign() > 0 {
			profile.TotalLent = new(big.Int).Sub(profile.TotalLent, lent)
			if profile.TotalLent.Sign() < 0 {
				profile.TotalLent.SetInt64(0)
			}
		}
	}
	return nil
}
