package common

import (
	"fmt"
	"math"
	"math/big"

	coreerrors "escrowledger/core/errors"
)

var (
	ErrQuotaRequestsExceeded = fmt.Errorf("quota requests exceeded: %w", coreerrors.ErrThreshold)
	ErrQuotaValueExceeded    = fmt.Errorf("quota value cap exceeded: %w", coreerrors.ErrThreshold)
	ErrQuotaCounterOverflow  = fmt.Errorf("quota counter overflow: %w", coreerrors.ErrInvalidInput)
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount  uint32
	ValueUsed *big.Int
	EpochID   uint64
}

// Quota defines the limits enforced for module interactions per address.
// Zero values disable the corresponding limit.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxValuePerEpoch    string `toml:"MaxValuePerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || (q.MaxValuePerEpoch != "" && q.MaxValuePerEpoch != "0")
}

// Epoch maps a unix timestamp to the quota epoch containing it.
func (q Quota) Epoch(now int64) uint64 {
	if q.EpochSeconds == 0 || now <= 0 {
		return 0
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// ValueCap parses MaxValuePerEpoch; nil means unlimited.
func (q Quota) ValueCap() (*big.Int, error) {
	if q.MaxValuePerEpoch == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(q.MaxValuePerEpoch, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("quota: invalid value cap %q: %w", q.MaxValuePerEpoch, coreerrors.ErrInvalidInput)
	}
	if v.Sign() == 0 {
		return nil, nil
	}
	return v, nil
}

// CheckQuota verifies whether the additional request and value fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addValue *big.Int) (QuotaNow, error) {
	next := QuotaNow{EpochID: prev.EpochID, ReqCount: prev.ReqCount, ValueUsed: new(big.Int)}
	if prev.ValueUsed != nil {
		next.ValueUsed.Set(prev.ValueUsed)
	}
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch, ValueUsed: new(big.Int)}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue != nil && addValue.Sign() > 0 {
		next.ValueUsed.Add(next.ValueUsed, addValue)
	}
	capValue, err := q.ValueCap()
	if err != nil {
		return prev, err
	}
	if capValue != nil && next.ValueUsed.Cmp(capValue) > 0 {
		return prev, ErrQuotaValueExceeded
	}

	return next, nil
}
