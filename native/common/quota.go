package common

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaVolumeCapExceeded = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// Store persists the per-caller offerBorrow/liquidate counters the lending
// engine checks before admitting an offer or a liquidation attempt.
type Store interface {
	Load(module string, epoch uint64, addr []byte) (QuotaNow, bool, error)
	Save(module string, epoch uint64, addr []byte, counters QuotaNow) error
}

// QuotaNow is one caller's running offerBorrow/liquidate usage for the
// current epoch: how many calls they've made and how much debt-asset volume
// (offer amount, or oracleAmount2 pulled into a liquidation) they've moved.
type QuotaNow struct {
	ReqCount   uint32
	VolumeUsed uint64
	EpochID    uint64
}

// Quota bounds how often, and how much debt-asset volume, a single caller
// may push through offerBorrow or liquidate within one epoch. A lender
// spamming low-value offers trips MaxRequestsPerMin before it trips
// MaxVolumePerEpoch; a single oversized liquidation trips the latter
// directly. Either limit set to zero is unbounded.
type Quota struct {
	MaxRequestsPerMin uint32
	MaxVolumePerEpoch uint64
	EpochSeconds      uint32
}

// CheckQuota admits an offerBorrow or liquidate call against the caller's
// running counters: it rolls prev over to a fresh QuotaNow when nowEpoch has
// advanced, adds addReq/addVolume, and rejects when the sum breaches q. The
// returned QuotaNow is only meaningful when err is nil — on rejection the
// caller's on-chain counters are left untouched by Apply.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerMin > 0 && next.ReqCount > q.MaxRequestsPerMin {
		return prev, ErrQuotaRequestsExceeded
	}

	if addVolume > 0 {
		if next.VolumeUsed > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.VolumeUsed += addVolume
	}
	if q.MaxVolumePerEpoch > 0 && next.VolumeUsed > q.MaxVolumePerEpoch {
		return prev, ErrQuotaVolumeCapExceeded
	}

	return next, nil
}

// Apply loads a caller's offerBorrow/liquidate counters, admits the call via
// CheckQuota, and persists the updated counters. When the quota is exceeded
// the caller's stored counters are left unchanged and returned alongside the
// error, so a rejected offer or liquidation never consumes headroom.
func Apply(store Store, module string, nowEpoch uint64, addr []byte, q Quota, addReq uint32, addVolume uint64) (QuotaNow, error) {
	if store == nil {
		return QuotaNow{}, fmt.Errorf("quota: store unavailable")
	}
	if len(addr) == 0 {
		return QuotaNow{}, fmt.Errorf("quota: address required")
	}
	prev, _, err := store.Load(module, nowEpoch, addr)
	if err != nil {
		return QuotaNow{}, err
	}
	next, err := CheckQuota(q, nowEpoch, prev, addReq, addVolume)
	if err != nil {
		return prev, err
	}
	if err := store.Save(module, nowEpoch, addr, next); err != nil {
		return QuotaNow{}, err
	}
	return next, nil
}
