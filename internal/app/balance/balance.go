// Package balance derives wallet balances from ledger entries. It is a pure
// read computation shared by every Repository implementation.
package balance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/entity"
)

// ErrInvariantViolation signals ledger corruption: a negative available
// balance or a reservation released more than once. Callers must abort the
// operation rather than clamp the result.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// Compute sums a store's ledger entries into a WalletBalance. Matured holds
// become available only once the scheduler has appended their offsetting
// release entry, so the ledger snapshot alone determines the result.
//
// Available adds every completed entry with its sign, so a released hold
// cancels against its release and an active hold keeps funds out. Pending is
// the sum of sale credits whose payment has not cleared. Reserved is the sum
// of active (unreleased) holds.
func Compute(entries []entity.LedgerEntry) (entity.WalletBalance, error) {
	released := make(map[string]bool)
	for _, e := range entries {
		if e.Kind != entity.KindReservationRelease {
			continue
		}
		if e.RelatedID == "" {
			return entity.WalletBalance{}, fmt.Errorf("%w: release %s has no hold reference", ErrInvariantViolation, e.EntryID)
		}
		if released[e.RelatedID] {
			return entity.WalletBalance{}, fmt.Errorf("%w: hold %s released twice", ErrInvariantViolation, e.RelatedID)
		}
		released[e.RelatedID] = true
	}

	var b entity.WalletBalance
	for _, e := range entries {
		switch {
		case e.Kind == entity.KindSaleCredit && e.Status == entity.StatusPending:
			b.Pending = b.Pending.Add(e.Amount)

		case e.Status == entity.StatusCompleted:
			b.Available = b.Available.Add(e.Amount)
			if e.Kind == entity.KindReservationHold && !released[e.EntryID] {
				b.Reserved = b.Reserved.Sub(e.Amount)
			}
		}
	}

	if b.Available.LessThan(decimal.Zero) {
		return entity.WalletBalance{}, fmt.Errorf("%w: available balance %s is negative", ErrInvariantViolation, b.Available)
	}
	return b, nil
}
