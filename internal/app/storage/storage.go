package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/entity"
)

var ErrInsufficientFunds = errors.New("insufficient funds")
var ErrInvalidTransition = errors.New("invalid withdrawal transition")
var ErrStoreInactive = errors.New("store is not active")
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input on a ledger append or withdrawal
// request. The caller must fix the input; nothing is defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EntryFilter narrows EntriesFor queries. Zero values mean no filtering.
type EntryFilter struct {
	Kind string
	From time.Time
	To   time.Time
}

// HoldInfo is a reservation hold together with its release state, as shown
// on the seller's releases view.
type HoldInfo struct {
	Entry    entity.LedgerEntry
	Released bool
}

type Repository interface {
	// RecordPendingSale appends a pending sale credit for an order whose
	// payment has not yet cleared. No fee or hold is computed until the
	// sale is finalized.
	RecordPendingSale(ctx context.Context, sale entity.SaleEvent) error

	// FinalizeSale appends the credit + fee + hold triple for a cleared
	// sale in one transaction, completing a previously recorded pending
	// credit if one exists. Replays for an already finalized order are
	// no-ops.
	FinalizeSale(ctx context.Context, sale entity.SaleEvent) error

	// ReleaseMatured appends an offsetting release for every hold whose
	// release_at has passed, skipping holds already released. Returns the
	// number of releases appended. Safe to run on any schedule, any
	// number of times.
	ReleaseMatured(ctx context.Context, now time.Time) (int, error)

	EntriesFor(ctx context.Context, storeID string, f EntryFilter) ([]entity.LedgerEntry, error)
	Holds(ctx context.Context, storeID string) ([]HoldInfo, error)
	Balance(ctx context.Context, storeID string) (entity.WalletBalance, error)

	RequestWithdrawal(ctx context.Context, storeID string, amount decimal.Decimal, pixKey, pixKeyType string) (entity.Withdrawal, error)
	ApproveWithdrawal(ctx context.Context, withdrawalID string) (entity.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, withdrawalID string) (entity.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, withdrawalID string, reason string) (entity.Withdrawal, error)
	WithdrawalsFor(ctx context.Context, storeID string) ([]entity.Withdrawal, error)
	WithdrawalsByStatus(ctx context.Context, status string) ([]entity.Withdrawal, error)

	Close()
}

func validateSale(sale entity.SaleEvent) error {
	if sale.StoreID == "" {
		return &ValidationError{Field: "store_id", Reason: "missing"}
	}
	if sale.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "missing"}
	}
	if !sale.Gross.IsPositive() {
		return &ValidationError{Field: "gross_amount", Reason: "must be positive"}
	}
	if sale.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	return nil
}

func validateWithdrawalRequest(storeID string, amount decimal.Decimal, pixKey, pixKeyType string) error {
	if storeID == "" {
		return &ValidationError{Field: "store_id", Reason: "missing"}
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if pixKey == "" {
		return &ValidationError{Field: "pix_key", Reason: "missing"}
	}
	if !entity.ValidPixKeyType(pixKeyType) {
		return &ValidationError{Field: "pix_key_type", Reason: "must be one of cpf, email, phone, random"}
	}
	return nil
}

// entrySigns maps each kind to its required amount sign: +1 credit, -1 debit.
var entrySigns = map[string]int{
	entity.KindSaleCredit:         1,
	entity.KindReservationRelease: 1,
	entity.KindWithdrawalRefund:   1,
	entity.KindFeeDebit:           -1,
	entity.KindReservationHold:    -1,
	entity.KindWithdrawalDebit:    -1,
}

func validateEntry(e entity.LedgerEntry) error {
	if e.StoreID == "" {
		return &ValidationError{Field: "store_id", Reason: "missing"}
	}
	sign, ok := entrySigns[e.Kind]
	if !ok {
		return &ValidationError{Field: "kind", Reason: "unknown kind " + e.Kind}
	}
	if sign > 0 && !e.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: e.Kind + " must be positive"}
	}
	if sign < 0 && !e.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: e.Kind + " must be negative"}
	}
	return nil
}
