package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds. Credits are recorded with positive amounts,
// debits with negative amounts.
const (
	KindSaleCredit         = "sale_credit"
	KindFeeDebit           = "fee_debit"
	KindReservationHold    = "reservation_hold"
	KindReservationRelease = "reservation_release"
	KindWithdrawalDebit    = "withdrawal_debit"
	KindWithdrawalRefund   = "withdrawal_refund"
)

// Ledger entry statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusReversed  = "reversed"
)

// Withdrawal statuses.
const (
	WithdrawalPending    = "pending"
	WithdrawalProcessing = "processing"
	WithdrawalCompleted  = "completed"
	WithdrawalRejected   = "rejected"
)

// Reservation rules.
const (
	Rule1 = "rule1" // 4% of trailing 15-day net sales, held 15 days
	Rule2 = "rule2" // largest net sale of trailing 24h, held 24h
)

// Pix key types accepted as withdrawal destinations.
const (
	PixKeyCPF    = "cpf"
	PixKeyEmail  = "email"
	PixKeyPhone  = "phone"
	PixKeyRandom = "random"
)

// Plan tiers.
const (
	PlanStarter  = "starter"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

// LedgerEntry is an immutable record of one monetary movement. After creation
// only Status may change, and only pending -> completed or pending -> reversed.
type LedgerEntry struct {
	EntryID     string          `json:"entry_id" db:"entry_id"`
	StoreID     string          `json:"store_id" db:"store_id"`
	OrderID     string          `json:"order_id,omitempty" db:"order_id"`
	RelatedID   string          `json:"related_id,omitempty" db:"related_id"`
	Kind        string          `json:"kind" db:"kind"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Status      string          `json:"status" db:"status"`
	AppliedRule string          `json:"applied_rule,omitempty" db:"applied_rule"`
	ReleaseAt   *time.Time      `json:"release_at,omitempty" db:"release_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WalletBalance is derived from the ledger, never stored.
type WalletBalance struct {
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// Withdrawal is a store's request to convert available balance into a payout.
type Withdrawal struct {
	WithdrawalID string          `json:"withdrawal_id" db:"withdrawal_id"`
	StoreID      string          `json:"store_id" db:"store_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	PixKey       string          `json:"pix_key" db:"pix_key"`
	PixKeyType   string          `json:"pix_key_type" db:"pix_key_type"`
	Status       string          `json:"status" db:"status"`
	RejectReason string          `json:"reject_reason,omitempty" db:"reject_reason"`
	RequestedAt  time.Time       `json:"requested_at" db:"requested_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// SaleEvent is what the payment processor emits when a customer payment
// clears (or, for the pending flow, when checkout creates the order).
type SaleEvent struct {
	StoreID   string          `json:"store_id"`
	OrderID   string          `json:"order_id"`
	Gross     decimal.Decimal `json:"gross_amount"`
	Currency  string          `json:"currency"`
	Timestamp time.Time       `json:"timestamp"`
}

// ValidPixKeyType reports whether t is a recognized Pix key type.
func ValidPixKeyType(t string) bool {
	switch t {
	case PixKeyCPF, PixKeyEmail, PixKeyPhone, PixKeyRandom:
		return true
	}
	return false
}
