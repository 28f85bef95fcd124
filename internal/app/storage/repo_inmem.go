package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/balance"
	"github.com/lojix/wallet/internal/app/client"
	"github.com/lojix/wallet/internal/app/entity"
	"github.com/lojix/wallet/internal/app/fee"
	"github.com/lojix/wallet/internal/app/release"
)

// RepoInmem keeps the ledger in memory behind a single mutex, which gives the
// same per-store serialization the database repository gets from row locks.
// Used by tests and local development runs.
type RepoInmem struct {
	mu          sync.Mutex
	directory   client.Directory
	entries     []entity.LedgerEntry
	withdrawals []entity.Withdrawal
}

func NewRepoInmem(directory client.Directory) *RepoInmem {
	return &RepoInmem{directory: directory}
}

func (r *RepoInmem) RecordPendingSale(ctx context.Context, sale entity.SaleEvent) error {
	if err := validateSale(sale); err != nil {
		return err
	}
	store, err := r.directory.GetStore(ctx, sale.StoreID)
	if err != nil {
		return err
	}
	if !store.Active {
		return ErrStoreInactive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findCredit(sale.StoreID, sale.OrderID) != nil {
		return nil
	}
	return r.append(entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   sale.StoreID,
		OrderID:   sale.OrderID,
		Kind:      entity.KindSaleCredit,
		Amount:    sale.Gross,
		Status:    entity.StatusPending,
		CreatedAt: sale.Timestamp,
	})
}

func (r *RepoInmem) FinalizeSale(ctx context.Context, sale entity.SaleEvent) error {
	if err := validateSale(sale); err != nil {
		return err
	}

	store, err := r.directory.GetStore(ctx, sale.StoreID)
	if err != nil {
		return err
	}
	if !store.Active {
		return ErrStoreInactive
	}

	saleFee, net, err := fee.Calculate(sale.Gross, store.Plan)
	if err != nil {
		return err
	}
	if !net.IsPositive() {
		return &ValidationError{Field: "gross_amount", Reason: "fee exceeds gross"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if credit := r.findCredit(sale.StoreID, sale.OrderID); credit != nil {
		if credit.Status == entity.StatusCompleted {
			return nil
		}
		credit.Status = entity.StatusCompleted
	} else {
		if err := r.append(entity.LedgerEntry{
			EntryID:   uuid.NewString(),
			StoreID:   sale.StoreID,
			OrderID:   sale.OrderID,
			Kind:      entity.KindSaleCredit,
			Amount:    sale.Gross,
			Status:    entity.StatusCompleted,
			CreatedAt: sale.Timestamp,
		}); err != nil {
			return err
		}
	}

	hold := release.Evaluate(
		release.Sale{OrderID: sale.OrderID, Net: net, Timestamp: sale.Timestamp},
		r.trailingHistory(sale, 15*24*time.Hour),
	)

	if err := r.append(entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   sale.StoreID,
		OrderID:   sale.OrderID,
		Kind:      entity.KindFeeDebit,
		Amount:    saleFee.Neg(),
		Status:    entity.StatusCompleted,
		CreatedAt: sale.Timestamp,
	}); err != nil {
		return err
	}

	releaseAt := hold.ReleaseAt
	return r.append(entity.LedgerEntry{
		EntryID:     uuid.NewString(),
		StoreID:     sale.StoreID,
		OrderID:     sale.OrderID,
		Kind:        entity.KindReservationHold,
		Amount:      hold.Amount.Neg(),
		Status:      entity.StatusCompleted,
		AppliedRule: hold.Rule,
		ReleaseAt:   &releaseAt,
		CreatedAt:   sale.Timestamp,
	})
}

func (r *RepoInmem) ReleaseMatured(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for _, h := range r.activeHolds(now) {
		if err := r.append(entity.LedgerEntry{
			EntryID:   uuid.NewString(),
			StoreID:   h.StoreID,
			OrderID:   h.OrderID,
			RelatedID: h.EntryID,
			Kind:      entity.KindReservationRelease,
			Amount:    h.Amount.Neg(),
			Status:    entity.StatusCompleted,
			CreatedAt: now,
		}); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// activeHolds returns matured, not yet released scheduled holds.
func (r *RepoInmem) activeHolds(now time.Time) []entity.LedgerEntry {
	released := make(map[string]bool)
	for _, e := range r.entries {
		if e.Kind == entity.KindReservationRelease {
			released[e.RelatedID] = true
		}
	}

	var matured []entity.LedgerEntry
	for _, e := range r.entries {
		if e.Kind != entity.KindReservationHold || e.Status != entity.StatusCompleted {
			continue
		}
		if e.ReleaseAt == nil || e.ReleaseAt.After(now) || released[e.EntryID] {
			continue
		}
		matured = append(matured, e)
	}
	return matured
}

func (r *RepoInmem) EntriesFor(ctx context.Context, storeID string, f EntryFilter) ([]entity.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entriesFor(storeID, f), nil
}

func (r *RepoInmem) entriesFor(storeID string, f EntryFilter) []entity.LedgerEntry {
	var entries []entity.LedgerEntry
	for _, e := range r.entries {
		if e.StoreID != storeID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.CreatedAt.After(f.To) {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func (r *RepoInmem) Holds(ctx context.Context, storeID string) ([]HoldInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := make(map[string]bool)
	for _, e := range r.entries {
		if e.Kind == entity.KindReservationRelease {
			released[e.RelatedID] = true
		}
	}

	var holds []HoldInfo
	for _, e := range r.entries {
		if e.StoreID == storeID && e.Kind == entity.KindReservationHold {
			holds = append(holds, HoldInfo{Entry: e, Released: released[e.EntryID]})
		}
	}
	return holds, nil
}

func (r *RepoInmem) Balance(ctx context.Context, storeID string) (entity.WalletBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return balance.Compute(r.entriesFor(storeID, EntryFilter{}))
}

func (r *RepoInmem) RequestWithdrawal(ctx context.Context, storeID string, amount decimal.Decimal, pixKey, pixKeyType string) (entity.Withdrawal, error) {
	var w entity.Withdrawal
	if err := validateWithdrawalRequest(storeID, amount, pixKey, pixKeyType); err != nil {
		return w, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := balance.Compute(r.entriesFor(storeID, EntryFilter{}))
	if err != nil {
		return w, err
	}
	if amount.GreaterThan(b.Available) {
		return w, ErrInsufficientFunds
	}

	w = entity.Withdrawal{
		WithdrawalID: uuid.NewString(),
		StoreID:      storeID,
		Amount:       amount,
		PixKey:       pixKey,
		PixKeyType:   pixKeyType,
		Status:       entity.WithdrawalPending,
		RequestedAt:  time.Now(),
	}
	if err := r.append(entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   storeID,
		RelatedID: w.WithdrawalID,
		Kind:      entity.KindReservationHold,
		Amount:    amount.Neg(),
		Status:    entity.StatusCompleted,
		CreatedAt: w.RequestedAt,
	}); err != nil {
		return w, err
	}
	r.withdrawals = append(r.withdrawals, w)
	return w, nil
}

func (r *RepoInmem) ApproveWithdrawal(ctx context.Context, withdrawalID string) (entity.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.find(withdrawalID)
	if err != nil {
		return entity.Withdrawal{}, err
	}
	if w.Status != entity.WithdrawalPending {
		return *w, ErrInvalidTransition
	}
	w.Status = entity.WithdrawalProcessing
	return *w, nil
}

func (r *RepoInmem) CompleteWithdrawal(ctx context.Context, withdrawalID string) (entity.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.find(withdrawalID)
	if err != nil {
		return entity.Withdrawal{}, err
	}
	if w.Status != entity.WithdrawalProcessing {
		return *w, ErrInvalidTransition
	}

	now := time.Now()
	if err := r.releaseEarmark(*w, now); err != nil {
		return *w, err
	}
	if err := r.append(entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   w.StoreID,
		RelatedID: w.WithdrawalID,
		Kind:      entity.KindWithdrawalDebit,
		Amount:    w.Amount.Neg(),
		Status:    entity.StatusCompleted,
		CreatedAt: now,
	}); err != nil {
		return *w, err
	}

	w.Status = entity.WithdrawalCompleted
	w.ResolvedAt = &now
	return *w, nil
}

func (r *RepoInmem) RejectWithdrawal(ctx context.Context, withdrawalID string, reason string) (entity.Withdrawal, error) {
	if reason == "" {
		return entity.Withdrawal{}, &ValidationError{Field: "reject_reason", Reason: "missing"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.find(withdrawalID)
	if err != nil {
		return entity.Withdrawal{}, err
	}
	if w.Status != entity.WithdrawalPending {
		return *w, ErrInvalidTransition
	}

	now := time.Now()
	if err := r.releaseEarmark(*w, now); err != nil {
		return *w, err
	}
	w.Status = entity.WithdrawalRejected
	w.RejectReason = reason
	w.ResolvedAt = &now
	return *w, nil
}

func (r *RepoInmem) WithdrawalsFor(ctx context.Context, storeID string) ([]entity.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var withdrawals []entity.Withdrawal
	for _, w := range r.withdrawals {
		if w.StoreID == storeID {
			withdrawals = append(withdrawals, w)
		}
	}
	return withdrawals, nil
}

func (r *RepoInmem) WithdrawalsByStatus(ctx context.Context, status string) ([]entity.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var withdrawals []entity.Withdrawal
	for _, w := range r.withdrawals {
		if w.Status == status {
			withdrawals = append(withdrawals, w)
		}
	}
	return withdrawals, nil
}

func (r *RepoInmem) Close() {}

func (r *RepoInmem) append(e entity.LedgerEntry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *RepoInmem) findCredit(storeID, orderID string) *entity.LedgerEntry {
	for i := range r.entries {
		e := &r.entries[i]
		if e.StoreID == storeID && e.OrderID == orderID && e.Kind == entity.KindSaleCredit {
			return e
		}
	}
	return nil
}

func (r *RepoInmem) trailingHistory(sale entity.SaleEvent, window time.Duration) []release.Sale {
	nets := make(map[string]*release.Sale)
	for _, e := range r.entries {
		if e.StoreID != sale.StoreID || e.OrderID == "" || e.OrderID == sale.OrderID {
			continue
		}
		if e.Status != entity.StatusCompleted {
			continue
		}
		if e.Kind != entity.KindSaleCredit && e.Kind != entity.KindFeeDebit {
			continue
		}
		if e.CreatedAt.Before(sale.Timestamp.Add(-window)) || e.CreatedAt.After(sale.Timestamp) {
			continue
		}
		s, ok := nets[e.OrderID]
		if !ok {
			s = &release.Sale{OrderID: e.OrderID, Timestamp: e.CreatedAt}
			nets[e.OrderID] = s
		}
		s.Net = s.Net.Add(e.Amount)
	}

	history := make([]release.Sale, 0, len(nets))
	for _, s := range nets {
		history = append(history, *s)
	}
	return history
}

func (r *RepoInmem) find(withdrawalID string) (*entity.Withdrawal, error) {
	for i := range r.withdrawals {
		if r.withdrawals[i].WithdrawalID == withdrawalID {
			return &r.withdrawals[i], nil
		}
	}
	return nil, ErrNotFound
}

func (r *RepoInmem) releaseEarmark(w entity.Withdrawal, now time.Time) error {
	for _, e := range r.entries {
		if e.Kind == entity.KindReservationHold && e.RelatedID == w.WithdrawalID {
			return r.append(entity.LedgerEntry{
				EntryID:   uuid.NewString(),
				StoreID:   w.StoreID,
				RelatedID: e.EntryID,
				Kind:      entity.KindReservationRelease,
				Amount:    e.Amount.Neg(),
				Status:    entity.StatusCompleted,
				CreatedAt: now,
			})
		}
	}
	return ErrNotFound
}
