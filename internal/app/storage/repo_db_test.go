package storage_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lojix/wallet/internal/app/client"
	"github.com/lojix/wallet/internal/app/entity"
	"github.com/lojix/wallet/internal/app/storage"
)

// openDirectory admits every store so DB tests can use throwaway store ids.
type openDirectory struct{}

func (openDirectory) GetStore(ctx context.Context, storeID string) (client.StoreInfo, error) {
	return client.StoreInfo{StoreID: storeID, Plan: entity.PlanPro, Active: true}, nil
}

func setupDB(t *testing.T) *storage.RepoDB {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	repo, err := storage.NewRepoDB(dsn, openDirectory{})
	if err != nil {
		t.Fatalf("db connection: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func dbSale(storeID, orderID, gross string, ts time.Time) entity.SaleEvent {
	return entity.SaleEvent{
		StoreID:   storeID,
		OrderID:   orderID,
		Gross:     dec(gross),
		Currency:  "BRL",
		Timestamp: ts,
	}
}

func TestDBReleaseIdempotent(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()
	storeID := uuid.NewString()

	if err := repo.FinalizeSale(ctx, dbSale(storeID, "1", "500.00", day0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	now := day0.Add(25 * time.Hour)
	if _, err := repo.ReleaseMatured(ctx, now); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := repo.ReleaseMatured(ctx, now); err != nil {
		t.Fatalf("second release: %v", err)
	}

	releases, err := repo.EntriesFor(ctx, storeID, storage.EntryFilter{Kind: entity.KindReservationRelease})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(releases) != 1 {
		t.Errorf("release entries = %d, want exactly 1", len(releases))
	}

	b, err := repo.Balance(ctx, storeID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.Equal(dec("484.20")) {
		t.Errorf("available = %s, want 484.20", b.Available)
	}
}

func TestDBFinalizeReplayIsNoop(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()
	storeID := uuid.NewString()

	sale := dbSale(storeID, "1", "500.00", day0)
	if err := repo.FinalizeSale(ctx, sale); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := repo.FinalizeSale(ctx, sale); err != nil {
		t.Fatalf("replayed finalize: %v", err)
	}

	entries, err := repo.EntriesFor(ctx, storeID, storage.EntryFilter{})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries after replay = %d, want 3 (credit + fee + hold)", len(entries))
	}
}

func TestDBConcurrentWithdrawalsCannotDoubleSpend(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()
	storeID := uuid.NewString()

	if err := repo.FinalizeSale(ctx, dbSale(storeID, "1", "500.00", day0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := repo.ReleaseMatured(ctx, day0.Add(25*time.Hour)); err != nil {
		t.Fatalf("release: %v", err)
	}

	// available 484.20: the wallet row lock must let only one of two
	// racing 300.00 requests through
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RequestWithdrawal(ctx, storeID, dec("300.00"), "key", entity.PixKeyRandom)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted, refused := 0, 0
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, storage.ErrInsufficientFunds):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || refused != 1 {
		t.Errorf("accepted=%d refused=%d, want exactly one of each", accepted, refused)
	}
}

func TestDBWithdrawalTransitions(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()
	storeID := uuid.NewString()

	if err := repo.FinalizeSale(ctx, dbSale(storeID, "1", "500.00", day0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := repo.ReleaseMatured(ctx, day0.Add(25*time.Hour)); err != nil {
		t.Fatalf("release: %v", err)
	}

	w, err := repo.RequestWithdrawal(ctx, storeID, dec("200.00"), "123.456.789-00", entity.PixKeyCPF)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := repo.CompleteWithdrawal(ctx, w.WithdrawalID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("complete pending: got %v, want ErrInvalidTransition", err)
	}

	if _, err := repo.ApproveWithdrawal(ctx, w.WithdrawalID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := repo.RejectWithdrawal(ctx, w.WithdrawalID, "late"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("reject processing: got %v, want ErrInvalidTransition", err)
	}

	w, err = repo.CompleteWithdrawal(ctx, w.WithdrawalID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if w.Status != entity.WithdrawalCompleted || w.ResolvedAt == nil {
		t.Errorf("completed withdrawal = %+v, want completed with resolved_at", w)
	}

	b, err := repo.Balance(ctx, storeID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.Equal(dec("284.20")) {
		t.Errorf("available after payout = %s, want 284.20", b.Available)
	}
	if !b.Reserved.IsZero() {
		t.Errorf("reserved after payout = %s, want 0", b.Reserved)
	}
}
