package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/balance"
	"github.com/lojix/wallet/internal/app/client"
	"github.com/lojix/wallet/internal/app/entity"
	"github.com/lojix/wallet/internal/app/fee"
	"github.com/lojix/wallet/internal/app/logger"
	"github.com/lojix/wallet/internal/app/release"
)

var schema = `
CREATE TABLE IF NOT EXISTS wallets(
	store_id		TEXT PRIMARY KEY,
	created_at		TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries(
	entry_id		UUID PRIMARY KEY,
	store_id		TEXT NOT NULL REFERENCES wallets(store_id),
	order_id		TEXT NOT NULL DEFAULT '',
	related_id		TEXT NOT NULL DEFAULT '',
	kind			VARCHAR(20) NOT NULL,
	amount			NUMERIC(15,2) NOT NULL,
	status			VARCHAR(10) NOT NULL,
	applied_rule	VARCHAR(6) NOT NULL DEFAULT '',
	release_at		TIMESTAMP WITH TIME ZONE,
	created_at		TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_one_entry_per_order_kind
	ON ledger_entries(store_id, order_id, kind) WHERE order_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS ledger_one_release_per_hold
	ON ledger_entries(related_id) WHERE kind = 'reservation_release';
CREATE INDEX IF NOT EXISTS ledger_store_created
	ON ledger_entries(store_id, created_at);

CREATE TABLE IF NOT EXISTS withdrawals(
	withdrawal_id	UUID PRIMARY KEY,
	store_id		TEXT NOT NULL REFERENCES wallets(store_id),
	amount			NUMERIC(15,2) NOT NULL,
	pix_key			TEXT NOT NULL,
	pix_key_type	VARCHAR(10) NOT NULL,
	status			VARCHAR(10) NOT NULL,
	reject_reason	TEXT NOT NULL DEFAULT '',
	requested_at	TIMESTAMP WITH TIME ZONE NOT NULL,
	resolved_at		TIMESTAMP WITH TIME ZONE
);`

const queryInsertEntry = `
	INSERT INTO ledger_entries
		(entry_id, store_id, order_id, related_id, kind, amount, status, applied_rule, release_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const querySelectEntries = `
	SELECT entry_id, store_id, order_id, related_id, kind, amount, status, applied_rule, release_at, created_at
	FROM ledger_entries`

const querySelectWithdrawal = `
	SELECT withdrawal_id, store_id, amount, pix_key, pix_key_type, status, reject_reason, requested_at, resolved_at
	FROM withdrawals`

type RepoDB struct {
	db        *sqlx.DB
	directory client.Directory
}

func NewRepoDB(databaseURI string, directory client.Directory) (*RepoDB, error) {
	db, err := sqlx.Connect("pgx", databaseURI)
	if err != nil {
		return nil, err
	}

	db.MustExec(schema)

	return &RepoDB{
		db:        db,
		directory: directory,
	}, nil
}

// lockWallet creates the store's wallet row if needed and takes its row lock,
// serializing every balance-affecting write for the store.
func lockWallet(tx *sqlx.Tx, storeID string) error {
	if _, err := tx.Exec(`INSERT INTO wallets (store_id, created_at) VALUES ($1, $2) ON CONFLICT (store_id) DO NOTHING`,
		storeID, time.Now()); err != nil {
		return err
	}
	var id string
	return tx.Get(&id, `SELECT store_id FROM wallets WHERE store_id = ($1) FOR UPDATE`, storeID)
}

func insertEntry(tx *sqlx.Tx, e entity.LedgerEntry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	_, err := tx.Exec(queryInsertEntry,
		e.EntryID, e.StoreID, e.OrderID, e.RelatedID, e.Kind, e.Amount, e.Status, e.AppliedRule, e.ReleaseAt, e.CreatedAt)
	return err
}

func (r *RepoDB) RecordPendingSale(ctx context.Context, sale entity.SaleEvent) error {
	if err := validateSale(sale); err != nil {
		return err
	}
	if err := r.checkStore(ctx, sale.StoreID); err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if err := lockWallet(tx, sale.StoreID); err != nil {
		return err
	}

	err = insertEntry(tx, entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   sale.StoreID,
		OrderID:   sale.OrderID,
		Kind:      entity.KindSaleCredit,
		Amount:    sale.Gross,
		Status:    entity.StatusPending,
		CreatedAt: sale.Timestamp,
	})
	if err != nil {
		if isUniqueViolation(err) {
			// already recorded, at-least-once delivery
			return nil
		}
		return err
	}

	return tx.Commit()
}

func (r *RepoDB) FinalizeSale(ctx context.Context, sale entity.SaleEvent) error {
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

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if err := lockWallet(tx, sale.StoreID); err != nil {
		return err
	}

	var creditStatus string
	err = tx.Get(&creditStatus,
		`SELECT status FROM ledger_entries WHERE store_id = ($1) AND order_id = ($2) AND kind = ($3)`,
		sale.StoreID, sale.OrderID, entity.KindSaleCredit)
	switch {
	case err == nil && creditStatus == entity.StatusCompleted:
		// replayed finalization
		return nil
	case err == nil:
		// pending -> completed is the only legal credit transition
		_, err = tx.Exec(`UPDATE ledger_entries SET status = ($1) WHERE store_id = ($2) AND order_id = ($3) AND kind = ($4)`,
			entity.StatusCompleted, sale.StoreID, sale.OrderID, entity.KindSaleCredit)
		if err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		err = insertEntry(tx, entity.LedgerEntry{
			EntryID:   uuid.NewString(),
			StoreID:   sale.StoreID,
			OrderID:   sale.OrderID,
			Kind:      entity.KindSaleCredit,
			Amount:    sale.Gross,
			Status:    entity.StatusCompleted,
			CreatedAt: sale.Timestamp,
		})
		if err != nil {
			return err
		}
	default:
		return err
	}

	history, err := trailingHistory(tx, sale, 15*24*time.Hour)
	if err != nil {
		return err
	}
	hold := release.Evaluate(release.Sale{OrderID: sale.OrderID, Net: net, Timestamp: sale.Timestamp}, history)

	err = insertEntry(tx, entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   sale.StoreID,
		OrderID:   sale.OrderID,
		Kind:      entity.KindFeeDebit,
		Amount:    saleFee.Neg(),
		Status:    entity.StatusCompleted,
		CreatedAt: sale.Timestamp,
	})
	if err != nil {
		return err
	}

	releaseAt := hold.ReleaseAt
	err = insertEntry(tx, entity.LedgerEntry{
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
	if err != nil {
		return err
	}

	return tx.Commit()
}

// trailingHistory returns per-order net proceeds of the store's other cleared
// sales within the window ending at the sale's timestamp.
func trailingHistory(tx *sqlx.Tx, sale entity.SaleEvent, window time.Duration) ([]release.Sale, error) {
	rows := []struct {
		OrderID string          `db:"order_id"`
		Net     decimal.Decimal `db:"net"`
		Ts      time.Time       `db:"ts"`
	}{}
	err := tx.Select(&rows, `
		SELECT order_id, SUM(amount) AS net, MIN(created_at) AS ts
		FROM ledger_entries
		WHERE store_id = ($1) AND kind IN ($2, $3) AND status = ($4)
			AND order_id <> '' AND order_id <> ($5)
			AND created_at >= ($6) AND created_at <= ($7)
		GROUP BY order_id`,
		sale.StoreID, entity.KindSaleCredit, entity.KindFeeDebit, entity.StatusCompleted,
		sale.OrderID, sale.Timestamp.Add(-window), sale.Timestamp)
	if err != nil {
		return nil, err
	}

	history := make([]release.Sale, 0, len(rows))
	for _, row := range rows {
		history = append(history, release.Sale{OrderID: row.OrderID, Net: row.Net, Timestamp: row.Ts})
	}
	return history, nil
}

func (r *RepoDB) ReleaseMatured(ctx context.Context, now time.Time) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	var matured []entity.LedgerEntry
	err = tx.Select(&matured, querySelectEntries+`
		WHERE kind = ($1) AND status = ($2)
			AND release_at IS NOT NULL AND release_at <= ($3)
			AND NOT EXISTS (
				SELECT 1 FROM ledger_entries r
				WHERE r.kind = ($4) AND r.related_id = ledger_entries.entry_id
			)`,
		entity.KindReservationHold, entity.StatusCompleted, now, entity.KindReservationRelease)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, h := range matured {
		res, err := tx.Exec(queryInsertEntry+` ON CONFLICT (related_id) WHERE kind = 'reservation_release' DO NOTHING`,
			uuid.NewString(), h.StoreID, h.OrderID, h.EntryID,
			entity.KindReservationRelease, h.Amount.Neg(), entity.StatusCompleted, "", nil, now)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		released += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return released, nil
}

func (r *RepoDB) EntriesFor(ctx context.Context, storeID string, f EntryFilter) ([]entity.LedgerEntry, error) {
	query := querySelectEntries + ` WHERE store_id = ($1)`
	args := []interface{}{storeID}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += ` AND kind = ($` + strconv.Itoa(len(args)) + `)`
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += ` AND created_at >= ($` + strconv.Itoa(len(args)) + `)`
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += ` AND created_at <= ($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY created_at ASC, entry_id ASC`

	var entries []entity.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *RepoDB) Holds(ctx context.Context, storeID string) ([]HoldInfo, error) {
	rows := []struct {
		entity.LedgerEntry
		Released bool `db:"released"`
	}{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT h.entry_id, h.store_id, h.order_id, h.related_id, h.kind, h.amount, h.status,
			h.applied_rule, h.release_at, h.created_at,
			EXISTS (
				SELECT 1 FROM ledger_entries r
				WHERE r.kind = ($1) AND r.related_id = h.entry_id
			) AS released
		FROM ledger_entries h
		WHERE h.store_id = ($2) AND h.kind = ($3)
		ORDER BY h.created_at ASC, h.entry_id ASC`,
		entity.KindReservationRelease, storeID, entity.KindReservationHold)
	if err != nil {
		return nil, err
	}

	holds := make([]HoldInfo, 0, len(rows))
	for _, row := range rows {
		holds = append(holds, HoldInfo{Entry: row.LedgerEntry, Released: row.Released})
	}
	return holds, nil
}

func (r *RepoDB) Balance(ctx context.Context, storeID string) (entity.WalletBalance, error) {
	entries, err := r.EntriesFor(ctx, storeID, EntryFilter{})
	if err != nil {
		return entity.WalletBalance{}, err
	}
	return balance.Compute(entries)
}

func (r *RepoDB) RequestWithdrawal(ctx context.Context, storeID string, amount decimal.Decimal, pixKey, pixKeyType string) (entity.Withdrawal, error) {
	var w entity.Withdrawal
	if err := validateWithdrawalRequest(storeID, amount, pixKey, pixKeyType); err != nil {
		return w, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer rollback(tx)

	if err := lockWallet(tx, storeID); err != nil {
		return w, err
	}

	var entries []entity.LedgerEntry
	if err := tx.Select(&entries, querySelectEntries+` WHERE store_id = ($1) ORDER BY created_at ASC, entry_id ASC`, storeID); err != nil {
		return w, err
	}
	b, err := balance.Compute(entries)
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
	_, err = tx.Exec(`
		INSERT INTO withdrawals (withdrawal_id, store_id, amount, pix_key, pix_key_type, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.WithdrawalID, w.StoreID, w.Amount, w.PixKey, w.PixKeyType, w.Status, w.RequestedAt)
	if err != nil {
		return w, err
	}

	// earmark: funds leave available immediately so concurrent requests
	// cannot pass the check against the same balance
	err = insertEntry(tx, entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   storeID,
		RelatedID: w.WithdrawalID,
		Kind:      entity.KindReservationHold,
		Amount:    amount.Neg(),
		Status:    entity.StatusCompleted,
		CreatedAt: w.RequestedAt,
	})
	if err != nil {
		return w, err
	}

	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

func (r *RepoDB) ApproveWithdrawal(ctx context.Context, withdrawalID string) (entity.Withdrawal, error) {
	return r.transition(ctx, withdrawalID, entity.WithdrawalPending, entity.WithdrawalProcessing, "", nil)
}

func (r *RepoDB) CompleteWithdrawal(ctx context.Context, withdrawalID string) (entity.Withdrawal, error) {
	now := time.Now()
	return r.transition(ctx, withdrawalID, entity.WithdrawalProcessing, entity.WithdrawalCompleted, "",
		func(tx *sqlx.Tx, w entity.Withdrawal) error {
			if err := releaseEarmark(tx, w, now); err != nil {
				return err
			}
			return insertEntry(tx, entity.LedgerEntry{
				EntryID:   uuid.NewString(),
				StoreID:   w.StoreID,
				RelatedID: w.WithdrawalID,
				Kind:      entity.KindWithdrawalDebit,
				Amount:    w.Amount.Neg(),
				Status:    entity.StatusCompleted,
				CreatedAt: now,
			})
		})
}

func (r *RepoDB) RejectWithdrawal(ctx context.Context, withdrawalID string, reason string) (entity.Withdrawal, error) {
	if reason == "" {
		return entity.Withdrawal{}, &ValidationError{Field: "reject_reason", Reason: "missing"}
	}
	now := time.Now()
	return r.transition(ctx, withdrawalID, entity.WithdrawalPending, entity.WithdrawalRejected, reason,
		func(tx *sqlx.Tx, w entity.Withdrawal) error {
			return releaseEarmark(tx, w, now)
		})
}

// transition moves a withdrawal from one state to another under its row lock,
// running extra inside the same transaction. Terminal transitions stamp
// resolved_at.
func (r *RepoDB) transition(ctx context.Context, withdrawalID, from, to, reason string, extra func(*sqlx.Tx, entity.Withdrawal) error) (entity.Withdrawal, error) {
	var w entity.Withdrawal
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer rollback(tx)

	err = tx.Get(&w, querySelectWithdrawal+` WHERE withdrawal_id = ($1) FOR UPDATE`, withdrawalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, ErrNotFound
		}
		return w, err
	}
	if w.Status != from {
		return w, ErrInvalidTransition
	}

	if extra != nil {
		if err := extra(tx, w); err != nil {
			return w, err
		}
	}

	w.Status = to
	w.RejectReason = reason
	if to == entity.WithdrawalCompleted || to == entity.WithdrawalRejected {
		now := time.Now()
		w.ResolvedAt = &now
	}
	_, err = tx.Exec(`UPDATE withdrawals SET status = ($1), reject_reason = ($2), resolved_at = ($3) WHERE withdrawal_id = ($4)`,
		w.Status, w.RejectReason, w.ResolvedAt, w.WithdrawalID)
	if err != nil {
		return w, err
	}

	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// releaseEarmark offsets the hold created at request time.
func releaseEarmark(tx *sqlx.Tx, w entity.Withdrawal, now time.Time) error {
	var earmark entity.LedgerEntry
	err := tx.Get(&earmark, querySelectEntries+` WHERE kind = ($1) AND related_id = ($2)`,
		entity.KindReservationHold, w.WithdrawalID)
	if err != nil {
		return err
	}
	return insertEntry(tx, entity.LedgerEntry{
		EntryID:   uuid.NewString(),
		StoreID:   w.StoreID,
		RelatedID: earmark.EntryID,
		Kind:      entity.KindReservationRelease,
		Amount:    earmark.Amount.Neg(),
		Status:    entity.StatusCompleted,
		CreatedAt: now,
	})
}

func (r *RepoDB) WithdrawalsFor(ctx context.Context, storeID string) ([]entity.Withdrawal, error) {
	var withdrawals []entity.Withdrawal
	err := r.db.SelectContext(ctx, &withdrawals,
		querySelectWithdrawal+` WHERE store_id = ($1) ORDER BY requested_at ASC`, storeID)
	if err != nil {
		return nil, err
	}
	return withdrawals, nil
}

func (r *RepoDB) WithdrawalsByStatus(ctx context.Context, status string) ([]entity.Withdrawal, error) {
	var withdrawals []entity.Withdrawal
	err := r.db.SelectContext(ctx, &withdrawals,
		querySelectWithdrawal+` WHERE status = ($1) ORDER BY requested_at ASC`, status)
	if err != nil {
		return nil, err
	}
	return withdrawals, nil
}

func (r *RepoDB) checkStore(ctx context.Context, storeID string) error {
	store, err := r.directory.GetStore(ctx, storeID)
	if err != nil {
		return err
	}
	if !store.Active {
		return ErrStoreInactive
	}
	return nil
}

func (r *RepoDB) Close() {
	r.db.Close()
}

func rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Logger.Err(err).Msg("rollback failed")
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code)
}
