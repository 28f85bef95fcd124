package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/balance"
	"github.com/lojix/wallet/internal/app/client"
	"github.com/lojix/wallet/internal/app/entity"
	"github.com/lojix/wallet/internal/app/fee"
	"github.com/lojix/wallet/internal/app/logger"
	"github.com/lojix/wallet/internal/app/storage"
)

type withdrawalRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	PixKey     string          `json:"pix_key"`
	PixKeyType string          `json:"pix_key_type"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// releaseView is one row of the seller's releases tab.
type releaseView struct {
	OrderID   string          `json:"order_id,omitempty"`
	Value     decimal.Decimal `json:"value"`
	Rule      string          `json:"rule,omitempty"`
	SaleDate  time.Time       `json:"sale_date"`
	ReleaseAt *time.Time      `json:"release_date,omitempty"`
	Status    string          `json:"status"`
}

func storeIDFrom(req *http.Request) string {
	storeID, _ := req.Context().Value(storeIDKey).(string)
	return storeID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Err(err).Msg("encode response")
	}
}

// writeErr maps domain errors onto HTTP statuses. Every failure here has a
// monetary consequence, so nothing is swallowed.
func writeErr(w http.ResponseWriter, err error) {
	var vErr *storage.ValidationError
	switch {
	case errors.As(err, &vErr),
		errors.Is(err, fee.ErrInvalidAmount),
		errors.Is(err, fee.ErrUnknownPlan):
		http.Error(w, err.Error(), http.StatusBadRequest)
		logger.Logger.Warn().Err(err).Msg("rejected request")
	case errors.Is(err, storage.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
		logger.Logger.Warn().Err(err).Msg("insufficient funds")
	case errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrStoreInactive):
		http.Error(w, err.Error(), http.StatusConflict)
		logger.Logger.Warn().Err(err).Msg("conflicting request")
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, client.ErrStoreNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, balance.ErrInvariantViolation):
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		logger.Logger.Error().Err(err).Msg("ledger invariant violation")
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		logger.Logger.Error().Err(err).Msg("")
	}
}

func (bh *BaseHandler) salePending() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var sale entity.SaleEvent
		if err := json.NewDecoder(req.Body).Decode(&sale); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := bh.repo.RecordPendingSale(req.Context(), sale); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (bh *BaseHandler) saleFinalized() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var sale entity.SaleEvent
		if err := json.NewDecoder(req.Body).Decode(&sale); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := bh.repo.FinalizeSale(req.Context(), sale); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (bh *BaseHandler) getBalance() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		b, err := bh.repo.Balance(req.Context(), storeIDFrom(req))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func (bh *BaseHandler) getLedger() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		f := storage.EntryFilter{Kind: req.URL.Query().Get("kind")}
		if from := req.URL.Query().Get("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
				return
			}
			f.From = t
		}
		if to := req.URL.Query().Get("to"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
				return
			}
			f.To = t
		}

		entries, err := bh.repo.EntriesFor(req.Context(), storeIDFrom(req), f)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (bh *BaseHandler) getReleases() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		holds, err := bh.repo.Holds(req.Context(), storeIDFrom(req))
		if err != nil {
			writeErr(w, err)
			return
		}

		views := make([]releaseView, 0, len(holds))
		for _, h := range holds {
			status := "reserved"
			if h.Released {
				status = "released"
			}
			views = append(views, releaseView{
				OrderID:   h.Entry.OrderID,
				Value:     h.Entry.Amount.Neg(),
				Rule:      h.Entry.AppliedRule,
				SaleDate:  h.Entry.CreatedAt,
				ReleaseAt: h.Entry.ReleaseAt,
				Status:    status,
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func (bh *BaseHandler) requestWithdrawal() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body withdrawalRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		withdrawal, err := bh.repo.RequestWithdrawal(req.Context(), storeIDFrom(req), body.Amount, body.PixKey, body.PixKeyType)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, withdrawal)
	}
}

func (bh *BaseHandler) getWithdrawals() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		withdrawals, err := bh.repo.WithdrawalsFor(req.Context(), storeIDFrom(req))
		if err != nil {
			writeErr(w, err)
			return
		}
		if len(withdrawals) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, withdrawals)
	}
}

func (bh *BaseHandler) adminWithdrawals() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		status := req.URL.Query().Get("status")
		if status == "" {
			status = entity.WithdrawalPending
		}
		withdrawals, err := bh.repo.WithdrawalsByStatus(req.Context(), status)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, withdrawals)
	}
}

func (bh *BaseHandler) approveWithdrawal() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		withdrawal, err := bh.repo.ApproveWithdrawal(req.Context(), chi.URLParam(req, "withdrawalID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, withdrawal)
	}
}

func (bh *BaseHandler) completeWithdrawal() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		withdrawal, err := bh.repo.CompleteWithdrawal(req.Context(), chi.URLParam(req, "withdrawalID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, withdrawal)
	}
}

func (bh *BaseHandler) rejectWithdrawal() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body rejectRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		withdrawal, err := bh.repo.RejectWithdrawal(req.Context(), chi.URLParam(req, "withdrawalID"), body.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, withdrawal)
	}
}
