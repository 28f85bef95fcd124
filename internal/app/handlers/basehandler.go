package handlers

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lojix/wallet/internal/app/storage"
)

type BaseHandler struct {
	*chi.Mux
	secretKey    string
	adminToken   string
	webhookToken string
	repo         storage.Repository
}

func NewBaseHandler(repo storage.Repository, secretKey, adminToken, webhookToken string) *BaseHandler {
	bh := &BaseHandler{
		Mux:          chi.NewMux(),
		secretKey:    secretKey,
		adminToken:   adminToken,
		webhookToken: webhookToken,
		repo:         repo,
	}

	bh.Use(middleware.RequestID)
	bh.Use(middleware.RealIP)
	bh.Use(middleware.Logger)
	bh.Use(middleware.Recoverer)

	bh.Use(middleware.Compress(5))
	bh.Use(gzipHandle)

	bh.Route("/api", func(r chi.Router) {
		r.Route("/sales", func(r chi.Router) {
			r.Use(tokenHandle(bh.webhookToken))
			r.Post("/pending", bh.salePending())
			r.Post("/finalized", bh.saleFinalized())
		})

		r.Route("/store", func(r chi.Router) {
			r.Use(authHandle(bh.secretKey))
			r.Get("/balance", bh.getBalance())
			r.Get("/ledger", bh.getLedger())
			r.Get("/releases", bh.getReleases())

			r.Route("/withdrawals", func(r chi.Router) {
				r.Post("/", bh.requestWithdrawal())
				r.Get("/", bh.getWithdrawals())
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(tokenHandle(bh.adminToken))
			r.Get("/withdrawals", bh.adminWithdrawals())

			r.Route("/withdrawals/{withdrawalID}", func(r chi.Router) {
				r.Post("/approve", bh.approveWithdrawal())
				r.Post("/complete", bh.completeWithdrawal())
				r.Post("/reject", bh.rejectWithdrawal())
			})
		})
	})

	return bh
}
