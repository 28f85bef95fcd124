package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lojix/wallet/internal/app/client"
	"github.com/lojix/wallet/internal/app/config"
	"github.com/lojix/wallet/internal/app/consumer"
	"github.com/lojix/wallet/internal/app/handlers"
	"github.com/lojix/wallet/internal/app/logger"
	"github.com/lojix/wallet/internal/app/scheduler"
	"github.com/lojix/wallet/internal/app/storage"
)

func Serve(cfg *config.Config) error {
	directory := client.NewCli(cfg.DirectoryAddress, cfg.ClientTimeout)

	repo, err := storage.NewRepoDB(cfg.DatabaseURI, directory)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx, repo, time.Duration(cfg.ReleaseInterval)*time.Second)

	if cfg.RabbitURI != "" {
		saleConsumer, err := consumer.New(consumer.Config{
			URI:      cfg.RabbitURI,
			Queue:    cfg.SalesQueue,
			Workers:  cfg.ConsumerWorkers,
			Prefetch: cfg.ConsumerPrefetch,
		}, repo)
		if err != nil {
			return err
		}
		defer saleConsumer.Close()

		go func() {
			if err := saleConsumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Logger.Err(err).Msg("consumer stopped unexpectedly")
			}
		}()
	}

	baseHandler := handlers.NewBaseHandler(repo, cfg.SecretKey, cfg.AdminToken, cfg.WebhookToken)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: baseHandler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Logger.Info().Str("address", cfg.RunAddress).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
