package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"

	"github.com/caarlos0/env/v6"

	"github.com/lojix/wallet/internal/app/config"
	"github.com/lojix/wallet/internal/app/server"
)

func main() {
	randBytes := make([]byte, 16)
	_, err := rand.Read(randBytes)
	if err != nil {
		log.Fatal(err)
		return
	}
	secretKey := hex.EncodeToString(randBytes)

	cfg := config.Config{
		RunAddress:       "localhost:8081",
		DatabaseURI:      "postgres://localhost:5432/wallet",
		DirectoryAddress: "http://localhost:8080",
		SalesQueue:       "sales_finalized",
		SecretKey:        secretKey,
		ReleaseInterval:  300,
		ClientTimeout:    5,
		ConsumerWorkers:  4,
		ConsumerPrefetch: 16,
	}

	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
		return
	}

	flag.StringVar(&cfg.RunAddress, "a", cfg.RunAddress, "run address")
	flag.StringVar(&cfg.DatabaseURI, "d", cfg.DatabaseURI, "database URI")
	flag.StringVar(&cfg.DirectoryAddress, "r", cfg.DirectoryAddress, "store directory address")
	flag.StringVar(&cfg.RabbitURI, "q", cfg.RabbitURI, "RabbitMQ URI (empty disables the consumer)")
	flag.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "session secret key")
	flag.StringVar(&cfg.AdminToken, "t", cfg.AdminToken, "admin bearer token")
	flag.StringVar(&cfg.WebhookToken, "w", cfg.WebhookToken, "payment webhook bearer token")
	flag.IntVar(&cfg.ReleaseInterval, "i", cfg.ReleaseInterval, "seconds between release scans")
	flag.Parse()

	log.Fatal(server.Serve(&cfg))
}
