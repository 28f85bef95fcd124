// Package consumer ingests SaleFinalized events published by the payment
// processor and feeds them into the ledger.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lojix/wallet/internal/app/entity"
	"github.com/lojix/wallet/internal/app/logger"
	"github.com/lojix/wallet/internal/app/storage"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	processTimeout       = 30 * time.Second
)

type Config struct {
	URI      string
	Queue    string
	Workers  int
	Prefetch int
}

type Consumer struct {
	cfg  Config
	repo storage.Repository

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, repo storage.Repository) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		cfg:    cfg,
		repo:   repo,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URI)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	logger.Logger.Info().Str("queue", c.cfg.Queue).Msg("connected to RabbitMQ")

	go c.monitorConnection()

	return nil
}

func (c *Consumer) monitorConnection() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error))

	select {
	case err := <-notifyClose:
		if err != nil {
			logger.Logger.Err(err).Msg("RabbitMQ connection closed unexpectedly")
			c.reconnect()
		}
	case <-c.ctx.Done():
		return
	}
}

func (c *Consumer) reconnect() {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		logger.Logger.Info().Int("attempt", attempt).Msg("attempting to reconnect to RabbitMQ")

		if err := c.connect(); err == nil {
			logger.Logger.Info().Msg("reconnected to RabbitMQ")
			go func() {
				if err := c.Start(c.ctx); err != nil && c.ctx.Err() == nil {
					logger.Logger.Err(err).Msg("failed to restart consumer after reconnect")
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		logger.Logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	logger.Logger.Error().Msg("max reconnection attempts reached, giving up")
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	logger.Logger.Info().Int("workers", c.cfg.Workers).Msg("starting consumer workers")

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, msgs, i)
	}

	<-ctx.Done()
	logger.Logger.Info().Msg("stopping consumer workers")
	c.wg.Wait()

	return nil
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				logger.Logger.Warn().Int("worker_id", workerID).Msg("message channel closed")
				return
			}
			c.processMessage(ctx, msg, workerID)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery, workerID int) {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	var sale entity.SaleEvent
	if err := json.Unmarshal(msg.Body, &sale); err != nil {
		logger.Logger.Err(err).Int("worker_id", workerID).Str("body", string(msg.Body)).Msg("failed to unmarshal sale event")
		// malformed events never become processable, drop them
		_ = msg.Nack(false, false)
		return
	}

	err := c.repo.FinalizeSale(ctx, sale)
	if err != nil {
		var vErr *storage.ValidationError
		if errors.As(err, &vErr) {
			logger.Logger.Err(err).Int("worker_id", workerID).Str("order_id", sale.OrderID).Msg("invalid sale event")
			_ = msg.Nack(false, false)
			return
		}
		logger.Logger.Err(err).Int("worker_id", workerID).Str("order_id", sale.OrderID).Msg("failed to finalize sale, requeueing")
		_ = msg.Nack(false, true)
		return
	}

	logger.Logger.Info().
		Int("worker_id", workerID).
		Str("store_id", sale.StoreID).
		Str("order_id", sale.OrderID).
		Msg("sale finalized")
	_ = msg.Ack(false)
}

func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	logger.Logger.Info().Msg("consumer closed")
}
