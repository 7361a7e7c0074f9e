// Package queue consumes raw tracker frames from RabbitMQ. Gateway
// deployments publish the same stream-dialect payloads there that the push
// stream carries, so the consumer is just another producer into the merge
// sink.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tracker-monitor/internal/common/config"
	"tracker-monitor/internal/common/log"
)

// Client is a RabbitMQ connector that redials on connection loss.
type Client struct {
	url    string
	logger *slog.Logger
	logCtx context.Context

	mu   sync.RWMutex
	conn *amqp.Connection

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect establishes the connection and starts a background watcher that
// reconnects on failures.
func Connect(ctx context.Context, cfg config.RabbitMQ, logger *slog.Logger) (*Client, error) {
	client := &Client{
		url:    fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, cfg.Host, cfg.Port),
		logger: logger,
		logCtx: context.WithoutCancel(ctx),
		closed: make(chan struct{}),
	}

	if err := client.connectOnce(); err != nil {
		return nil, err
	}
	go client.watch()

	return client, nil
}

// Close stops the watcher and closes the AMQP connection.
func (client *Client) Close() {
	client.closeOnce.Do(func() { close(client.closed) })

	client.mu.Lock()
	if client.conn != nil {
		_ = client.conn.Close()
		client.conn = nil
	}
	client.mu.Unlock()
}

// Channel opens a fresh channel on the current connection.
func (client *Client) Channel() (*amqp.Channel, error) {
	client.mu.RLock()
	conn := client.conn
	client.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq: connection is not ready")
	}
	return conn.Channel()
}

func (client *Client) connectOnce() error {
	conn, err := amqp.DialConfig(client.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		log.Error(client.logCtx, client.logger, "rabbitmq_dial_failed", "Failed to dial RabbitMQ", err)
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	client.mu.Lock()
	client.conn = conn
	client.mu.Unlock()
	return nil
}

// watch redials whenever the broker drops the connection, backing off between
// attempts, until Close is called.
func (client *Client) watch() {
	for {
		client.mu.RLock()
		conn := client.conn
		client.mu.RUnlock()
		if conn == nil {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-client.closed:
			return
		case amqpErr := <-notify:
			if amqpErr != nil {
				log.Warn(client.logCtx, client.logger, "rabbitmq_connection_lost", amqpErr.Error())
			}
		}

		backoff := time.Second
		for {
			select {
			case <-client.closed:
				return
			case <-time.After(backoff):
			}
			if err := client.connectOnce(); err == nil {
				log.Info(client.logCtx, client.logger, "rabbitmq_reconnected", "RabbitMQ connection re-established")
				break
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}
