package queue

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/normalize"
)

// Ingestor consumes tracker frames from a queue and merges the normalized
// positions. A bad frame is acked and dropped; it never stops the consumer.
type Ingestor struct {
	client   *Client
	sink     domain.MergeSink
	logger   *slog.Logger
	queue    string
	prefetch int
}

func NewIngestor(client *Client, sink domain.MergeSink, logger *slog.Logger, queue string, prefetch int) *Ingestor {
	if prefetch <= 0 {
		prefetch = 8
	}
	return &Ingestor{client: client, sink: sink, logger: logger, queue: queue, prefetch: prefetch}
}

// Start consumes until ctx is canceled. When the channel dies it waits for
// the connection watcher to redial and resumes.
func (ing *Ingestor) Start(ctx context.Context) {
	for {
		if err := ing.consume(ctx); err != nil {
			log.Warn(ctx, ing.logger, "queue_consume_interrupted", err.Error())
		}
		select {
		case <-ctx.Done():
			log.Info(ctx, ing.logger, "queue_consumer_stopped", "Queue ingest stopped")
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (ing *Ingestor) consume(ctx context.Context) error {
	ch, err := ing.client.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(ing.prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		ing.queue,
		"tracker-ingest",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return err
	}

	log.Info(ctx, ing.logger, "queue_consumer_started", "Consuming tracker frames from "+ing.queue)
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel("tracker-ingest", false)
			return nil
		case amqpErr := <-chClosed:
			if amqpErr != nil {
				return amqpErr
			}
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			ing.handle(ctx, msg)
		}
	}
}

func (ing *Ingestor) handle(ctx context.Context, msg amqp.Delivery) {
	// frames are acked regardless: a frame that cannot be normalized now
	// will not normalize on redelivery either
	defer func() { _ = msg.Ack(false) }()

	pos, err := normalize.Normalize(msg.Body)
	if err != nil {
		log.Warn(ctx, ing.logger, "queue_frame_dropped", err.Error())
		return
	}
	if pos.DeviceID == "" {
		log.Warn(ctx, ing.logger, "queue_frame_dropped", "frame has no device id")
		return
	}

	ing.sink.MergePosition(pos.DeviceID, pos)
}
