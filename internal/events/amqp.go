package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/pkg/logger"
)

// AMQPConfig configures the RabbitMQ transport
type AMQPConfig struct {
	URL             string
	Exchange        string
	Queue           string
	Prefetch        int
	ConnectAttempts int
	HandlerTimeout  time.Duration
}

// AMQP publishes ride events to a topic exchange and consumes them back into a Handler
type AMQP struct {
	cfg    AMQPConfig
	logger *logger.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

// DialAMQP connects with growing backoff and declares the exchange
func DialAMQP(ctx context.Context, cfg AMQPConfig, log *logger.Logger) (*AMQP, error) {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	a := &AMQP{cfg: cfg, logger: log.Named("amqp")}

	delay := time.Second
	for attempt := 1; ; attempt++ {
		err := a.connect()
		if err == nil {
			break
		}
		a.logger.Warn("RabbitMQ connection attempt failed",
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", cfg.ConnectAttempts),
			logger.Err(err),
		)
		if attempt == cfg.ConnectAttempts {
			return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = delay * 3 / 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}

	a.logger.Info("Connected to RabbitMQ", logger.String("exchange", cfg.Exchange))
	return a, nil
}

func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if a.cfg.Prefetch > 0 {
		if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.ch = ch
	a.mu.Unlock()
	return nil
}

func (a *AMQP) channel() (*amqp.Channel, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ch == nil || a.ch.IsClosed() {
		return nil, fmt.Errorf("rabbitmq channel not available")
	}
	return a.ch, nil
}

// PublishRideCreated publishes a persistent ride.created message
func (a *AMQP) PublishRideCreated(ctx context.Context, r *ride.Ride) error {
	body, err := json.Marshal(newRideCreated(r))
	if err != nil {
		return fmt.Errorf("marshal ride.created: %w", err)
	}
	ch, err := a.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(ctx, a.cfg.Exchange, RoutingKeyRideCreated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.ID,
		Timestamp:    r.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish ride.created: %w", err)
	}
	a.logger.Debug("Published ride created", logger.RideID(r.ID))
	return nil
}

// Consume binds the queue to ride.created and runs handler for every delivery
// until ctx is done. Each delivery is handled on its own goroutine and acked
// once the handler returns.
func (a *AMQP) Consume(ctx context.Context, handler Handler) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyRideCreated, a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	a.logger.Info("Consuming ride events", logger.String("queue", q.Name))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					a.logger.Warn("Delivery channel closed", logger.String("queue", q.Name))
					return
				}
				a.wg.Add(1)
				go func() {
					defer a.wg.Done()
					a.dispatch(ctx, d, handler)
				}()
			}
		}
	}()
	return nil
}

func (a *AMQP) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg, err := decodeRideCreated(d.Body)
	if err != nil {
		a.logger.Error("Dropping malformed ride event", logger.String("message_id", d.MessageId), logger.Err(err))
		_ = d.Nack(false, false)
		return
	}

	hctx := context.WithoutCancel(ctx)
	if a.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, a.cfg.HandlerTimeout)
		defer cancel()
	}
	handler.HandleRideCreated(hctx, msg.RideID)

	if err := d.Ack(false); err != nil {
		a.logger.Warn("Ack failed", logger.RideID(msg.RideID), logger.Err(err))
	}
}

// Close waits for in-flight handlers and closes the connection
func (a *AMQP) Close() error {
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}
