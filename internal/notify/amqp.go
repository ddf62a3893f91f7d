package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RoutingKey is notify.<audience>.<template>.
func RoutingKey(msg Message) string {
	return fmt.Sprintf("notify.%s.%s", msg.Audience, msg.Template)
}

// amqpSession is one connection plus the channel published on.
type amqpSession interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type channelSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *channelSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *channelSession) IsClosed() bool {
	return s.conn.IsClosed() || s.ch.IsClosed()
}

func (s *channelSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}

func dialExchange(url, exchange string) (amqpSession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &channelSession{conn: conn, ch: ch}, nil
}

// AMQPSender hands messages to a durable topic exchange. Delivery to the
// final channel happens in cmd/notifier. A dropped broker connection is
// redialled on the next Send.
type AMQPSender struct {
	mu       sync.Mutex
	session  amqpSession
	dial     func() (amqpSession, error)
	exchange string
}

func NewAMQPSender(url, exchange string) (*AMQPSender, error) {
	return newAMQPSender(exchange, func() (amqpSession, error) {
		return dialExchange(url, exchange)
	})
}

func newAMQPSender(exchange string, dial func() (amqpSession, error)) (*AMQPSender, error) {
	session, err := dial()
	if err != nil {
		return nil, err
	}
	return &AMQPSender{session: session, dial: dial, exchange: exchange}, nil
}

func (s *AMQPSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishing.
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.openLocked()
	if err != nil {
		return err
	}
	err = session.PublishWithContext(ctx, s.exchange, RoutingKey(msg), false, false, publishing)
	if err == nil || !session.IsClosed() {
		return err
	}

	// The broker went away between the health check and the publish.
	s.dropLocked()
	if session, err = s.openLocked(); err != nil {
		return err
	}
	return session.PublishWithContext(ctx, s.exchange, RoutingKey(msg), false, false, publishing)
}

func (s *AMQPSender) openLocked() (amqpSession, error) {
	if s.session != nil && !s.session.IsClosed() {
		return s.session, nil
	}
	s.dropLocked()
	session, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("reconnect rabbitmq: %w", err)
	}
	s.session = session
	return session, nil
}

func (s *AMQPSender) dropLocked() {
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// ErrDeliveriesClosed means the broker closed the consumer while the
// worker was still running.
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

type WorkerConfig struct {
	RabbitURL string
	Exchange  string
	Queue     string
	Bindings  []string
	Prefetch  int
	DLXName   string
	DLXQueue  string
	Consumer  string
}

// Worker consumes queued messages and forwards them to a Sender. Messages
// that fail delivery are dead-lettered rather than requeued forever.
type Worker struct {
	cfg    WorkerConfig
	sender Sender
	logger *logrus.Logger

	conn *amqp.Connection
	ch   *amqp.Channel

	connect    func() error
	consume    func(ctx context.Context) error
	maxBackoff time.Duration
	backoff    time.Duration
}

func NewWorker(cfg WorkerConfig, sender Sender, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if len(cfg.Bindings) == 0 {
		cfg.Bindings = []string{"notify.#"}
	}
	w := &Worker{cfg: cfg, sender: sender, logger: logger, backoff: time.Second, maxBackoff: 30 * time.Second}
	w.connect = w.Connect
	w.consume = w.Run
	return w
}

// Serve connects and consumes until ctx is done, reconnecting with
// exponential backoff whenever the broker drops or refuses the connection.
func (w *Worker) Serve(ctx context.Context) error {
	backoff := w.backoff
	for {
		err := w.connect()
		if err == nil {
			backoff = w.backoff
			err = w.consume(ctx)
			w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = ErrDeliveriesClosed
		}

		w.logger.WithFields(logrus.Fields{
			"queue":   w.cfg.Queue,
			"backoff": backoff.String(),
		}).WithError(err).Warn("notification worker lost broker, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

func (w *Worker) Connect() error {
	conn, err := amqp.Dial(w.cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(w.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}

	args := amqp.Table{}
	if w.cfg.DLXName != "" {
		args["x-dead-letter-exchange"] = w.cfg.DLXName
		if err := ch.ExchangeDeclare(w.cfg.DLXName, "topic", true, false, false, false, nil); err != nil {
			return fail("declare dlx", err)
		}
		if _, err := ch.QueueDeclare(w.cfg.DLXQueue, true, false, false, false, nil); err != nil {
			return fail("declare dlq", err)
		}
		if err := ch.QueueBind(w.cfg.DLXQueue, "#", w.cfg.DLXName, false, nil); err != nil {
			return fail("bind dlq", err)
		}
	}

	q, err := ch.QueueDeclare(w.cfg.Queue, true, false, false, false, args)
	if err != nil {
		return fail("declare queue", err)
	}
	for _, key := range w.cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, w.cfg.Exchange, false, nil); err != nil {
			return fail("bind "+key, err)
		}
	}
	if err := ch.Qos(w.cfg.Prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}

	w.conn = conn
	w.ch = ch
	return nil
}

func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.ch.ConsumeWithContext(ctx, w.cfg.Queue, w.cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			if err := w.handle(ctx, d.Body); err != nil {
				w.logger.WithFields(logrus.Fields{
					"routing_key": d.RoutingKey,
				}).WithError(err).Error("notification delivery failed, dead-lettering")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (w *Worker) handle(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return w.sender.Send(ctx, msg)
}

func (w *Worker) Close() {
	if w.ch != nil {
		_ = w.ch.Close()
		w.ch = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}
