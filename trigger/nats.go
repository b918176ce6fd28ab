package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Subject is the NATS subject trigger events are published on.
const Subject = "workflow.trigger"

// DefaultQueueGroup load-balances events across consumers.
const DefaultQueueGroup = "nodeflow-workers"

// Connect dials NATS with unlimited reconnects.
func Connect(url, name string) (*natsgo.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := natsgo.Connect(url,
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.Name(name),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Publisher is the publishing half of a NATS connection.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSDispatcher publishes trigger events for a NATSConsumer to run.
type NATSDispatcher struct {
	conn    Publisher
	subject string
}

// NewNATSDispatcher returns a dispatcher publishing on Subject.
func NewNATSDispatcher(conn Publisher) *NATSDispatcher {
	return &NATSDispatcher{conn: conn, subject: Subject}
}

// Dispatch implements Dispatcher.
func (d *NATSDispatcher) Dispatch(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode trigger event: %w", err)
	}
	if err := d.conn.Publish(d.subject, b); err != nil {
		return fmt.Errorf("nats publish %s: %w", d.subject, err)
	}
	return nil
}

// QueueSubscriber is the subscribing half of a NATS connection.
type QueueSubscriber interface {
	QueueSubscribe(subj, queue string, cb natsgo.MsgHandler) (*natsgo.Subscription, error)
}

// NATSConsumerConfig configures a NATSConsumer.
type NATSConsumerConfig struct {
	Conn       QueueSubscriber
	Dispatcher Dispatcher
	QueueGroup string
	Logger     *slog.Logger
}

// NATSConsumer receives trigger events from NATS and hands them to a local
// dispatcher, usually a Pool.
type NATSConsumer struct {
	conn   QueueSubscriber
	next   Dispatcher
	queue  string
	logger *slog.Logger
	sub    *natsgo.Subscription
}

// NewNATSConsumer validates cfg and returns an unsubscribed consumer.
func NewNATSConsumer(cfg NATSConsumerConfig) (*NATSConsumer, error) {
	if cfg.Conn == nil {
		return nil, errors.New("nats consumer connection is nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("nats consumer dispatcher is nil")
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &NATSConsumer{
		conn:   cfg.Conn,
		next:   cfg.Dispatcher,
		queue:  cfg.QueueGroup,
		logger: cfg.Logger,
	}, nil
}

// Start subscribes to Subject.
func (c *NATSConsumer) Start() error {
	sub, err := c.conn.QueueSubscribe(Subject, c.queue, c.handle)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", Subject, err)
	}
	c.sub = sub
	return nil
}

// Stop drains the subscription.
func (c *NATSConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Drain()
	c.sub = nil
	return err
}

func (c *NATSConsumer) handle(msg *natsgo.Msg) {
	e, err := DecodeEvent(msg.Data)
	if err != nil {
		c.logger.Warn("dropping malformed trigger event", "subject", msg.Subject, "error", err)
		return
	}
	if err := c.next.Dispatch(context.Background(), e); err != nil {
		c.logger.Error("trigger event rejected",
			"workflow_id", e.Data.WorkflowID,
			"run_id", e.Data.RunID,
			"error", err,
		)
		return
	}
	c.logger.Info("workflow triggered via nats", "workflow_id", e.Data.WorkflowID, "run_id", e.Data.RunID)
}

var _ Dispatcher = (*NATSDispatcher)(nil)
