package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/formsync/internal/config"
	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/logfields"
)

// NATSBus publishes and consumes submission events through a JetStream
// stream. The stream is created on first use if missing.
type NATSBus struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string
	logger  *slog.Logger
}

// NewNATSBus connects to NATS and ensures the submission stream exists.
func NewNATSBus(cfg config.EventsConfig, logger *slog.Logger) (*NATSBus, error) {
	if !cfg.Enabled {
		return nil, fserrors.New(fserrors.CategoryEvents, fserrors.SeverityError, "events are disabled")
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fserrors.WrapError(err, fserrors.CategoryEvents, "connecting to nats")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fserrors.WrapError(err, fserrors.CategoryEvents, "creating jetstream context")
	}

	bus := &NATSBus{
		conn:    conn,
		js:      js,
		stream:  cfg.Stream,
		subject: cfg.Subject,
		logger:  logger,
	}
	if err := bus.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("event bus connected",
		slog.String("url", cfg.URL),
		slog.String("stream", cfg.Stream),
		logfields.Subject(cfg.Subject))
	return bus, nil
}

func (b *NATSBus) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := b.js.Stream(ctx, b.stream)
	if err == nil {
		return nil
	}

	_, err = b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      b.stream,
		Subjects:  []string{b.subject},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fserrors.WrapError(err, fserrors.CategoryEvents, "creating submission stream")
	}
	b.logger.Info("created submission event stream", slog.String("stream", b.stream))
	return nil
}

// Publish emits a submission event. The timestamp is stamped here.
func (b *NATSBus) Publish(ctx context.Context, event SubmissionEvent) error {
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fserrors.WrapError(err, fserrors.CategoryEvents, "marshaling submission event")
	}

	if _, err := b.js.Publish(ctx, b.subject, data); err != nil {
		return fserrors.WrapError(err, fserrors.CategoryEvents, "publishing submission event")
	}

	b.logger.Debug("published submission event",
		slog.String("kind", event.Kind),
		logfields.FormID(event.FormID),
		logfields.SubmissionID(event.SubmissionID))
	return nil
}

// Subscribe creates a durable consumer and delivers each event to handler.
// Messages are acked after the handler returns. Returns a stop function.
func (b *NATSBus) Subscribe(ctx context.Context, durable string, handler func(SubmissionEvent)) (func(), error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: b.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fserrors.WrapError(err, fserrors.CategoryEvents, "creating event consumer")
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event SubmissionEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			b.logger.Warn("dropping malformed submission event", logfields.Error(err))
			msg.Ack()
			return
		}
		handler(event)
		msg.Ack()
	})
	if err != nil {
		return nil, fserrors.WrapError(err, fserrors.CategoryEvents, "starting event consumer")
	}
	return cc.Stop, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
