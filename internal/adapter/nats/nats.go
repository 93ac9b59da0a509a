// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/messagequeue"
)

const (
	headerRequestID = "X-Request-ID"
	dlqSuffix       = ".dlq"
)

// Options tunes the stream and its consumers.
type Options struct {
	Stream          string
	AckWait         time.Duration
	MaxDeliver      int
	RedeliveryDelay time.Duration
	MaxAge          time.Duration
}

func (o *Options) withDefaults() {
	if o.Stream == "" {
		o.Stream = "DOCFLOW"
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 3
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = 2 * time.Second
	}
}

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, opts Options) (*Queue, error) {
	opts.withDefaults()

	nc, err := nats.Connect(url,
		nats.Name("docflow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: messagequeue.StreamSubjects,
		MaxAge:   opts.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", opts.Stream)
	return &Queue{nc: nc, js: js, opts: opts}, nil
}

// JetStream exposes the JetStream context for KV-backed adapters.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

// KeyValue returns the named KV bucket, creating it when missing.
// A zero ttl keeps entries until deleted.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Publish sends a message to the given subject. The request ID carried by
// ctx travels in a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a durable consumer for the subject. Handler errors
// are mapped onto JetStream acknowledgements:
//   - domain.ErrNotReady: nak with the configured delay, not counted as a failure
//   - domain.ErrValidation: moved to the dead-letter subject and terminated
//   - anything else: nak; after MaxDeliver attempts the message is dead-lettered
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.opts.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.dispatch(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) dispatch(msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()
	ctx := context.Background()
	if h := msg.Headers(); h != nil {
		if id := h.Get(headerRequestID); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
	}
	log := logger.From(ctx).With("subject", subject)

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		log.Error("rejecting malformed message", "error", err)
		q.deadLetter(ctx, msg, err)
		return
	}

	err := handler(ctx, subject, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("nats ack failed", "error", ackErr)
		}
	case errors.Is(err, domain.ErrNotReady):
		log.Debug("message not ready, redelivering", "delay", q.opts.RedeliveryDelay)
		if nakErr := msg.NakWithDelay(q.opts.RedeliveryDelay); nakErr != nil {
			log.Error("nats nak failed", "error", nakErr)
		}
	case errors.Is(err, domain.ErrValidation):
		log.Error("message handler rejected payload", "error", err)
		q.deadLetter(ctx, msg, err)
	default:
		delivered := uint64(1)
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		if delivered >= uint64(q.opts.MaxDeliver) {
			log.Error("message handler failed, retries exhausted", "deliveries", delivered, "error", err)
			q.deadLetter(ctx, msg, err)
			return
		}
		log.Warn("message handler failed", "deliveries", delivered, "error", err)
		if nakErr := msg.NakWithDelay(q.opts.RedeliveryDelay); nakErr != nil {
			log.Error("nats nak failed", "error", nakErr)
		}
	}
}

// deadLetter republishes the message on <subject>.dlq and terminates it.
func (q *Queue) deadLetter(ctx context.Context, msg jetstream.Msg, cause error) {
	dlq := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: nats.Header{}}
	for k, vals := range msg.Headers() {
		for _, v := range vals {
			dlq.Header.Add(k, v)
		}
	}
	dlq.Header.Set("X-DLQ-Reason", cause.Error())
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("nats dead-letter publish failed", "subject", dlq.Subject, "error", err)
	}
	if err := msg.Term(); err != nil {
		slog.Error("nats term failed", "error", err)
	}
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

var durableReplacer = strings.NewReplacer(".", "-", "*", "any", ">", "all")

func durableName(subject string) string {
	return "docflow-" + durableReplacer.Replace(subject)
}
