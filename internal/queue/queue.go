// Package queue moves relayer events between processes: settlement and
// attestation notifications out, CCTP burn registrations in. Kafka is the
// production driver. The stdio driver reads and writes one JSON record per
// line for local runs and tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var ErrInvalidConfig = errors.New("queue: invalid config")

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	consumerBuffer = 64
	errorBuffer    = 8
)

// Message is one record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker timestamp for Kafka and the read time for stdio.
	Timestamp time.Time

	commit func(context.Context) error
}

// Ack marks the record processed. Kafka commits the group offset; stdio has
// nothing to commit.
func (m Message) Ack(ctx context.Context) error {
	if m.commit == nil {
		return nil
	}
	return m.commit(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers []string
	Group   string
	Topics  []string

	// Zero selects the driver default.
	KafkaMinBytes int
	KafkaMaxBytes int

	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer
}

// NewConsumer starts a consumer. It stops when ctx is cancelled or Close is
// called, after which both channels are closed.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		c, err := newKafkaConsumer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverStdio:
		return newLineConsumer(ctx, cfg), nil
	}
	return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		return newLineProducer(cfg.Writer), nil
	}
	return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
}

func driverName(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList splits a flag value such as "b1:9092, b2:9092" and drops
// empty entries.
func SplitCommaList(s string) []string {
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// feed is the channel plumbing shared by both consumers: one goroutine
// produces into msgs and errs and closes them when it returns.
type feed struct {
	msgs chan Message
	errs chan error

	stop context.CancelFunc
	done chan struct{}
	once sync.Once
}

func startFeed(parent context.Context, run func(ctx context.Context, f *feed)) *feed {
	ctx, cancel := context.WithCancel(parent)
	f := &feed{
		msgs: make(chan Message, consumerBuffer),
		errs: make(chan error, errorBuffer),
		stop: cancel,
		done: make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		defer close(f.errs)
		defer close(f.msgs)
		run(ctx, f)
	}()
	return f
}

// deliver reports false once ctx is done.
func (f *feed) deliver(ctx context.Context, m Message) bool {
	select {
	case f.msgs <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *feed) fail(ctx context.Context, err error) bool {
	select {
	case f.errs <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *feed) Messages() <-chan Message { return f.msgs }
func (f *feed) Errors() <-chan error     { return f.errs }

// shutdown cancels the feed, runs release once, and waits for the goroutine.
func (f *feed) shutdown(release func() error) error {
	var err error
	f.once.Do(func() {
		f.stop()
		if release != nil {
			err = release()
		}
		<-f.done
	})
	return err
}
