package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// RELAYER_QUEUE_KAFKA_TLS=true dials brokers over TLS 1.2+.
const envKafkaTLS = "RELAYER_QUEUE_KAFKA_TLS"

const (
	kafkaMinBytes     = 1
	kafkaMaxBytes     = 10 << 20
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaDialTimeout  = 10 * time.Second
)

// kafkaTLS returns nil unless TLS is switched on in the environment.
func kafkaTLS() *tls.Config {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

type kafkaConsumer struct {
	*feed
	reader *kafka.Reader
}

func kafkaReaderConfig(cfg ConsumerConfig) (kafka.ReaderConfig, error) {
	brokers, topics := compact(cfg.Brokers), compact(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return kafka.ReaderConfig{}, fmt.Errorf("%w: kafka consumer needs a broker", ErrInvalidConfig)
	case group == "":
		return kafka.ReaderConfig{}, fmt.Errorf("%w: kafka consumer needs a group", ErrInvalidConfig)
	case len(topics) == 0:
		return kafka.ReaderConfig{}, fmt.Errorf("%w: kafka consumer needs a topic", ErrInvalidConfig)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
	}
	if cfg.KafkaMinBytes > 0 {
		rc.MinBytes = cfg.KafkaMinBytes
	}
	if cfg.KafkaMaxBytes > 0 {
		rc.MaxBytes = cfg.KafkaMaxBytes
	}
	if rc.MaxBytes < rc.MinBytes {
		return kafka.ReaderConfig{}, fmt.Errorf("%w: kafka max bytes below min bytes", ErrInvalidConfig)
	}
	if t := kafkaTLS(); t != nil {
		rc.Dialer = &kafka.Dialer{Timeout: kafkaDialTimeout, TLS: t}
	}
	return rc, nil
}

func newKafkaConsumer(ctx context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	rc, err := kafkaReaderConfig(cfg)
	if err != nil {
		return nil, err
	}
	c := &kafkaConsumer{reader: kafka.NewReader(rc)}
	c.feed = startFeed(ctx, c.fetch)
	return c, nil
}

// fetch delivers records until ctx ends. Offsets are committed only by
// Message.Ack, so a record the relayer never acknowledged is redelivered
// after a restart.
func (c *kafkaConsumer) fetch(ctx context.Context, f *feed) {
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if fetchStopped(err) || !f.fail(ctx, err) {
				return
			}
			continue
		}
		m := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			commit: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		if !f.deliver(ctx, m) {
			return
		}
	}
}

func fetchStopped(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (c *kafkaConsumer) Close() error {
	return c.shutdown(c.reader.Close)
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer needs a broker", ErrInvalidConfig)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: kafkaBatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.BatchTimeout > 0 {
		w.BatchTimeout = cfg.BatchTimeout
	}
	if t := kafkaTLS(); t != nil {
		w.Transport = &kafka.Transport{TLS: t}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.PublishKeyed(ctx, topic, nil, payload)
}

// PublishKeyed routes records with the same key to the same partition.
func (p *kafkaProducer) PublishKeyed(ctx context.Context, topic string, key, payload []byte) error {
	if topic = strings.TrimSpace(topic); topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
