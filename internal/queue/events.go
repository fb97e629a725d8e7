package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Topics and envelope versions. The version string is carried in every
// payload so a consumer can reject records it does not understand.
const (
	TopicSettlements  = "relayer.settlements.v1"
	TopicAttestations = "cctp.attestations.v1"
	TopicBurns        = "cctp.burns.v1"
)

// KeyedProducer is implemented by drivers that partition by key.
type KeyedProducer interface {
	PublishKeyed(ctx context.Context, topic string, key, payload []byte) error
}

// PublishJSON marshals v and publishes it. key selects the partition when the
// driver supports it; records with the same key keep their order.
func PublishJSON(ctx context.Context, p Producer, topic string, key string, v any) error {
	if p == nil {
		return fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal %s payload: %w", topic, err)
	}
	if kp, ok := p.(KeyedProducer); ok && key != "" {
		return kp.PublishKeyed(ctx, topic, []byte(key), payload)
	}
	return p.Publish(ctx, topic, payload)
}

type envelope struct {
	Version string `json:"version"`
}

// Version returns the "version" field of a JSON record, or "" for a blank
// line.
func Version(line []byte) (string, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", nil
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", fmt.Errorf("queue: parse envelope: %w", err)
	}
	return strings.TrimSpace(env.Version), nil
}
