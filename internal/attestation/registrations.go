package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/bridge-relayer/internal/queue"
)

// Registration is the cctp.burns.v1 record: a burn submitted outside this
// process that the tracker should follow.
type Registration struct {
	Version           string `json:"version"`
	TransactionHash   string `json:"transactionHash"`
	MessageHash       string `json:"messageHash,omitempty"`
	Nonce             uint64 `json:"nonce"`
	Sender            string `json:"sender"`
	DestinationDomain uint32 `json:"destinationDomain"`
	Amount            string `json:"amount"`
}

func (r Registration) Descriptor() (Descriptor, error) {
	if strings.TrimSpace(r.Version) != queue.TopicBurns {
		return Descriptor{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidInput, r.Version)
	}
	txHash := strings.TrimSpace(r.TransactionHash)
	if !isHash(txHash) {
		return Descriptor{}, fmt.Errorf("%w: transactionHash must be 32-byte hex", ErrInvalidInput)
	}
	d := Descriptor{
		TransactionHash:   common.HexToHash(txHash),
		MessageHash:       strings.TrimSpace(r.MessageHash),
		Nonce:             r.Nonce,
		DestinationDomain: r.DestinationDomain,
	}
	if s := strings.TrimSpace(r.Sender); s != "" {
		if !common.IsHexAddress(s) {
			return Descriptor{}, fmt.Errorf("%w: invalid sender", ErrInvalidInput)
		}
		d.Sender = common.HexToAddress(s)
	}
	if a := strings.TrimSpace(r.Amount); a != "" {
		v, ok := new(big.Int).SetString(a, 10)
		if !ok || v.Sign() < 0 {
			return Descriptor{}, fmt.Errorf("%w: invalid amount", ErrInvalidInput)
		}
		d.Amount = v
	}
	return d, nil
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// ConsumeRegistrations tracks every valid registration read from c until ctx
// is done or the consumer closes. Malformed records are logged and acked so
// they do not block the partition.
func (t *Tracker) ConsumeRegistrations(ctx context.Context, c queue.Consumer, ackTimeout time.Duration) error {
	if c == nil {
		return fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	msgs := c.Messages()
	errs := c.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.log.Error("attestation.consume", "error", err)
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			t.handleRegistration(msg.Value)
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
			if err := msg.Ack(actx); err != nil {
				t.log.Warn("attestation.ack", "topic", msg.Topic, "error", err)
			}
			cancel()
		}
	}
}

func (t *Tracker) handleRegistration(line []byte) {
	version, err := queue.Version(line)
	if err != nil {
		t.log.Warn("attestation.registration", "error", err)
		return
	}
	if version == "" {
		return
	}
	var r Registration
	if err := json.Unmarshal(line, &r); err != nil {
		t.log.Warn("attestation.registration", "version", version, "error", err)
		return
	}
	d, err := r.Descriptor()
	if err != nil {
		t.log.Warn("attestation.registration", "version", version, "tx", r.TransactionHash, "error", err)
		return
	}
	if _, err := t.TrackBridge(d); err != nil {
		t.log.Warn("attestation.registration", "tx", r.TransactionHash, "error", err)
	}
}
