package attestation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/queue"
)

const regHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func TestRegistration_Descriptor(t *testing.T) {
	valid := Registration{
		Version:           queue.TopicBurns,
		TransactionHash:   regHash,
		Nonce:             12,
		Sender:            "0x0000000000000000000000000000000000000abc",
		DestinationDomain: 6,
		Amount:            "18446744073709551617",
	}
	d, err := valid.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.TransactionHash != common.HexToHash(regHash) || d.Amount.String() != "18446744073709551617" || d.DestinationDomain != 6 {
		t.Fatalf("descriptor: %+v", d)
	}

	cases := []struct {
		name string
		mut  func(*Registration)
	}{
		{name: "wrong version", mut: func(r *Registration) { r.Version = "cctp.burns.v0" }},
		{name: "short hash", mut: func(r *Registration) { r.TransactionHash = "0x1234" }},
		{name: "non-hex hash", mut: func(r *Registration) { r.TransactionHash = "0x" + strings.Repeat("zz", 32) }},
		{name: "bad sender", mut: func(r *Registration) { r.Sender = "alice" }},
		{name: "bad amount", mut: func(r *Registration) { r.Amount = "1e6" }},
		{name: "negative amount", mut: func(r *Registration) { r.Amount = "-5" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mut(&r)
			if _, err := r.Descriptor(); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestTracker_ConsumeRegistrations(t *testing.T) {
	input := strings.Join([]string{
		`{"version":"cctp.burns.v1","transactionHash":"` + regHash + `","nonce":1,"destinationDomain":6,"amount":"5"}`,
		``,
		`not json`,
		`{"version":"cctp.burns.v1","transactionHash":"0x12"}`,
		`{"version":"cctp.burns.v1","transactionHash":"` + regHash + `","nonce":1}`,
	}, "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverStdio, Reader: strings.NewReader(input)})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer c.Close()

	tr, _ := newTestTracker(t, &fakeMessages{}, nil)
	if err := tr.ConsumeRegistrations(ctx, c, time.Second); err != nil {
		t.Fatalf("ConsumeRegistrations: %v", err)
	}

	all := tr.All()
	if len(all) != 1 {
		t.Fatalf("tracked: got %d want 1", len(all))
	}
	if all[0].TransactionHash != common.HexToHash(regHash) || all[0].Status != StatusSent || all[0].Amount.Int64() != 5 {
		t.Fatalf("tracked tx: %+v", all[0])
	}

	if err := tr.ConsumeRegistrations(ctx, nil, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil consumer, got %v", err)
	}
}
