// Command bridge-track registers a CCTP burn with the relayer's attestation
// tracker by publishing a cctp.burns.v1 record.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/juno-intents/bridge-relayer/internal/attestation"
	"github.com/juno-intents/bridge-relayer/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("bridge-track", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", queue.TopicBurns, "queue topic")
	timeout := fs.Duration("timeout", 30*time.Second, "publish timeout")

	txHash := fs.String("tx-hash", "", "burn transaction hash (required unless --from-stdin)")
	messageHash := fs.String("message-hash", "", "CCTP message hash")
	nonceFlag := fs.Uint64("nonce", 0, "CCTP burn nonce")
	sender := fs.String("sender", "", "burn sender address")
	domain := fs.Uint("destination-domain", 0, "CCTP destination domain")
	amount := fs.String("amount", "", "burn amount in base units")
	fromStdin := fs.Bool("from-stdin", false, "read one registration JSON object per line from stdin")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	var regs []attestation.Registration
	if *fromStdin {
		var err error
		regs, err = readRegistrations(stdin)
		if err != nil {
			return err
		}
	} else {
		if strings.TrimSpace(*txHash) == "" {
			return errors.New("--tx-hash is required")
		}
		regs = []attestation.Registration{{
			TransactionHash:   strings.TrimSpace(*txHash),
			MessageHash:       strings.TrimSpace(*messageHash),
			Nonce:             *nonceFlag,
			Sender:            strings.TrimSpace(*sender),
			DestinationDomain: uint32(*domain),
			Amount:            strings.TrimSpace(*amount),
		}}
	}
	for i := range regs {
		regs[i].Version = queue.TopicBurns
		if _, err := regs[i].Descriptor(); err != nil {
			return fmt.Errorf("registration %d: %w", i, err)
		}
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	for _, r := range regs {
		if err := queue.PublishJSON(ctx, producer, *topic, strings.ToLower(r.TransactionHash), r); err != nil {
			return err
		}
	}
	return nil
}

func readRegistrations(r io.Reader) ([]attestation.Registration, error) {
	if r == nil {
		return nil, errors.New("stdin is required with --from-stdin")
	}
	dec := json.NewDecoder(r)
	var out []attestation.Registration
	for {
		var reg attestation.Registration
		err := dec.Decode(&reg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode registration %d: %w", len(out), err)
		}
		out = append(out, reg)
	}
	if len(out) == 0 {
		return nil, errors.New("no registrations on stdin")
	}
	return out, nil
}
