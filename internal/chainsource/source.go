// Package chainsource reads confirmed contract events from one chain.
package chainsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/bridge-relayer/internal/bridgeabi"
	"github.com/juno-intents/bridge-relayer/internal/logging"
)

var (
	ErrInvalidConfig = errors.New("chainsource: invalid config")
	ErrInvalidQuery  = errors.New("chainsource: invalid query")
)

// Client is the subset of ethclient.Client the source needs.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Config struct {
	// Chain labels logs and metrics ("source" or "destination").
	Chain string

	Contract      abi.ABI
	Confirmations uint64

	// MaxRange caps the number of blocks covered by one batch. 0 means no cap.
	MaxRange uint64

	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Log *slog.Logger
}

type Query struct {
	Address   common.Address
	FromBlock uint64
	Events    []string
}

// Event is one decoded contract log.
type Event struct {
	Name   string
	Fields map[string]interface{}

	Address     common.Address
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
}

// Batch is the result of one FetchEvents call. ToBlock is zero when nothing
// new was eligible; callers must not move their cursor in that case.
type Batch struct {
	Head      uint64
	FromBlock uint64
	ToBlock   uint64
	Events    []Event
	Skipped   int
}

func (b Batch) Empty() bool { return b.ToBlock == 0 }

type Source struct {
	client Client
	cfg    Config
	log    *slog.Logger
}

func New(client Client, cfg Config) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	cfg.Chain = strings.TrimSpace(cfg.Chain)
	if cfg.Chain == "" {
		return nil, fmt.Errorf("%w: missing chain label", ErrInvalidConfig)
	}
	if len(cfg.Contract.Events) == 0 {
		return nil, fmt.Errorf("%w: contract ABI has no events", ErrInvalidConfig)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, fmt.Errorf("%w: max backoff below initial backoff", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Source{client: client, cfg: cfg, log: log.With("chain", cfg.Chain)}, nil
}

// FetchEvents returns the decoded events of q.Events emitted by q.Address
// between q.FromBlock and head minus the confirmation depth, in ascending
// (block, log index) order.
func (s *Source) FetchEvents(ctx context.Context, q Query) (Batch, error) {
	if q.Address == (common.Address{}) {
		return Batch{}, fmt.Errorf("%w: missing address", ErrInvalidQuery)
	}
	if len(q.Events) == 0 {
		return Batch{}, fmt.Errorf("%w: no events requested", ErrInvalidQuery)
	}
	ids, err := bridgeabi.EventIDs(s.cfg.Contract, q.Events...)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	head, err := retry(ctx, s, "eth_blockNumber", func() (uint64, error) {
		return s.client.BlockNumber(ctx)
	})
	if err != nil {
		return Batch{}, fmt.Errorf("chainsource: head: %w", err)
	}
	HeadBlock.WithLabelValues(s.cfg.Chain).Set(float64(head))

	batch := Batch{Head: head, FromBlock: q.FromBlock}
	if head <= s.cfg.Confirmations {
		return batch, nil
	}
	toBlock := head - s.cfg.Confirmations
	SafeBlock.WithLabelValues(s.cfg.Chain).Set(float64(toBlock))
	if toBlock <= q.FromBlock {
		return batch, nil
	}
	if s.cfg.MaxRange > 0 && toBlock-q.FromBlock+1 > s.cfg.MaxRange {
		toBlock = q.FromBlock + s.cfg.MaxRange - 1
	}

	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{q.Address},
		Topics:    [][]common.Hash{ids},
	}
	logs, err := retry(ctx, s, "eth_getLogs", func() ([]types.Log, error) {
		return s.client.FilterLogs(ctx, filter)
	})
	if err != nil {
		return Batch{}, fmt.Errorf("chainsource: logs %d..%d: %w", q.FromBlock, toBlock, err)
	}

	batch.ToBlock = toBlock
	for _, lg := range logs {
		ev, ok := s.decode(lg, q.Address)
		if !ok {
			batch.Skipped++
			continue
		}
		FetchedEvents.WithLabelValues(s.cfg.Chain, ev.Name).Inc()
		batch.Events = append(batch.Events, ev)
	}
	sort.SliceStable(batch.Events, func(i, j int) bool {
		a, b := batch.Events[i], batch.Events[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	s.log.Debug("chainsource.fetch",
		"from", q.FromBlock,
		"to", toBlock,
		"head", head,
		"events", len(batch.Events),
		"skipped", batch.Skipped,
	)
	return batch, nil
}

func (s *Source) decode(lg types.Log, want common.Address) (Event, bool) {
	skip := func(reason string, err error) (Event, bool) {
		SkippedLogs.WithLabelValues(s.cfg.Chain, reason).Inc()
		attrs := []any{"reason", reason, "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "index", lg.Index}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		s.log.Debug("chainsource.skip", attrs...)
		return Event{}, false
	}

	if lg.Removed {
		return skip("removed", nil)
	}
	if lg.Address != want {
		return skip("address", nil)
	}
	name, fields, err := bridgeabi.ParseLog(s.cfg.Contract, lg)
	if err != nil {
		return skip("decode", err)
	}
	if name == "" {
		return skip("unknown_event", nil)
	}
	return Event{
		Name:        name,
		Fields:      fields,
		Address:     lg.Address,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}, true
}

func retry[T any](ctx context.Context, s *Source, call string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			RPCRetries.WithLabelValues(s.cfg.Chain, call).Inc()
			s.log.Warn("chainsource.retry", "call", call, "wait", wait.String(), "error", err)
		}),
	)
}
