// Package watcher drives one settlement direction: it reads confirmed
// transfers from the originating chain, records them in the ledger, settles
// them on the counterpart chain and advances the chain cursor.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/bridgeabi"
	"github.com/juno-intents/bridge-relayer/internal/chainsource"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
	"github.com/juno-intents/bridge-relayer/internal/scheduler"
	"github.com/juno-intents/bridge-relayer/internal/settlement"
)

var ErrInvalidConfig = errors.New("watcher: invalid config")

type Source interface {
	FetchEvents(ctx context.Context, q chainsource.Query) (chainsource.Batch, error)
}

type Settler interface {
	Settle(ctx context.Context, rec ledger.DepositRecord) (settlement.Result, error)
}

// Ledger is the part of *ledger.Ledger a watcher uses.
type Ledger interface {
	RecordDeposit(rec ledger.DepositRecord) (ledger.DepositRecord, bool, error)
	MarkSettled(dir ledger.Direction, n nonce.Nonce, txHash common.Hash) (bool, error)
	Pending(dir ledger.Direction) []ledger.DepositRecord
	ExpireStale(dir ledger.Direction, now time.Time, after time.Duration) []ledger.DepositRecord
	GetCursor(chain ledger.Chain) uint64
	SetCursor(chain ledger.Chain, block uint64) error
	Persist(ctx context.Context) error
}

type Config struct {
	// Name labels the scheduler task, e.g. "source-watch".
	Name      string
	Direction ledger.Direction
	// Chain is the chain the transfers originate on; its cursor is ours.
	Chain    ledger.Chain
	Contract common.Address

	// StartBlock is where scanning begins on an empty ledger.
	StartBlock uint64
	// Overlap re-reads this many blocks below the cursor every tick.
	Overlap uint64
	// MaxRange is the source's per-batch block cap, 0 for none. A capped
	// batch must reach past the overlap or the cursor never moves.
	MaxRange uint64

	// ConfirmEvent, when set, is a counterpart Minted or Released log on the
	// same contract that marks a nonce of the other direction settled.
	ConfirmEvent string

	// RetryPending bounds how many older Pending records are retried per
	// tick. Defaults to 16; negative disables retries.
	RetryPending int
	// ExpireAfter moves records Pending for longer than this to Expired.
	// Zero disables expiry.
	ExpireAfter time.Duration

	Interval time.Duration
	Timeout  time.Duration

	Now func() time.Time
	Log *slog.Logger
}

type Watcher struct {
	cfg     Config
	source  Source
	ledger  Ledger
	settler Settler
	log     *slog.Logger

	transferEvent string
}

func New(source Source, l Ledger, settler Settler, cfg Config) (*Watcher, error) {
	if source == nil || l == nil || settler == nil {
		return nil, fmt.Errorf("%w: nil source, ledger or settler", ErrInvalidConfig)
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if cfg.Chain != ledger.ChainSource && cfg.Chain != ledger.ChainDestination {
		return nil, fmt.Errorf("%w: chain %q", ErrInvalidConfig, cfg.Chain)
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract", ErrInvalidConfig)
	}
	var transferEvent string
	switch cfg.Direction {
	case ledger.DirectionMint:
		transferEvent = bridgeabi.EventDeposited
	case ledger.DirectionRelease:
		transferEvent = bridgeabi.EventBurned
	default:
		return nil, fmt.Errorf("%w: direction %s", ErrInvalidConfig, cfg.Direction)
	}
	switch cfg.ConfirmEvent {
	case "", bridgeabi.EventMinted, bridgeabi.EventReleased:
	default:
		return nil, fmt.Errorf("%w: confirm event %q", ErrInvalidConfig, cfg.ConfirmEvent)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxRange != 0 && cfg.MaxRange <= cfg.Overlap+1 {
		return nil, fmt.Errorf("%w: max range %d must exceed overlap %d + 1", ErrInvalidConfig, cfg.MaxRange, cfg.Overlap)
	}
	if cfg.ExpireAfter < 0 {
		return nil, fmt.Errorf("%w: negative expiry", ErrInvalidConfig)
	}
	if cfg.RetryPending == 0 {
		cfg.RetryPending = 16
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Watcher{
		cfg:           cfg,
		source:        source,
		ledger:        l,
		settler:       settler,
		log:           log.With("direction", cfg.Direction.String(), "chain", string(cfg.Chain)),
		transferEvent: transferEvent,
	}, nil
}

func (w *Watcher) Task() scheduler.Task {
	return scheduler.Task{
		Name:      w.cfg.Name,
		Interval:  w.cfg.Interval,
		Timeout:   w.cfg.Timeout,
		Immediate: true,
		Run:       w.Tick,
	}
}

// FromBlock is the first block the next tick reads.
func (w *Watcher) FromBlock() uint64 {
	cursor := w.ledger.GetCursor(w.cfg.Chain)
	if cursor == 0 {
		return w.cfg.StartBlock
	}
	from := uint64(0)
	if cursor > w.cfg.Overlap {
		from = cursor - w.cfg.Overlap
	}
	if from < w.cfg.StartBlock {
		from = w.cfg.StartBlock
	}
	return from
}

// Tick runs one fetch, settle, advance and persist pass. Per-transfer
// failures are logged and left Pending; only a failed fetch or a cursor
// regression fails the tick.
func (w *Watcher) Tick(ctx context.Context) error {
	from := w.FromBlock()
	events := []string{w.transferEvent}
	if w.cfg.ConfirmEvent != "" {
		events = append(events, w.cfg.ConfirmEvent)
	}
	batch, err := w.source.FetchEvents(ctx, chainsource.Query{
		Address:   w.cfg.Contract,
		FromBlock: from,
		Events:    events,
	})
	if err != nil {
		w.log.Warn("watcher.fetch", "from", from, "error", err)
		return err
	}

	complete := true
	seen := make(map[nonce.Nonce]struct{}, len(batch.Events))
	for _, ev := range batch.Events {
		if stopping(ctx) {
			complete = false
			break
		}
		switch ev.Name {
		case w.transferEvent:
			rec, ok := w.record(ev)
			if !ok {
				continue
			}
			seen[rec.Nonce] = struct{}{}
			w.settle(ctx, rec)
		case w.cfg.ConfirmEvent:
			w.confirm(ev)
		}
	}

	if complete {
		w.retryPending(ctx, seen)
	}
	w.expire()

	if complete && !batch.Empty() {
		if err := w.ledger.SetCursor(w.cfg.Chain, batch.ToBlock); err != nil {
			w.log.Error("watcher.cursor", "to", batch.ToBlock, "error", err)
			return err
		}
		Cursor.WithLabelValues(string(w.cfg.Chain)).Set(float64(batch.ToBlock))
	}
	PendingDeposits.WithLabelValues(w.cfg.Direction.String()).Set(float64(len(w.ledger.Pending(w.cfg.Direction))))

	// Persist logs its own failure; memory stays authoritative.
	_ = w.ledger.Persist(ctx)

	w.log.Info("watcher.tick",
		"from", from,
		"to", batch.ToBlock,
		"head", batch.Head,
		"events", len(batch.Events),
		"skipped", batch.Skipped,
		"complete", complete,
	)
	return nil
}

func stopping(ctx context.Context) bool {
	return ctx.Err() != nil || scheduler.ShuttingDown(ctx)
}

// record normalises a transfer log and upserts it into the ledger.
func (w *Watcher) record(ev chainsource.Event) (ledger.DepositRecord, bool) {
	rec, err := w.toRecord(ev)
	if err != nil {
		w.log.Warn("watcher.decode", "event", ev.Name, "block", ev.BlockNumber, "tx", ev.TxHash.Hex(), "index", ev.LogIndex, "error", err)
		return ledger.DepositRecord{}, false
	}
	Observed.WithLabelValues(w.cfg.Direction.String()).Inc()

	stored, created, err := w.ledger.RecordDeposit(rec)
	if err != nil {
		w.log.Error("watcher.record", "nonce", rec.Nonce.String(), "tx", ev.TxHash.Hex(), "error", err)
		return ledger.DepositRecord{}, false
	}
	if created {
		w.log.Info("deposit.observed",
			"nonce", stored.Nonce.String(),
			"depositor", stored.Depositor.Hex(),
			"amount", stored.Amount.String(),
			"block", ev.BlockNumber,
			"tx", ev.TxHash.Hex(),
		)
	}
	if stored.Status == ledger.StatusExpired {
		w.log.Debug("watcher.skip", "nonce", stored.Nonce.String(), "status", stored.Status.String())
		return ledger.DepositRecord{}, false
	}
	return stored, true
}

func (w *Watcher) toRecord(ev chainsource.Event) (ledger.DepositRecord, error) {
	rec := ledger.DepositRecord{
		Direction:    w.cfg.Direction,
		SourceBlock:  ev.BlockNumber,
		SourceTxHash: ev.TxHash,
	}
	switch w.cfg.Direction {
	case ledger.DirectionMint:
		d, err := bridgeabi.DecodeDeposited(ev.Fields)
		if err != nil {
			return ledger.DepositRecord{}, err
		}
		n, err := nonce.FromBig(d.Nonce)
		if err != nil {
			return ledger.DepositRecord{}, err
		}
		rec.Nonce, rec.Depositor, rec.Amount = n, d.Depositor, d.Amount
	case ledger.DirectionRelease:
		b, err := bridgeabi.DecodeBurned(ev.Fields)
		if err != nil {
			return ledger.DepositRecord{}, err
		}
		n, err := nonce.ForRelease(ev.BlockNumber, ev.LogIndex)
		if err != nil {
			return ledger.DepositRecord{}, err
		}
		rec.Nonce, rec.Depositor, rec.Amount = n, b.User, b.Amount
	}
	return rec, nil
}

func (w *Watcher) settle(ctx context.Context, rec ledger.DepositRecord) {
	if rec.Status != ledger.StatusPending {
		return
	}
	_, err := w.settler.Settle(ctx, rec)
	var se *settlement.SettlementError
	switch {
	case err == nil, errors.As(err, &se):
		// Outcomes are logged by the executor.
	case errors.Is(err, settlement.ErrAttemptInFlight):
		w.log.Debug("watcher.settle", "nonce", rec.Nonce.String(), "error", err)
	default:
		w.log.Warn("watcher.settle", "nonce", rec.Nonce.String(), "error", err)
	}
}

// confirm marks a counterpart nonce settled from its Minted or Released log,
// which covers a restart between a mined settlement and its persist.
func (w *Watcher) confirm(ev chainsource.Event) {
	var (
		s   bridgeabi.Settled
		dir ledger.Direction
		err error
	)
	switch ev.Name {
	case bridgeabi.EventMinted:
		s, err = bridgeabi.DecodeMinted(ev.Fields)
		dir = ledger.DirectionMint
	case bridgeabi.EventReleased:
		s, err = bridgeabi.DecodeReleased(ev.Fields)
		dir = ledger.DirectionRelease
	}
	if err != nil {
		w.log.Warn("watcher.decode", "event", ev.Name, "block", ev.BlockNumber, "tx", ev.TxHash.Hex(), "error", err)
		return
	}
	n, err := nonce.FromBig(s.Nonce)
	if err != nil {
		w.log.Warn("watcher.decode", "event", ev.Name, "tx", ev.TxHash.Hex(), "error", err)
		return
	}
	changed, err := w.ledger.MarkSettled(dir, n, ev.TxHash)
	if err != nil {
		w.log.Warn("watcher.confirm", "nonce", n.String(), "error", err)
		return
	}
	if changed {
		ExternallySettled.WithLabelValues(dir.String()).Inc()
		w.log.Info("watcher.confirm", "settled_direction", dir.String(), "nonce", n.String(), "tx", ev.TxHash.Hex())
	}
}

// retryPending settles older Pending records that fell out of the overlap
// window, oldest first.
func (w *Watcher) retryPending(ctx context.Context, seen map[nonce.Nonce]struct{}) {
	if w.cfg.RetryPending < 0 {
		return
	}
	n := 0
	for _, rec := range w.ledger.Pending(w.cfg.Direction) {
		if n >= w.cfg.RetryPending || stopping(ctx) {
			return
		}
		if _, ok := seen[rec.Nonce]; ok {
			continue
		}
		n++
		w.settle(ctx, rec)
	}
}

func (w *Watcher) expire() {
	if w.cfg.ExpireAfter <= 0 {
		return
	}
	for _, rec := range w.ledger.ExpireStale(w.cfg.Direction, w.cfg.Now(), w.cfg.ExpireAfter) {
		Expired.WithLabelValues(rec.Direction.String()).Inc()
		w.log.Error("deposit.expired",
			"nonce", rec.Nonce.String(),
			"depositor", rec.Depositor.Hex(),
			"amount", rec.Amount.String(),
			"attempts", rec.Attempts,
			"observed_at", rec.ObservedAt,
			"last_error", rec.LastError,
		)
	}
}
