// Package settlement submits the counterpart call for an observed deposit or
// burn and records the outcome in the ledger.
//
// One Executor serves one direction. Settle is safe to call repeatedly for the
// same nonce: a settled nonce is skipped, and a nonce whose attempt is in
// flight elsewhere is refused. The counterpart contract rejects a reused nonce
// on its own, so a duplicate that slips past the ledger costs gas but never
// double-settles.
//
// A token messenger burn carries no relayer nonce, so nothing on chain stops
// a second burn. In that mode every signed burn is recorded and persisted as
// a broadcast intent before it reaches the node, and a later attempt first
// resolves the outcome of the recorded burn.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/bridge-relayer/internal/attestation"
	"github.com/juno-intents/bridge-relayer/internal/bridgeabi"
	"github.com/juno-intents/bridge-relayer/internal/eth"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
	"github.com/juno-intents/bridge-relayer/internal/queue"
)

var (
	ErrInvalidConfig       = errors.New("settlement: invalid config")
	ErrInvalidInput        = errors.New("settlement: invalid input")
	ErrConfirmationTimeout = errors.New("settlement: confirmation timeout")
	ErrAttemptInFlight     = errors.New("settlement: attempt already in flight")
	ErrDepositMismatch     = errors.New("settlement: on-chain deposit mismatch")
	ErrBroadcastPending    = errors.New("settlement: earlier broadcast still pending")
)

// Failure reasons carried by SettlementError.
const (
	ReasonReverted = "reverted"
	ReasonTimeout  = "timeout"
	ReasonSubmit   = "submit"
	ReasonMismatch = "mismatch"
	ReasonEncode   = "encode"
	// ReasonPending means an earlier burn has neither mined nor been
	// superseded, so no new one is sent.
	ReasonPending = "pending"
)

// Skip reasons carried by Result.
const (
	SkipAlreadySettled   = "already_settled"
	SkipProcessedOnchain = "processed_onchain"
	SkipExpiredOnchain   = "expired_onchain"
)

// SettlementError reports a settlement attempt that did not settle. The
// deposit stays Pending and is retried on a later tick.
type SettlementError struct {
	Direction ledger.Direction
	Nonce     nonce.Nonce
	Reason    string
	TxHash    common.Hash
	Err       error
}

func (e *SettlementError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "settlement: %s nonce %s %s", e.Direction, e.Nonce, e.Reason)
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash.Hex())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Ledger is the part of *ledger.Ledger the executor uses.
type Ledger interface {
	IsSettled(dir ledger.Direction, n nonce.Nonce) bool
	MarkSettled(dir ledger.Direction, n nonce.Nonce, txHash common.Hash) (bool, error)
	MarkExpired(dir ledger.Direction, n nonce.Nonce, reason string) error
	RecordAttempt(dir ledger.Direction, n nonce.Nonce, cause error) error
	RecordIntent(dir ledger.Direction, n nonce.Nonce, from common.Address, accountNonce uint64, txHash common.Hash) error
	DropIntent(dir ledger.Direction, n nonce.Nonce, txHash common.Hash) error
	Get(dir ledger.Direction, n nonce.Nonce) (ledger.DepositRecord, error)
	BeginAttempt(ctx context.Context, dir ledger.Direction, n nonce.Nonce) (func(), bool, error)
	Persist(ctx context.Context) error
}

type Submitter interface {
	SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReceiptReader looks up earlier burns on the token messenger's chain.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

type Registrar interface {
	TrackBridge(d attestation.Descriptor) (attestation.BridgeTransaction, error)
}

// CCTPConfig switches mint settlement to a token messenger burn. The burn is
// registered with Tracker until its attestation completes.
type CCTPConfig struct {
	TokenMessenger    common.Address
	BurnToken         common.Address
	DestinationDomain uint32
	Tracker           Registrar
	Receipts          ReceiptReader
}

type Config struct {
	Direction ledger.Direction
	// Target is the wrapped asset for mints or the escrow for releases.
	Target   common.Address
	GasLimit uint64

	ConfirmationTimeout time.Duration
	PersistTimeout      time.Duration

	// Escrow, when set, is queried with getDeposit(nonce) before a mint.
	Escrow        ContractCaller
	EscrowAddress common.Address

	CCTP *CCTPConfig

	Producer queue.Producer
	Topic    string

	Now func() time.Time
	Log *slog.Logger
}

type Result struct {
	Skipped bool
	Reason  string

	TxHash       common.Hash
	BlockNumber  uint64
	Replacements int
}

type Executor struct {
	cfg    Config
	ledger Ledger
	sender Submitter
	log    *slog.Logger
}

func NewExecutor(l Ledger, sender Submitter, cfg Config) (*Executor, error) {
	if l == nil || sender == nil {
		return nil, fmt.Errorf("%w: nil ledger or submitter", ErrInvalidConfig)
	}
	if cfg.Direction != ledger.DirectionMint && cfg.Direction != ledger.DirectionRelease {
		return nil, fmt.Errorf("%w: direction %s", ErrInvalidConfig, cfg.Direction)
	}
	if cfg.CCTP != nil {
		if cfg.Direction != ledger.DirectionMint {
			return nil, fmt.Errorf("%w: cctp settlement only applies to mints", ErrInvalidConfig)
		}
		if cfg.CCTP.TokenMessenger == (common.Address{}) || cfg.CCTP.BurnToken == (common.Address{}) {
			return nil, fmt.Errorf("%w: cctp token messenger and burn token are required", ErrInvalidConfig)
		}
		if cfg.CCTP.Receipts == nil {
			return nil, fmt.Errorf("%w: cctp receipt reader is required", ErrInvalidConfig)
		}
	} else if cfg.Target == (common.Address{}) {
		return nil, fmt.Errorf("%w: target contract is required", ErrInvalidConfig)
	}
	if cfg.Escrow != nil {
		if cfg.Direction != ledger.DirectionMint {
			return nil, fmt.Errorf("%w: escrow cross-check only applies to mints", ErrInvalidConfig)
		}
		if cfg.EscrowAddress == (common.Address{}) {
			return nil, fmt.Errorf("%w: escrow address is required", ErrInvalidConfig)
		}
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = queue.TopicSettlements
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Executor{cfg: cfg, ledger: l, sender: sender, log: log.With("direction", cfg.Direction.String())}, nil
}

func (e *Executor) Direction() ledger.Direction { return e.cfg.Direction }

// Settle submits the counterpart call for rec and waits for its receipt.
// A settled nonce returns a skipped Result without any call. Failures return
// a *SettlementError and leave the record Pending.
func (e *Executor) Settle(ctx context.Context, rec ledger.DepositRecord) (Result, error) {
	dir := e.cfg.Direction
	if rec.Direction != dir {
		return Result{}, fmt.Errorf("%w: %s record on %s executor", ErrInvalidInput, rec.Direction, dir)
	}
	if rec.Amount == nil || rec.Amount.Sign() < 0 || rec.Depositor == (common.Address{}) {
		return Result{}, fmt.Errorf("%w: nonce %s needs depositor and amount", ErrInvalidInput, rec.Nonce)
	}

	if e.ledger.IsSettled(dir, rec.Nonce) {
		return e.skip(rec, SkipAlreadySettled), nil
	}

	release, ok, err := e.ledger.BeginAttempt(ctx, dir, rec.Nonce)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		Settlements.WithLabelValues(dir.String(), "in_flight").Inc()
		return Result{}, fmt.Errorf("%w: %s nonce %s", ErrAttemptInFlight, dir, rec.Nonce)
	}
	defer release()

	// Another loop may have settled it between the check and the marker.
	if e.ledger.IsSettled(dir, rec.Nonce) {
		return e.skip(rec, SkipAlreadySettled), nil
	}

	if e.cfg.Escrow != nil {
		res, done, err := e.crossCheck(ctx, rec)
		if done || err != nil {
			return res, err
		}
	}

	if e.cfg.CCTP != nil {
		res, done, err := e.resolveIntent(ctx, rec)
		if done || err != nil {
			return res, err
		}
	}

	to, data, err := e.buildCall(rec)
	if err != nil {
		return Result{}, e.fail(rec, to, common.Hash{}, &SettlementError{Reason: ReasonEncode, Err: err})
	}
	req := eth.TxRequest{To: to, Data: data, GasLimit: e.cfg.GasLimit}
	if e.cfg.CCTP != nil {
		req.BeforeBroadcast = func(bctx context.Context, b eth.Broadcast) error {
			return e.recordIntent(bctx, rec, b)
		}
	}

	e.log.Info("settlement.submit",
		"nonce", rec.Nonce.String(),
		"depositor", rec.Depositor.Hex(),
		"amount", rec.Amount.String(),
		"to", to.Hex(),
	)

	// The confirmation wait outlives process shutdown; it ends on receipt or
	// on its own timeout.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmationTimeout)
	defer cancel()

	startedAt := e.cfg.Now()
	sent, err := e.sender.SendAndWaitMined(wctx, req)
	SettleSeconds.WithLabelValues(dir.String()).Observe(e.cfg.Now().Sub(startedAt).Seconds())
	if err != nil {
		return Result{TxHash: sent.TxHash, Replacements: sent.Replacements}, e.fail(rec, to, sent.TxHash, classify(wctx, err))
	}

	return e.settled(ctx, rec, sent, "settlement.confirmed")
}

// settled records a mined settlement and announces it.
func (e *Executor) settled(ctx context.Context, rec ledger.DepositRecord, sent eth.SendResult, event string) (Result, error) {
	dir := e.cfg.Direction
	if _, err := e.ledger.MarkSettled(dir, rec.Nonce, sent.TxHash); err != nil {
		return Result{}, fmt.Errorf("settlement: mark settled: %w", err)
	}
	e.persist(ctx)

	res := Result{TxHash: sent.TxHash, Replacements: sent.Replacements}
	if sent.Receipt != nil && sent.Receipt.BlockNumber != nil {
		res.BlockNumber = sent.Receipt.BlockNumber.Uint64()
	}
	Settlements.WithLabelValues(dir.String(), "settled").Inc()
	e.log.Info(event,
		"nonce", rec.Nonce.String(),
		"depositor", rec.Depositor.Hex(),
		"amount", rec.Amount.String(),
		"tx", sent.TxHash.Hex(),
		"block", res.BlockNumber,
		"replacements", sent.Replacements,
	)

	if e.cfg.CCTP != nil && e.cfg.CCTP.Tracker != nil {
		e.track(rec, sent)
	}
	e.publish(ctx, rec, res)
	return res, nil
}

// recordIntent makes a signed burn durable before it is broadcast. If the
// ledger cannot be persisted the burn is not sent.
func (e *Executor) recordIntent(ctx context.Context, rec ledger.DepositRecord, b eth.Broadcast) error {
	dir := e.cfg.Direction
	if err := e.ledger.RecordIntent(dir, rec.Nonce, b.From, b.Nonce, b.TxHash); err != nil {
		return fmt.Errorf("record intent: %w", err)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.ledger.Persist(pctx); err != nil {
		if derr := e.ledger.DropIntent(dir, rec.Nonce, b.TxHash); derr != nil {
			e.log.Warn("settlement.intent", "nonce", rec.Nonce.String(), "tx", b.TxHash.Hex(), "error", derr)
		}
		return fmt.Errorf("persist intent: %w", err)
	}
	e.log.Debug("settlement.intent", "nonce", rec.Nonce.String(), "from", b.From.Hex(), "account_nonce", b.Nonce, "tx", b.TxHash.Hex())
	return nil
}

// resolveIntent settles rec from a burn recorded by an earlier attempt. done
// is true when that burn mined or may still mine; a new burn is only built
// once the recorded one reverted or its account nonce went to another
// transaction.
func (e *Executor) resolveIntent(ctx context.Context, rec ledger.DepositRecord) (Result, bool, error) {
	cur, err := e.ledger.Get(e.cfg.Direction, rec.Nonce)
	if err != nil || cur.Intent == nil {
		return Result{}, false, nil
	}
	in := cur.Intent
	reader := e.cfg.CCTP.Receipts
	messenger := e.cfg.CCTP.TokenMessenger
	last := in.TxHashes[len(in.TxHashes)-1]

	// Read the mined count before the receipts: if it is already past the
	// intent's nonce and none of the receipts exist, none of them ever will.
	mined, err := reader.NonceAt(ctx, in.From, nil)
	if err != nil {
		return Result{}, true, e.fail(rec, messenger, last, &SettlementError{Reason: ReasonPending, Err: fmt.Errorf("read account nonce of %s: %w", in.From.Hex(), err)})
	}
	for _, h := range in.TxHashes {
		receipt, err := reader.TransactionReceipt(ctx, h)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return Result{}, true, e.fail(rec, messenger, h, &SettlementError{Reason: ReasonPending, Err: fmt.Errorf("receipt: %w", err)})
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			e.log.Warn("settlement.intent", "nonce", rec.Nonce.String(), "tx", h.Hex(), "outcome", "reverted")
			return Result{}, false, nil
		}
		res, err := e.settled(ctx, rec, eth.SendResult{From: in.From, Nonce: in.AccountNonce, TxHash: h, Receipt: receipt}, "settlement.recovered")
		return res, true, err
	}
	if mined > in.AccountNonce {
		e.log.Warn("settlement.intent", "nonce", rec.Nonce.String(), "tx", last.Hex(), "outcome", "superseded")
		return Result{}, false, nil
	}
	cause := fmt.Errorf("%w: %s account nonce %d", ErrBroadcastPending, in.From.Hex(), in.AccountNonce)
	return Result{}, true, e.fail(rec, messenger, last, &SettlementError{Reason: ReasonPending, Err: cause})
}

func (e *Executor) skip(rec ledger.DepositRecord, reason string) Result {
	Settlements.WithLabelValues(e.cfg.Direction.String(), "skipped").Inc()
	e.log.Debug("settlement.skip", "nonce", rec.Nonce.String(), "reason", reason)
	return Result{Skipped: true, Reason: reason}
}

// crossCheck consults the escrow's view of the deposit. done is true when the
// escrow already decided the outcome.
func (e *Executor) crossCheck(ctx context.Context, rec ledger.DepositRecord) (Result, bool, error) {
	dir := e.cfg.Direction
	input, err := bridgeabi.PackGetDeposit(rec.Nonce.Big())
	if err != nil {
		return Result{}, true, err
	}
	escrow := e.cfg.EscrowAddress
	out, err := e.cfg.Escrow.CallContract(ctx, ethereum.CallMsg{To: &escrow, Data: input}, nil)
	if err != nil {
		// The wrapped asset still rejects a reused nonce, so carry on.
		e.log.Warn("settlement.crosscheck", "nonce", rec.Nonce.String(), "error", err)
		return Result{}, false, nil
	}
	onchain, err := bridgeabi.UnpackGetDeposit(out)
	if err != nil {
		e.log.Warn("settlement.crosscheck", "nonce", rec.Nonce.String(), "error", err)
		return Result{}, false, nil
	}
	if onchain.Depositor == (common.Address{}) {
		return Result{}, false, nil
	}
	if onchain.Depositor != rec.Depositor || onchain.Amount.Cmp(rec.Amount) != 0 {
		cause := fmt.Errorf("%w: escrow has depositor %s amount %s", ErrDepositMismatch, onchain.Depositor.Hex(), onchain.Amount)
		return Result{}, true, e.fail(rec, e.cfg.EscrowAddress, common.Hash{}, &SettlementError{Reason: ReasonMismatch, Err: cause})
	}

	switch onchain.Status {
	case bridgeabi.DepositStatusProcessed:
		if _, err := e.ledger.MarkSettled(dir, rec.Nonce, common.Hash{}); err != nil {
			return Result{}, true, fmt.Errorf("settlement: mark settled: %w", err)
		}
		e.persist(ctx)
		return e.skip(rec, SkipProcessedOnchain), true, nil
	case bridgeabi.DepositStatusExpired:
		if err := e.ledger.MarkExpired(dir, rec.Nonce, "expired on escrow"); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return Result{}, true, err
		}
		e.log.Warn("settlement.expired", "nonce", rec.Nonce.String(), "depositor", rec.Depositor.Hex(), "amount", rec.Amount.String())
		e.persist(ctx)
		return e.skip(rec, SkipExpiredOnchain), true, nil
	}
	return Result{}, false, nil
}

func (e *Executor) buildCall(rec ledger.DepositRecord) (common.Address, []byte, error) {
	if c := e.cfg.CCTP; c != nil {
		data, err := bridgeabi.PackDepositForBurn(rec.Amount, c.DestinationDomain, rec.Depositor, c.BurnToken)
		return c.TokenMessenger, data, err
	}
	var (
		data []byte
		err  error
	)
	switch e.cfg.Direction {
	case ledger.DirectionMint:
		data, err = bridgeabi.PackMint(rec.Depositor, rec.Amount, rec.Nonce.Big())
	case ledger.DirectionRelease:
		data, err = bridgeabi.PackRelease(rec.Depositor, rec.Amount, rec.Nonce.Big())
	}
	return e.cfg.Target, data, err
}

// classify maps a submission error onto a failure reason.
func classify(wctx context.Context, err error) *SettlementError {
	switch {
	case errors.Is(err, eth.ErrReverted):
		return &SettlementError{Reason: ReasonReverted, Err: err}
	case errors.Is(err, context.DeadlineExceeded) && wctx.Err() != nil:
		return &SettlementError{Reason: ReasonTimeout, Err: fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)}
	default:
		return &SettlementError{Reason: ReasonSubmit, Err: err}
	}
}

func (e *Executor) fail(rec ledger.DepositRecord, to common.Address, txHash common.Hash, se *SettlementError) error {
	dir := e.cfg.Direction
	se.Direction = dir
	se.Nonce = rec.Nonce
	se.TxHash = txHash
	if err := e.ledger.RecordAttempt(dir, rec.Nonce, se); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		e.log.Warn("settlement.attempt", "nonce", rec.Nonce.String(), "error", err)
	}
	Settlements.WithLabelValues(dir.String(), se.Reason).Inc()

	attrs := []any{
		"nonce", rec.Nonce.String(),
		"depositor", rec.Depositor.Hex(),
		"amount", rec.Amount.String(),
		"to", to.Hex(),
		"reason", se.Reason,
	}
	if txHash != (common.Hash{}) {
		attrs = append(attrs, "tx", txHash.Hex())
	}
	e.log.Error("settlement.failed", append(attrs, "error", se.Err)...)
	return se
}

func (e *Executor) persist(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	// Persist logs its own failures; memory stays authoritative.
	_ = e.ledger.Persist(pctx)
}

func (e *Executor) track(rec ledger.DepositRecord, sent eth.SendResult) {
	d := attestation.Descriptor{
		TransactionHash:   sent.TxHash,
		Nonce:             uint64(rec.Nonce),
		Sender:            sent.From,
		DestinationDomain: e.cfg.CCTP.DestinationDomain,
		Amount:            rec.Amount,
	}
	if n, ok := burnNonce(sent.Receipt); ok {
		d.Nonce = n
	}
	if _, err := e.cfg.CCTP.Tracker.TrackBridge(d); err != nil {
		e.log.Warn("settlement.track", "nonce", rec.Nonce.String(), "tx", sent.TxHash.Hex(), "error", err)
	}
}

// burnNonce returns the token messenger nonce from a depositForBurn receipt.
func burnNonce(receipt *types.Receipt) (uint64, bool) {
	if receipt == nil {
		return 0, false
	}
	messenger, err := bridgeabi.TokenMessengerABI()
	if err != nil {
		return 0, false
	}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		name, fields, err := bridgeabi.ParseLog(messenger, *lg)
		if err != nil || name != bridgeabi.EventDepositForBurn {
			continue
		}
		switch v := fields["nonce"].(type) {
		case uint64:
			return v, true
		case *big.Int:
			if v.IsUint64() {
				return v.Uint64(), true
			}
		}
	}
	return 0, false
}

type settledRecord struct {
	Version     string    `json:"version"`
	Direction   string    `json:"direction"`
	Nonce       string    `json:"nonce"`
	Depositor   string    `json:"depositor"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	SettledAt   time.Time `json:"settledAt"`
}

func (e *Executor) publish(ctx context.Context, rec ledger.DepositRecord, res Result) {
	if e.cfg.Producer == nil {
		return
	}
	out := settledRecord{
		Version:     queue.TopicSettlements,
		Direction:   e.cfg.Direction.String(),
		Nonce:       rec.Nonce.String(),
		Depositor:   rec.Depositor.Hex(),
		Amount:      rec.Amount.String(),
		TxHash:      res.TxHash.Hex(),
		BlockNumber: res.BlockNumber,
		SettledAt:   e.cfg.Now().UTC(),
	}
	key := out.Direction + "/" + out.Nonce
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := queue.PublishJSON(pctx, e.cfg.Producer, e.cfg.Topic, key, out); err != nil {
		e.log.Warn("settlement.publish", "nonce", out.Nonce, "topic", e.cfg.Topic, "error", err)
	}
}
