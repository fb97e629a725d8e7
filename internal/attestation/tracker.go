// Package attestation follows CCTP-style burns until the attestation
// service has signed them. Each tracked transaction moves
// sent → pending_attestation → complete and never goes back; absence of data
// from the service always means "still pending", never "failed".
package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/juno-intents/bridge-relayer/internal/queue"
	"github.com/juno-intents/bridge-relayer/internal/scheduler"
)

var ErrInvalidInput = errors.New("attestation: invalid input")

type Status string

const (
	StatusSent               Status = "sent"
	StatusPendingAttestation Status = "pending_attestation"
	StatusComplete           Status = "complete"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusPendingAttestation:
		return 2
	case StatusComplete:
		return 3
	default:
		return 0
	}
}

// Descriptor registers a burn for tracking.
type Descriptor struct {
	TransactionHash   common.Hash
	MessageHash       string
	Nonce             uint64
	Sender            common.Address
	DestinationDomain uint32
	Amount            *big.Int
}

type BridgeTransaction struct {
	TransactionHash   common.Hash
	MessageHash       string
	Nonce             uint64
	Sender            common.Address
	DestinationDomain uint32
	Amount            *big.Int

	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time

	Attestation  string
	Message      string
	EventNonce   string
	Polls        int
	LastPolledAt time.Time
	LastError    string

	// Delayed is set when the transaction has been outstanding longer than
	// the tracker's delay threshold. It is informational only.
	Delayed bool
}

func (b BridgeTransaction) clone() BridgeTransaction {
	out := b
	if b.Amount != nil {
		out.Amount = new(big.Int).Set(b.Amount)
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// MessagesClient is the attestation service lookup.
type MessagesClient interface {
	GetMessages(ctx context.Context, txHash string) (MessagesResponse, error)
}

type TrackerConfig struct {
	// DelayThreshold flags a transaction as delayed. Defaults to 20m.
	DelayThreshold time.Duration
	// Retention keeps completed transactions visible before eviction.
	// Defaults to 1h.
	Retention time.Duration

	// Producer, when set, receives one record per completed attestation.
	Producer queue.Producer
	Topic    string

	Now func() time.Time
	Log *slog.Logger
}

// Tracker owns the set of tracked bridge transactions.
type Tracker struct {
	client MessagesClient
	cfg    TrackerConfig
	log    *slog.Logger

	mu  sync.Mutex
	txs map[common.Hash]*BridgeTransaction
}

func NewTracker(client MessagesClient, cfg TrackerConfig) (*Tracker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil messages client", ErrInvalidConfig)
	}
	if cfg.DelayThreshold < 0 || cfg.Retention < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if cfg.DelayThreshold == 0 {
		cfg.DelayThreshold = 20 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Topic == "" {
		cfg.Topic = queue.TopicAttestations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Tracker{
		client: client,
		cfg:    cfg,
		log:    log,
		txs:    make(map[common.Hash]*BridgeTransaction),
	}, nil
}

// TrackBridge registers d in state sent. Registering a hash that is already
// tracked returns the existing entry unchanged.
func (t *Tracker) TrackBridge(d Descriptor) (BridgeTransaction, error) {
	if d.TransactionHash == (common.Hash{}) {
		return BridgeTransaction{}, fmt.Errorf("%w: missing transaction hash", ErrInvalidInput)
	}
	if d.Amount != nil && d.Amount.Sign() < 0 {
		return BridgeTransaction{}, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.txs[d.TransactionHash]; ok {
		return existing.clone(), nil
	}
	tx := &BridgeTransaction{
		TransactionHash:   d.TransactionHash,
		MessageHash:       d.MessageHash,
		Nonce:             d.Nonce,
		Sender:            d.Sender,
		DestinationDomain: d.DestinationDomain,
		Status:            StatusSent,
		CreatedAt:         t.cfg.Now().UTC(),
	}
	if d.Amount != nil {
		tx.Amount = new(big.Int).Set(d.Amount)
	}
	t.txs[d.TransactionHash] = tx
	Tracked.WithLabelValues(string(StatusSent)).Inc()
	t.log.Info("attestation.track",
		"tx", d.TransactionHash.Hex(),
		"nonce", d.Nonce,
		"destination_domain", d.DestinationDomain,
		"amount", amountString(d.Amount),
	)
	return tx.clone(), nil
}

func (t *Tracker) Get(txHash common.Hash) (BridgeTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[txHash]
	if !ok {
		return BridgeTransaction{}, false
	}
	out := tx.clone()
	out.Delayed = t.delayedLocked(tx)
	return out, true
}

// IsDelayed reports whether tx has been outstanding longer than the delay
// threshold without completing.
func (t *Tracker) IsDelayed(tx BridgeTransaction) bool {
	return tx.Status != StatusComplete && t.cfg.Now().Sub(tx.CreatedAt) > t.cfg.DelayThreshold
}

func (t *Tracker) delayedLocked(tx *BridgeTransaction) bool {
	return t.IsDelayed(*tx)
}

// GetActiveBridges returns every transaction not yet complete, oldest first.
func (t *Tracker) GetActiveBridges() []BridgeTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]BridgeTransaction, 0, len(t.txs))
	for _, tx := range t.txs {
		if tx.Status == StatusComplete {
			continue
		}
		c := tx.clone()
		c.Delayed = t.delayedLocked(tx)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TransactionHash.Hex() < out[j].TransactionHash.Hex()
	})
	return out
}

// All returns every tracked transaction including retained completed ones.
func (t *Tracker) All() []BridgeTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]BridgeTransaction, 0, len(t.txs))
	for _, tx := range t.txs {
		c := tx.clone()
		c.Delayed = t.delayedLocked(tx)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PollAttestation queries the service once for txHash and advances its
// status. The bool is false when txHash is not tracked. Polling a complete
// transaction is a no-op. Service errors leave the status unchanged.
func (t *Tracker) PollAttestation(ctx context.Context, txHash common.Hash) (BridgeTransaction, bool) {
	out, ok, _ := t.poll(ctx, txHash)
	return out, ok
}

// poll is PollAttestation that also returns the service error.
func (t *Tracker) poll(ctx context.Context, txHash common.Hash) (BridgeTransaction, bool, error) {
	t.mu.Lock()
	tx, ok := t.txs[txHash]
	if !ok {
		t.mu.Unlock()
		return BridgeTransaction{}, false, nil
	}
	if tx.Status == StatusComplete {
		out := tx.clone()
		t.mu.Unlock()
		return out, true, nil
	}
	t.mu.Unlock()

	resp, err := t.client.GetMessages(ctx, txHash.Hex())

	t.mu.Lock()
	now := t.cfg.Now().UTC()
	tx.Polls++
	tx.LastPolledAt = now
	var completed *BridgeTransaction
	switch {
	case err != nil:
		tx.LastError = err.Error()
		t.log.Warn("attestation.poll", "tx", txHash.Hex(), "status", string(tx.Status), "polls", tx.Polls, "error", err)
	default:
		tx.LastError = ""
		msg, done := pickComplete(resp.Messages)
		if !done {
			t.advanceLocked(tx, StatusPendingAttestation)
			break
		}
		tx.Attestation = msg.Attestation
		tx.Message = msg.Message
		tx.EventNonce = msg.EventNonce
		if msg.MessageHash != "" {
			tx.MessageHash = msg.MessageHash
		}
		if t.advanceLocked(tx, StatusComplete) {
			tx.CompletedAt = &now
			c := tx.clone()
			completed = &c
		}
	}
	out := tx.clone()
	out.Delayed = t.delayedLocked(tx)
	t.mu.Unlock()

	if completed != nil {
		t.log.Info("attestation.complete",
			"tx", txHash.Hex(),
			"event_nonce", completed.EventNonce,
			"elapsed", completed.CompletedAt.Sub(completed.CreatedAt).String(),
			"polls", completed.Polls,
		)
		t.publish(ctx, *completed)
	}
	return out, true, err
}

func pickComplete(msgs []Message) (Message, bool) {
	for _, m := range msgs {
		if m.Complete() {
			return m, true
		}
	}
	return Message{}, false
}

// advanceLocked moves tx forward to s; it never moves backwards.
func (t *Tracker) advanceLocked(tx *BridgeTransaction, s Status) bool {
	if s.rank() <= tx.Status.rank() {
		return false
	}
	from := tx.Status
	tx.Status = s
	Transitions.WithLabelValues(string(from), string(s)).Inc()
	t.log.Debug("attestation.status", "tx", tx.TransactionHash.Hex(), "from", string(from), "to", string(s))
	return true
}

// PollActive polls every active transaction once and evicts completed
// transactions older than the retention window.
func (t *Tracker) PollActive(ctx context.Context) error {
	active := t.GetActiveBridges()
	for i, tx := range active {
		if ctx.Err() != nil || scheduler.ShuttingDown(ctx) {
			break
		}
		_, _, err := t.poll(ctx, tx.TransactionHash)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsRateLimited() {
			// The rest wait for the next tick.
			t.log.Warn("attestation.throttled", "polled", i+1, "deferred", len(active)-i-1)
			break
		}
	}
	t.evict()
	t.updateGauges()
	return nil
}

func (t *Tracker) evict() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.cfg.Now()
	for h, tx := range t.txs {
		if tx.Status == StatusComplete && tx.CompletedAt != nil && now.Sub(*tx.CompletedAt) > t.cfg.Retention {
			delete(t.txs, h)
			t.log.Debug("attestation.evict", "tx", h.Hex())
		}
	}
}

func (t *Tracker) updateGauges() {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[Status]int{StatusSent: 0, StatusPendingAttestation: 0, StatusComplete: 0}
	delayed := 0
	for _, tx := range t.txs {
		counts[tx.Status]++
		if t.delayedLocked(tx) {
			delayed++
			t.log.Warn("attestation.delayed", "tx", tx.TransactionHash.Hex(), "status", string(tx.Status), "age", t.cfg.Now().Sub(tx.CreatedAt).Round(time.Second).String())
		}
	}
	for s, n := range counts {
		Current.WithLabelValues(string(s)).Set(float64(n))
	}
	Delayed.Set(float64(delayed))
}

// StartPoller polls active transactions every interval until the handle is
// stopped or ctx is done.
func (t *Tracker) StartPoller(ctx context.Context, interval time.Duration) (*scheduler.Handle, error) {
	loop, err := t.PollerLoop(interval)
	if err != nil {
		return nil, err
	}
	return loop.Start(ctx), nil
}

// PollerLoop returns the poll loop without starting it, for callers that
// run it under a shared scheduler.
func (t *Tracker) PollerLoop(interval time.Duration) (*scheduler.Loop, error) {
	return scheduler.NewLoop(t.Task(interval), t.log)
}

func (t *Tracker) Task(interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:      "attestation-poll",
		Interval:  interval,
		Immediate: true,
		Run:       t.PollActive,
	}
}

type completedRecord struct {
	Version           string    `json:"version"`
	TransactionHash   string    `json:"transactionHash"`
	MessageHash       string    `json:"messageHash,omitempty"`
	Nonce             uint64    `json:"nonce"`
	EventNonce        string    `json:"eventNonce,omitempty"`
	Sender            string    `json:"sender"`
	DestinationDomain uint32    `json:"destinationDomain"`
	Amount            string    `json:"amount"`
	Attestation       string    `json:"attestation"`
	Message           string    `json:"message"`
	CreatedAt         time.Time `json:"createdAt"`
	CompletedAt       time.Time `json:"completedAt"`
}

func (t *Tracker) publish(ctx context.Context, tx BridgeTransaction) {
	if t.cfg.Producer == nil {
		return
	}
	rec := completedRecord{
		Version:           queue.TopicAttestations,
		TransactionHash:   tx.TransactionHash.Hex(),
		MessageHash:       tx.MessageHash,
		Nonce:             tx.Nonce,
		EventNonce:        tx.EventNonce,
		Sender:            tx.Sender.Hex(),
		DestinationDomain: tx.DestinationDomain,
		Amount:            amountString(tx.Amount),
		Attestation:       tx.Attestation,
		Message:           tx.Message,
		CreatedAt:         tx.CreatedAt,
		CompletedAt:       *tx.CompletedAt,
	}
	if err := queue.PublishJSON(ctx, t.cfg.Producer, t.cfg.Topic, rec.TransactionHash, rec); err != nil {
		t.log.Warn("attestation.publish", "tx", rec.TransactionHash, "topic", t.cfg.Topic, "error", err)
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
