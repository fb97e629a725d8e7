// Package ledger is the relayer's persisted record of progress and
// idempotency state: per-chain cursors, settled nonces and the deposit audit
// trail.
//
// The Ledger is the only state shared between the watch loops. All mutations
// go through one mutex; Persist snapshots under that mutex and writes outside
// it, so slow storage never blocks settlement bookkeeping.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
)

const (
	defaultAttemptTTL     = 10 * time.Minute
	attemptReleaseTimeout = 5 * time.Second
)

type Options struct {
	// Owner identifies this process on pending-attempt markers.
	Owner string
	// Attempts defaults to an in-process store.
	Attempts   AttemptStore
	AttemptTTL time.Duration

	Now func() time.Time
	Log *slog.Logger
}

type Ledger struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	mu sync.Mutex
	st state

	// persistMu orders snapshot+save pairs so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
}

// Open loads the latest snapshot from backend, or starts empty when none
// exists.
func Open(ctx context.Context, backend Backend, opts Options) (*Ledger, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("%w: empty owner", ErrInvalidConfig)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Attempts == nil {
		opts.Attempts = NewMemoryAttempts(opts.Now)
	}
	if opts.AttemptTTL <= 0 {
		opts.AttemptTTL = defaultAttemptTTL
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st := newState()
	raw, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Info("ledger.open", "snapshot", "none")
	case err != nil:
		return nil, fmt.Errorf("ledger: load: %w", err)
	default:
		st, err = decodeState(raw, opts.Now())
		if err != nil {
			return nil, err
		}
		log.Info("ledger.open",
			"lastSourceBlock", st.cursors[ChainSource],
			"lastDestBlock", st.cursors[ChainDestination],
			"settledMint", len(st.settled[DirectionMint]),
			"settledRelease", len(st.settled[DirectionRelease]),
			"deposits", len(st.order),
		)
	}

	return &Ledger{
		backend: backend,
		opts:    opts,
		log:     log,
		st:      st,
	}, nil
}

// IsSettled reports whether destination-side settlement of nonce n in
// direction dir has been confirmed.
func (l *Ledger) IsSettled(dir Direction, n nonce.Nonce) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.st.settled[dir]
	if !ok {
		return false
	}
	_, settled := set[n]
	return settled
}

// MarkSettled records a confirmed settlement. It returns false if the nonce
// was already settled, in which case nothing changes.
func (l *Ledger) MarkSettled(dir Direction, n nonce.Nonce, txHash common.Hash) (bool, error) {
	if err := validDirection(dir); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.st.settled[dir][n]; ok {
		return false, nil
	}
	l.st.settled[dir][n] = struct{}{}

	k := key{dir: dir, nonce: n}
	if r, ok := l.st.records[k]; ok {
		r.Status = StatusProcessed
		r.SettledAt = l.opts.Now().UTC()
		r.TxHash = txHash
		r.LastError = ""
		l.pruneActiveLocked(r.Depositor, k)
	}
	return true, nil
}

// RecordDeposit tracks a newly observed deposit as Pending. Observing the same
// nonce again returns the existing record and created=false; a different
// depositor or amount for a known nonce is rejected.
func (l *Ledger) RecordDeposit(rec DepositRecord) (DepositRecord, bool, error) {
	if err := validDirection(rec.Direction); err != nil {
		return DepositRecord{}, false, err
	}
	if rec.Amount == nil || rec.Amount.Sign() < 0 {
		return DepositRecord{}, false, fmt.Errorf("%w: amount must be >= 0", ErrInvalidInput)
	}
	if rec.Depositor == (common.Address{}) {
		return DepositRecord{}, false, fmt.Errorf("%w: zero depositor", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{dir: rec.Direction, nonce: rec.Nonce}
	if cur, ok := l.st.records[k]; ok {
		if cur.Depositor != rec.Depositor || cur.Amount.Cmp(rec.Amount) != 0 {
			return DepositRecord{}, false, fmt.Errorf("%w: %s nonce %s", ErrDepositMismatch, rec.Direction, rec.Nonce)
		}
		return cur.clone(), false, nil
	}

	r := rec.clone()
	if r.ObservedAt.IsZero() {
		r.ObservedAt = l.opts.Now().UTC()
	}
	r.Attempts = 0
	r.LastError = ""
	r.Status = StatusPending
	if _, settled := l.st.settled[k.dir][k.nonce]; settled {
		r.Status = StatusProcessed
	}
	l.st.records[k] = &r
	l.st.order = append(l.st.order, k)

	if r.Status == StatusPending && k.dir == DirectionMint {
		l.indexActiveLocked(r.Depositor, k)
	}
	return r.clone(), true, nil
}

// Get returns the tracked record for nonce n in direction dir.
func (l *Ledger) Get(dir Direction, n nonce.Nonce) (DepositRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.st.records[key{dir: dir, nonce: n}]
	if !ok {
		return DepositRecord{}, ErrNotFound
	}
	return r.clone(), nil
}

// List returns records in observation order. DirectionUnknown and
// StatusUnknown match everything.
func (l *Ledger) List(dir Direction, status Status) []DepositRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []DepositRecord
	for _, k := range l.st.order {
		r := l.st.records[k]
		if dir != DirectionUnknown && r.Direction != dir {
			continue
		}
		if status != StatusUnknown && r.Status != status {
			continue
		}
		out = append(out, r.clone())
	}
	return out
}

// Pending returns the Pending records of one direction, oldest first.
func (l *Ledger) Pending(dir Direction) []DepositRecord {
	return l.List(dir, StatusPending)
}

// ActiveByDepositor returns the most recent Pending deposit per depositor.
func (l *Ledger) ActiveByDepositor() map[common.Address]DepositRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[common.Address]DepositRecord, len(l.st.active))
	for addr, k := range l.st.active {
		out[addr] = l.st.records[k].clone()
	}
	return out
}

// RecordAttempt notes a settlement attempt that did not settle. A nil cause
// only bumps the counter.
func (l *Ledger) RecordAttempt(dir Direction, n nonce.Nonce, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.st.records[key{dir: dir, nonce: n}]
	if !ok {
		return ErrNotFound
	}
	r.Attempts++
	r.LastAttemptAt = l.opts.Now().UTC()
	if cause != nil {
		r.LastError = cause.Error()
	}
	return nil
}

// RecordIntent notes a settlement transaction about to be broadcast. A hash
// for the same sender and account nonce joins the existing intent as a
// replacement; any other starts a new intent.
func (l *Ledger) RecordIntent(dir Direction, n nonce.Nonce, from common.Address, accountNonce uint64, txHash common.Hash) error {
	if from == (common.Address{}) || txHash == (common.Hash{}) {
		return fmt.Errorf("%w: intent needs sender and tx hash", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.st.records[key{dir: dir, nonce: n}]
	if !ok {
		return ErrNotFound
	}
	in := r.Intent
	if in == nil || in.From != from || in.AccountNonce != accountNonce {
		r.Intent = &BroadcastIntent{From: from, AccountNonce: accountNonce, TxHashes: []common.Hash{txHash}}
		return nil
	}
	for _, h := range in.TxHashes {
		if h == txHash {
			return nil
		}
	}
	in.TxHashes = append(in.TxHashes, txHash)
	return nil
}

// DropIntent forgets txHash from the record's intent, for a transaction that
// was never broadcast.
func (l *Ledger) DropIntent(dir Direction, n nonce.Nonce, txHash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.st.records[key{dir: dir, nonce: n}]
	if !ok {
		return ErrNotFound
	}
	if r.Intent == nil {
		return nil
	}
	kept := r.Intent.TxHashes[:0]
	for _, h := range r.Intent.TxHashes {
		if h != txHash {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		r.Intent = nil
		return nil
	}
	r.Intent.TxHashes = kept
	return nil
}

// MarkExpired moves a Pending record to Expired. Expired records are not
// retried automatically.
func (l *Ledger) MarkExpired(dir Direction, n nonce.Nonce, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{dir: dir, nonce: n}
	r, ok := l.st.records[k]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusPending {
		return nil
	}
	r.Status = StatusExpired
	if reason != "" {
		r.LastError = reason
	}
	l.pruneActiveLocked(r.Depositor, k)
	return nil
}

// ExpireStale expires every Pending record of dir observed more than after
// ago and returns the records it expired. DirectionUnknown matches both
// directions.
func (l *Ledger) ExpireStale(dir Direction, now time.Time, after time.Duration) []DepositRecord {
	if after <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []DepositRecord
	for _, k := range l.st.order {
		r := l.st.records[k]
		if dir != DirectionUnknown && r.Direction != dir {
			continue
		}
		if r.Status != StatusPending || now.Sub(r.ObservedAt) < after {
			continue
		}
		r.Status = StatusExpired
		if r.LastError == "" {
			r.LastError = "expired without settlement"
		}
		l.pruneActiveLocked(r.Depositor, k)
		out = append(out, r.clone())
	}
	return out
}

// Replay returns an Expired record to Pending so the watch loop retries it.
// It restarts the expiry clock.
func (l *Ledger) Replay(dir Direction, n nonce.Nonce) (DepositRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{dir: dir, nonce: n}
	r, ok := l.st.records[k]
	if !ok {
		return DepositRecord{}, ErrNotFound
	}
	if r.Status != StatusExpired {
		return DepositRecord{}, fmt.Errorf("%w: %s nonce %s is %s", ErrNotExpired, dir, n, r.Status)
	}
	r.Status = StatusPending
	r.ObservedAt = l.opts.Now().UTC()
	r.Attempts = 0
	r.LastError = ""
	if dir == DirectionMint {
		l.indexActiveLocked(r.Depositor, k)
	}
	return r.clone(), nil
}

// GetCursor returns the last processed block for chain.
func (l *Ledger) GetCursor(chain Chain) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.cursors[chain]
}

// SetCursor advances chain's cursor. Moving it backwards is rejected with
// ErrCursorRegression; setting the current value is a no-op.
func (l *Ledger) SetCursor(chain Chain, block uint64) error {
	if chain != ChainSource && chain != ChainDestination {
		return fmt.Errorf("%w: chain %q", ErrInvalidInput, chain)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.st.cursors[chain]
	if block < cur {
		return fmt.Errorf("%w: %s cursor at %d, refusing %d", ErrCursorRegression, chain, cur, block)
	}
	l.st.cursors[chain] = block
	return nil
}

// BeginAttempt takes the pending-attempt marker for one settlement. ok is
// false when another attempt for the same nonce is already in flight. The
// returned release func must be called once the attempt is over.
func (l *Ledger) BeginAttempt(ctx context.Context, dir Direction, n nonce.Nonce) (release func(), ok bool, err error) {
	if err := validDirection(dir); err != nil {
		return nil, false, err
	}
	name := attemptName(dir, n)
	_, ok, err = l.opts.Attempts.TryAcquire(ctx, name, l.opts.Owner, l.opts.AttemptTTL)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: acquire attempt %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptReleaseTimeout)
		defer cancel()
		if err := l.opts.Attempts.Release(rctx, name, l.opts.Owner); err != nil {
			l.log.Warn("ledger.attempt.release", "name", name, "error", err)
		}
	}
	return release, true, nil
}

// Persist writes the full ledger to the backend. A failure is logged and
// returned; in-memory state stays authoritative until the next successful
// Persist.
func (l *Ledger) Persist(ctx context.Context) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	snapshot, err := encodeState(l.st, l.opts.Now())
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("ledger.persist", "error", err)
		return fmt.Errorf("ledger: encode: %w", err)
	}
	if err := l.backend.Save(ctx, snapshot); err != nil {
		l.log.Warn("ledger.persist", "bytes", len(snapshot), "error", err)
		return fmt.Errorf("ledger: persist: %w", err)
	}
	return nil
}

func (l *Ledger) indexActiveLocked(depositor common.Address, k key) {
	if cur, ok := l.st.active[depositor]; ok && cur.nonce > k.nonce {
		return
	}
	l.st.active[depositor] = k
}

// pruneActiveLocked drops k from the depositor index, falling back to the
// depositor's newest remaining Pending deposit.
func (l *Ledger) pruneActiveLocked(depositor common.Address, k key) {
	if cur, ok := l.st.active[depositor]; !ok || cur != k {
		return
	}
	delete(l.st.active, depositor)

	var candidates []key
	for _, c := range l.st.order {
		r := l.st.records[c]
		if c.dir == DirectionMint && r.Depositor == depositor && r.Status == StatusPending {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].nonce > candidates[j].nonce })
	l.st.active[depositor] = candidates[0]
}

func validDirection(dir Direction) error {
	if dir != DirectionMint && dir != DirectionRelease {
		return fmt.Errorf("%w: direction %s", ErrInvalidInput, dir)
	}
	return nil
}

// TotalPending sums the amounts of Pending records in one direction.
func (l *Ledger) TotalPending(dir Direction) *big.Int {
	total := new(big.Int)
	for _, r := range l.Pending(dir) {
		total.Add(total, r.Amount)
	}
	return total
}
