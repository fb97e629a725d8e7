package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
)

const snapshotVersion = 1

// maxSafeInteger is the largest integer a JSON consumer using IEEE-754
// doubles can represent exactly. Larger values are written as strings.
var maxSafeInteger = big.NewInt(1<<53 - 1)

// jsonInt is an arbitrary-precision integer that encodes as a JSON number
// when it is safe to do so and as a decimal string otherwise. Both forms are
// accepted when decoding.
type jsonInt struct {
	v *big.Int
}

func intOf(v *big.Int) jsonInt { return jsonInt{v: v} }
func uintOf(v uint64) jsonInt { return jsonInt{v: new(big.Int).SetUint64(v)} }
func nonceOf(n nonce.Nonce) jsonInt { return jsonInt{v: n.Big()} }

func (j jsonInt) MarshalJSON() ([]byte, error) {
	if j.v == nil {
		return []byte("0"), nil
	}
	if new(big.Int).Abs(j.v).Cmp(maxSafeInteger) <= 0 {
		return []byte(j.v.String()), nil
	}
	return json.Marshal(j.v.String())
}

func (j *jsonInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		j.v = nil
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return fmt.Errorf("%w: invalid integer %q", ErrUnsupportedFormat, s)
	}
	j.v = v
	return nil
}

func (j jsonInt) bigOrZero() *big.Int {
	if j.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(j.v)
}

func (j jsonInt) uint64() (uint64, error) {
	if j.v == nil {
		return 0, nil
	}
	if j.v.Sign() < 0 || !j.v.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit uint64", ErrUnsupportedFormat, j.v)
	}
	return j.v.Uint64(), nil
}

func (j jsonInt) nonce() (nonce.Nonce, error) {
	return nonce.FromBig(j.bigOrZero())
}

type snapshotJSON struct {
	Version                int                          `json:"version"`
	LastSourceBlock        jsonInt                      `json:"lastSourceBlock"`
	LastDestBlock          jsonInt                      `json:"lastDestBlock"`
	ProcessedNonces        []jsonInt                    `json:"processedNonces"`
	ProcessedReleaseNonces []jsonInt                    `json:"processedReleaseNonces,omitempty"`
	ActiveDeposits         map[string]activeDepositJSON `json:"activeDeposits"`
	Deposits               []depositJSON                `json:"deposits,omitempty"`
	UpdatedAt              time.Time                    `json:"updatedAt"`
}

type activeDepositJSON struct {
	Nonce     jsonInt `json:"nonce"`
	Amount    jsonInt `json:"amount"`
	Depositor string  `json:"depositor"`
}

type depositJSON struct {
	Direction     string      `json:"direction"`
	Nonce         jsonInt     `json:"nonce"`
	Depositor     string      `json:"depositor"`
	Amount        jsonInt     `json:"amount"`
	ObservedAt    time.Time   `json:"observedAt"`
	Status        string      `json:"status"`
	SourceBlock   uint64      `json:"sourceBlock,omitempty"`
	SourceTxHash  string      `json:"sourceTxHash,omitempty"`
	Attempts      int         `json:"attempts,omitempty"`
	LastAttemptAt *time.Time  `json:"lastAttemptAt,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
	SettledAt     *time.Time  `json:"settledAt,omitempty"`
	TxHash        string      `json:"txHash,omitempty"`
	Intent        *intentJSON `json:"intent,omitempty"`
}

type intentJSON struct {
	From         string   `json:"from"`
	AccountNonce uint64   `json:"accountNonce"`
	TxHashes     []string `json:"txHashes"`
}

func encodeIntent(in *BroadcastIntent) *intentJSON {
	if in == nil {
		return nil
	}
	out := &intentJSON{
		From:         strings.ToLower(in.From.Hex()),
		AccountNonce: in.AccountNonce,
		TxHashes:     make([]string, 0, len(in.TxHashes)),
	}
	for _, h := range in.TxHashes {
		out.TxHashes = append(out.TxHashes, h.Hex())
	}
	return out
}

func decodeIntent(in *intentJSON) (*BroadcastIntent, error) {
	if in == nil {
		return nil, nil
	}
	if !common.IsHexAddress(in.From) || len(in.TxHashes) == 0 {
		return nil, fmt.Errorf("%w: intent from %q with %d hashes", ErrUnsupportedFormat, in.From, len(in.TxHashes))
	}
	out := &BroadcastIntent{From: common.HexToAddress(in.From), AccountNonce: in.AccountNonce}
	for _, h := range in.TxHashes {
		out.TxHashes = append(out.TxHashes, common.HexToHash(h))
	}
	return out, nil
}

// state is the serialisable content of a Ledger.
type state struct {
	cursors map[Chain]uint64
	settled map[Direction]map[nonce.Nonce]struct{}
	records map[key]*DepositRecord
	order   []key
	active  map[common.Address]key
}

func newState() state {
	return state{
		cursors: make(map[Chain]uint64, 2),
		settled: map[Direction]map[nonce.Nonce]struct{}{
			DirectionMint:    make(map[nonce.Nonce]struct{}),
			DirectionRelease: make(map[nonce.Nonce]struct{}),
		},
		records: make(map[key]*DepositRecord),
		active:  make(map[common.Address]key),
	}
}

func sortedNonces(set map[nonce.Nonce]struct{}) []jsonInt {
	ns := make([]nonce.Nonce, 0, len(set))
	for n := range set {
		ns = append(ns, n)
	}
	sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
	out := make([]jsonInt, 0, len(ns))
	for _, n := range ns {
		out = append(out, nonceOf(n))
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func encodeState(s state, now time.Time) ([]byte, error) {
	out := snapshotJSON{
		Version:                snapshotVersion,
		LastSourceBlock:        uintOf(s.cursors[ChainSource]),
		LastDestBlock:          uintOf(s.cursors[ChainDestination]),
		ProcessedNonces:        sortedNonces(s.settled[DirectionMint]),
		ProcessedReleaseNonces: sortedNonces(s.settled[DirectionRelease]),
		ActiveDeposits:         make(map[string]activeDepositJSON, len(s.active)),
		Deposits:               make([]depositJSON, 0, len(s.order)),
		UpdatedAt:              now.UTC(),
	}
	for addr, k := range s.active {
		r, ok := s.records[k]
		if !ok {
			continue
		}
		depositor := strings.ToLower(addr.Hex())
		out.ActiveDeposits[depositor] = activeDepositJSON{
			Nonce:     nonceOf(r.Nonce),
			Amount:    intOf(r.Amount),
			Depositor: depositor,
		}
	}
	for _, k := range s.order {
		r := s.records[k]
		out.Deposits = append(out.Deposits, depositJSON{
			Direction:     r.Direction.String(),
			Nonce:         nonceOf(r.Nonce),
			Depositor:     strings.ToLower(r.Depositor.Hex()),
			Amount:        intOf(r.Amount),
			ObservedAt:    r.ObservedAt.UTC(),
			Status:        r.Status.String(),
			SourceBlock:   r.SourceBlock,
			SourceTxHash:  hashString(r.SourceTxHash),
			Attempts:      r.Attempts,
			LastAttemptAt: optionalTime(r.LastAttemptAt),
			LastError:     r.LastError,
			SettledAt:     optionalTime(r.SettledAt),
			TxHash:        hashString(r.TxHash),
			Intent:        encodeIntent(r.Intent),
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

func decodeState(b []byte, now time.Time) (state, error) {
	s := newState()

	var in snapshotJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return state{}, fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	// Snapshots written before the version field are the same layout.
	if in.Version != 0 && in.Version != snapshotVersion {
		return state{}, fmt.Errorf("%w: version %d", ErrUnsupportedFormat, in.Version)
	}

	var err error
	if s.cursors[ChainSource], err = in.LastSourceBlock.uint64(); err != nil {
		return state{}, err
	}
	if s.cursors[ChainDestination], err = in.LastDestBlock.uint64(); err != nil {
		return state{}, err
	}
	for dir, list := range map[Direction][]jsonInt{
		DirectionMint:    in.ProcessedNonces,
		DirectionRelease: in.ProcessedReleaseNonces,
	} {
		for _, v := range list {
			n, err := v.nonce()
			if err != nil {
				return state{}, err
			}
			s.settled[dir][n] = struct{}{}
		}
	}

	for i, d := range in.Deposits {
		dir, err := ParseDirection(d.Direction)
		if err != nil {
			return state{}, fmt.Errorf("ledger: deposit %d: %w", i, err)
		}
		status, err := ParseStatus(d.Status)
		if err != nil {
			return state{}, fmt.Errorf("ledger: deposit %d: %w", i, err)
		}
		n, err := d.Nonce.nonce()
		if err != nil {
			return state{}, fmt.Errorf("ledger: deposit %d: %w", i, err)
		}
		if !common.IsHexAddress(d.Depositor) {
			return state{}, fmt.Errorf("%w: deposit %d depositor %q", ErrUnsupportedFormat, i, d.Depositor)
		}
		rec := &DepositRecord{
			Direction:    dir,
			Nonce:        n,
			Depositor:    common.HexToAddress(d.Depositor),
			Amount:       d.Amount.bigOrZero(),
			ObservedAt:   d.ObservedAt,
			Status:       status,
			SourceBlock:  d.SourceBlock,
			SourceTxHash: common.HexToHash(d.SourceTxHash),
			Attempts:     d.Attempts,
			LastError:    d.LastError,
			TxHash:       common.HexToHash(d.TxHash),
		}
		if rec.Intent, err = decodeIntent(d.Intent); err != nil {
			return state{}, fmt.Errorf("ledger: deposit %d: %w", i, err)
		}
		if d.LastAttemptAt != nil {
			rec.LastAttemptAt = *d.LastAttemptAt
		}
		if d.SettledAt != nil {
			rec.SettledAt = *d.SettledAt
		}
		k := key{dir: dir, nonce: n}
		if _, dup := s.records[k]; dup {
			return state{}, fmt.Errorf("%w: duplicate deposit %s/%s", ErrUnsupportedFormat, dir, n)
		}
		s.records[k] = rec
		s.order = append(s.order, k)
	}

	for addr, a := range in.ActiveDeposits {
		depositor := a.Depositor
		if depositor == "" {
			depositor = addr
		}
		if !common.IsHexAddress(depositor) {
			return state{}, fmt.Errorf("%w: active deposit depositor %q", ErrUnsupportedFormat, depositor)
		}
		n, err := a.Nonce.nonce()
		if err != nil {
			return state{}, err
		}
		k := key{dir: DirectionMint, nonce: n}
		if _, ok := s.records[k]; !ok {
			// Snapshots that only carry the active index still restore the
			// pending work they describe.
			if _, settled := s.settled[DirectionMint][n]; settled {
				continue
			}
			s.records[k] = &DepositRecord{
				Direction:  DirectionMint,
				Nonce:      n,
				Depositor:  common.HexToAddress(depositor),
				Amount:     a.Amount.bigOrZero(),
				ObservedAt: now,
				Status:     StatusPending,
			}
			s.order = append(s.order, k)
		}
		s.active[common.HexToAddress(depositor)] = k
	}

	// Settled nonces always win over a stale record status.
	for k, r := range s.records {
		if _, ok := s.settled[k.dir][k.nonce]; ok && r.Status != StatusProcessed {
			r.Status = StatusProcessed
		}
		if r.Status == StatusProcessed {
			s.settled[k.dir][k.nonce] = struct{}{}
		}
	}
	for addr, k := range s.active {
		if r := s.records[k]; r.Status != StatusPending {
			delete(s.active, addr)
		}
	}
	return s, nil
}
