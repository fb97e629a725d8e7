package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
)

var (
	ErrInvalidConfig     = errors.New("ledger: invalid config")
	ErrInvalidInput      = errors.New("ledger: invalid input")
	ErrNotFound          = errors.New("ledger: not found")
	ErrCursorRegression  = errors.New("ledger: cursor regression")
	ErrDepositMismatch   = errors.New("ledger: deposit mismatch")
	ErrNotExpired        = errors.New("ledger: deposit not expired")
	ErrUnsupportedFormat = errors.New("ledger: unsupported snapshot format")
)

// Direction identifies which way value moves for a settlement.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	// DirectionMint settles a source-chain deposit with a destination mint.
	DirectionMint
	// DirectionRelease settles a destination-chain burn with a source release.
	DirectionRelease
)

func (d Direction) String() string {
	switch d {
	case DirectionMint:
		return "mint"
	case DirectionRelease:
		return "release"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mint":
		return DirectionMint, nil
	case "release":
		return DirectionRelease, nil
	default:
		return DirectionUnknown, fmt.Errorf("%w: direction %q", ErrInvalidInput, s)
	}
}

// Chain names one of the two watched chains for cursor bookkeeping.
type Chain string

const (
	ChainSource      Chain = "source"
	ChainDestination Chain = "destination"
)

func ParseChain(s string) (Chain, error) {
	switch Chain(strings.ToLower(strings.TrimSpace(s))) {
	case ChainSource:
		return ChainSource, nil
	case ChainDestination, "dest":
		return ChainDestination, nil
	default:
		return "", fmt.Errorf("%w: chain %q", ErrInvalidInput, s)
	}
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusProcessed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessed:
		return "processed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "processed":
		return StatusProcessed, nil
	case "expired":
		return StatusExpired, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: status %q", ErrInvalidInput, s)
	}
}

// DepositRecord is one lock (or burn) awaiting settlement on the other chain.
// Records are never deleted.
type DepositRecord struct {
	Direction Direction
	Nonce     nonce.Nonce
	Depositor common.Address
	Amount    *big.Int

	ObservedAt time.Time
	Status     Status

	// Where the originating log was observed.
	SourceBlock  uint64
	SourceTxHash common.Hash

	Attempts      int
	LastAttemptAt time.Time
	LastError     string

	SettledAt time.Time
	TxHash    common.Hash

	// Intent is the last settlement transaction handed to the node, kept so
	// a restart can find its outcome before sending another.
	Intent *BroadcastIntent
}

// BroadcastIntent names a signed settlement transaction and its fee-bumped
// replacements. They share one account nonce, so at most one of them mines.
type BroadcastIntent struct {
	From         common.Address
	AccountNonce uint64
	TxHashes     []common.Hash
}

func (r DepositRecord) clone() DepositRecord {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Intent != nil {
		in := *r.Intent
		in.TxHashes = append([]common.Hash(nil), r.Intent.TxHashes...)
		r.Intent = &in
	}
	return r
}

type key struct {
	dir   Direction
	nonce nonce.Nonce
}

func attemptName(dir Direction, n nonce.Nonce) string {
	return "settle/" + dir.String() + "/" + n.String()
}
