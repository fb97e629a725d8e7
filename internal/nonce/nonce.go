// Package nonce defines the canonical bridge nonce used as the relayer's
// idempotency key.
//
// The escrow contract emits the nonce as an indexed uint256 topic while the
// wrapped-asset contract takes it as a plain uint256 call argument. ABI
// decoding turns both into a big integer, and FromBig normalises it to Nonce
// at the ledger boundary; nothing past that boundary handles the raw forms.
package nonce

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

var ErrOutOfRange = errors.New("nonce: out of range")

// Nonce is a per-transfer integer assigned on the originating chain.
type Nonce uint64

// releaseLogIndexBits is the number of low bits reserved for the log index
// in a derived release nonce.
const releaseLogIndexBits = 20

func (n Nonce) String() string { return strconv.FormatUint(uint64(n), 10) }

// Big returns n as a uint256-compatible big integer.
func (n Nonce) Big() *big.Int { return new(big.Int).SetUint64(uint64(n)) }

func FromBig(v *big.Int) (Nonce, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	return Nonce(v.Uint64()), nil
}

// FromDecimal parses a base-10 nonce, as returned by the attestation
// service ("eventNonce") or typed by an operator.
func FromDecimal(s string) (Nonce, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrOutOfRange)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("nonce: invalid decimal %q", s)
	}
	return FromBig(v)
}

// ForRelease derives the release nonce for a burn log.
//
// Burned(user, amount) carries no nonce, so the position of the log is used:
//
//	nonce = blockNumber << 20 | logIndex
//
// Positions are unique once a block is final, which gives the escrow's
// release(depositor, amount, nonce) a stable replay key across restarts.
func ForRelease(blockNumber uint64, logIndex uint) (Nonce, error) {
	if logIndex >= 1<<releaseLogIndexBits {
		return 0, fmt.Errorf("%w: log index %d", ErrOutOfRange, logIndex)
	}
	if blockNumber >= 1<<(64-releaseLogIndexBits) {
		return 0, fmt.Errorf("%w: block %d", ErrOutOfRange, blockNumber)
	}
	return Nonce(blockNumber<<releaseLogIndexBits | uint64(logIndex)), nil
}
