package nonce

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestFromBig_MatchesPlainInteger(t *testing.T) {
	// An indexed uint256 topic decodes to a left-padded 32-byte integer.
	topic := common.HexToHash("0x000000000000000000000000000000000000000000000000000000000000002a")

	got, err := FromBig(topic.Big())
	if err != nil {
		t.Fatalf("FromBig: %v", err)
	}
	if got != 42 || got.String() != "42" {
		t.Fatalf("got %d want 42", got)
	}
	if got.Big().Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("Big: got %s", got.Big())
	}
}

func TestFromBig_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		v    *big.Int
	}{
		{name: "nil", v: nil},
		{name: "negative", v: big.NewInt(-1)},
		{name: "above_uint64", v: new(big.Int).Lsh(big.NewInt(1), 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromBig(tt.v); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("expected ErrOutOfRange, got %v", err)
			}
		})
	}
}

func TestFromDecimal(t *testing.T) {
	got, err := FromDecimal(" 7 ")
	if err != nil {
		t.Fatalf("FromDecimal: %v", err)
	}
	if got != 7 {
		t.Fatalf("got %d want 7", got)
	}
	if _, err := FromDecimal("0x07"); err == nil {
		t.Fatalf("expected error for hex input")
	}
	if _, err := FromDecimal(""); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for empty input, got %v", err)
	}
}

func TestForRelease_PacksBlockAndLogIndex(t *testing.T) {
	got, err := ForRelease(1000, 3)
	if err != nil {
		t.Fatalf("ForRelease: %v", err)
	}
	if want := Nonce(1000<<20 | 3); got != want {
		t.Fatalf("got %d want %d", got, want)
	}

	other, err := ForRelease(1000, 4)
	if err != nil {
		t.Fatalf("ForRelease: %v", err)
	}
	if other == got {
		t.Fatalf("distinct log positions produced the same nonce")
	}

	if _, err := ForRelease(1, 1<<20); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for oversized log index, got %v", err)
	}
}
