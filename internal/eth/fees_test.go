package eth

import (
	"errors"
	"math/big"
	"testing"
)

func gwei(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000)) }

func TestFeePolicy_Initial(t *testing.T) {
	cases := []struct {
		name      string
		policy    FeePolicy
		baseFee   *big.Int
		suggested *big.Int
		wantTip   *big.Int
		wantCap   *big.Int
	}{
		{
			name:      "floor beats suggestion",
			policy:    FeePolicy{TipFloor: big.NewInt(5)},
			baseFee:   big.NewInt(100),
			suggested: big.NewInt(2),
			wantTip:   big.NewInt(5),
			wantCap:   big.NewInt(205),
		},
		{
			name:      "suggestion above floor",
			policy:    FeePolicy{TipFloor: big.NewInt(1)},
			baseFee:   gwei(30),
			suggested: gwei(2),
			wantTip:   gwei(2),
			wantCap:   gwei(62),
		},
		{
			name:      "custom headroom",
			policy:    FeePolicy{TipFloor: big.NewInt(0), BaseFeeHeadroom: 3},
			baseFee:   big.NewInt(10),
			suggested: big.NewInt(1),
			wantTip:   big.NewInt(1),
			wantCap:   big.NewInt(31),
		},
		{
			name:      "nil suggestion uses floor",
			policy:    FeePolicy{TipFloor: big.NewInt(7)},
			baseFee:   big.NewInt(0),
			suggested: nil,
			wantTip:   big.NewInt(7),
			wantCap:   big.NewInt(7),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.policy.Initial(tc.baseFee, tc.suggested)
			if err != nil {
				t.Fatalf("Initial: %v", err)
			}
			if got.Tip.Cmp(tc.wantTip) != 0 || got.Cap.Cmp(tc.wantCap) != 0 {
				t.Fatalf("got %s want tip=%s cap=%s", got, tc.wantTip, tc.wantCap)
			}
		})
	}
}

func TestFeePolicy_InitialDoesNotAliasFloor(t *testing.T) {
	floor := big.NewInt(5)
	p := FeePolicy{TipFloor: floor}
	got, err := p.Initial(big.NewInt(1), big.NewInt(0))
	if err != nil {
		t.Fatalf("Initial: %v", err)
	}
	got.Tip.SetInt64(99)
	if floor.Int64() != 5 {
		t.Fatalf("floor mutated: %s", floor)
	}
}

func TestFeePolicy_BumpEnforcesMinimumIncrement(t *testing.T) {
	p := FeePolicy{TipFloor: big.NewInt(0), BumpPercent: 10, MinTipBump: big.NewInt(1), MinCapBump: big.NewInt(1)}

	// 10% of 1 and 2 rounds to nothing; the minimum increments apply.
	got, err := p.Bump(FeeCaps{Tip: big.NewInt(1), Cap: big.NewInt(2)})
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if got.Tip.Int64() != 2 || got.Cap.Int64() != 3 {
		t.Fatalf("got %s want tip=2 cap=3", got)
	}

	got, err = p.Bump(FeeCaps{Tip: gwei(2), Cap: gwei(62)})
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if got.Tip.Cmp(big.NewInt(2_200_000_000)) != 0 || got.Cap.Cmp(big.NewInt(68_200_000_000)) != 0 {
		t.Fatalf("got %s", got)
	}
}

func TestFeePolicy_BumpKeepsCapAboveTip(t *testing.T) {
	p := FeePolicy{TipFloor: big.NewInt(0), BumpPercent: 10, MinTipBump: big.NewInt(50), MinCapBump: big.NewInt(0)}
	got, err := p.Bump(FeeCaps{Tip: big.NewInt(100), Cap: big.NewInt(100)})
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if got.Cap.Cmp(got.Tip) < 0 {
		t.Fatalf("cap below tip: %s", got)
	}
}

func TestFeePolicy_Rejects(t *testing.T) {
	if _, err := (FeePolicy{}).Initial(big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrInvalidFeePolicy) {
		t.Fatalf("missing floor: got %v", err)
	}
	if _, err := (FeePolicy{TipFloor: big.NewInt(0)}).Initial(nil, big.NewInt(1)); !errors.Is(err, ErrInvalidFeePolicy) {
		t.Fatalf("nil base fee: got %v", err)
	}
	prev := FeeCaps{Tip: big.NewInt(1), Cap: big.NewInt(2)}
	if _, err := (FeePolicy{TipFloor: big.NewInt(0)}).Bump(prev); !errors.Is(err, ErrInvalidFeePolicy) {
		t.Fatalf("no bump percent: got %v", err)
	}
	if _, err := (FeePolicy{TipFloor: big.NewInt(0), BumpPercent: 10, MinTipBump: big.NewInt(-1), MinCapBump: big.NewInt(0)}).Bump(prev); !errors.Is(err, ErrInvalidFeePolicy) {
		t.Fatalf("negative bump: got %v", err)
	}
}
