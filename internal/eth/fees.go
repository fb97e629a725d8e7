package eth

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidFeePolicy = errors.New("eth: invalid fee policy")

const defaultBaseFeeHeadroom = 2

// FeeCaps is the EIP-1559 price of one broadcast.
type FeeCaps struct {
	Tip *big.Int
	Cap *big.Int
}

func (c FeeCaps) String() string {
	return fmt.Sprintf("tip=%s cap=%s", c.Tip, c.Cap)
}

// FeePolicy prices settlement transactions and their replacements.
type FeePolicy struct {
	// TipFloor is the lowest priority fee offered whatever the node suggests.
	TipFloor *big.Int
	// BaseFeeHeadroom multiplies the latest base fee into the fee cap. Zero
	// means 2, which survives roughly six consecutive full blocks.
	BaseFeeHeadroom int64

	// A replacement raises both caps by BumpPercent, and by at least
	// MinTipBump / MinCapBump so small values are not rounded into a
	// replacement the txpool rejects as underpriced.
	BumpPercent int
	MinTipBump  *big.Int
	MinCapBump  *big.Int
}

func (p FeePolicy) validate(replacing bool) error {
	if p.TipFloor == nil || p.TipFloor.Sign() < 0 {
		return fmt.Errorf("%w: tip floor must be >= 0", ErrInvalidFeePolicy)
	}
	if p.BaseFeeHeadroom < 0 {
		return fmt.Errorf("%w: base fee headroom must be >= 0", ErrInvalidFeePolicy)
	}
	if !replacing {
		return nil
	}
	if p.BumpPercent <= 0 {
		return fmt.Errorf("%w: bump percent must be > 0", ErrInvalidFeePolicy)
	}
	if p.MinTipBump == nil || p.MinCapBump == nil || p.MinTipBump.Sign() < 0 || p.MinCapBump.Sign() < 0 {
		return fmt.Errorf("%w: minimum bumps must be >= 0", ErrInvalidFeePolicy)
	}
	return nil
}

// Initial prices a first broadcast from the latest base fee and the node's
// suggested tip.
func (p FeePolicy) Initial(baseFee, suggestedTip *big.Int) (FeeCaps, error) {
	if baseFee == nil || baseFee.Sign() < 0 {
		return FeeCaps{}, fmt.Errorf("%w: base fee", ErrInvalidFeePolicy)
	}
	if p.TipFloor == nil {
		return FeeCaps{}, fmt.Errorf("%w: tip floor", ErrInvalidFeePolicy)
	}
	tip := new(big.Int).Set(p.TipFloor)
	if suggestedTip != nil && suggestedTip.Cmp(tip) > 0 {
		tip.Set(suggestedTip)
	}
	headroom := p.BaseFeeHeadroom
	if headroom == 0 {
		headroom = defaultBaseFeeHeadroom
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(headroom))
	feeCap.Add(feeCap, tip)
	return FeeCaps{Tip: tip, Cap: feeCap}, nil
}

// Bump prices the replacement of a transaction broadcast at prev.
func (p FeePolicy) Bump(prev FeeCaps) (FeeCaps, error) {
	if prev.Tip == nil || prev.Cap == nil || prev.Tip.Sign() < 0 || prev.Cap.Sign() < 0 {
		return FeeCaps{}, fmt.Errorf("%w: previous caps", ErrInvalidFeePolicy)
	}
	if err := p.validate(true); err != nil {
		return FeeCaps{}, err
	}
	next := FeeCaps{
		Tip: raise(prev.Tip, p.BumpPercent, p.MinTipBump),
		Cap: raise(prev.Cap, p.BumpPercent, p.MinCapBump),
	}
	if next.Cap.Cmp(next.Tip) < 0 {
		next.Cap = new(big.Int).Set(next.Tip)
	}
	return next, nil
}

// raise returns v grown by pct percent, or by floor when that is larger.
func raise(v *big.Int, pct int, floor *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Quo(out, big.NewInt(100))
	if byFloor := new(big.Int).Add(v, floor); out.Cmp(byFloor) < 0 {
		out = byFloor
	}
	return out
}
