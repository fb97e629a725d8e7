// Package eth submits relayer transactions: EIP-1559 fee selection, local
// nonce allocation, fee-bumped replacement of stuck transactions and receipt
// polling.
package eth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/bridge-relayer/internal/logging"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")

	// ErrReverted is returned when the call reverts, either in gas
	// estimation or as a mined receipt with status 0.
	ErrReverted = errors.New("eth: transaction reverted")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderConfig struct {
	// Chain labels logs and metrics.
	Chain string

	ChainID            *big.Int
	GasLimitMultiplier float64
	Fees               FeePolicy

	ReceiptPollInterval time.Duration

	// A transaction without a receipt after ReplaceAfter is rebroadcast at
	// Fees.Bump prices, at most MaxReplacements times.
	ReplaceAfter    time.Duration
	MaxReplacements int

	Log   *slog.Logger
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Sender struct {
	backend Backend
	cfg     SenderConfig
	log     *slog.Logger

	signers []Signer
	nonces  map[common.Address]*accountNonces
	rr      uint32
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate

	// BeforeBroadcast, when set, sees every signed transaction (replacements
	// included) before it reaches the node. An error aborts that broadcast.
	BeforeBroadcast func(ctx context.Context, b Broadcast) error
}

// Broadcast identifies a signed transaction about to be sent.
type Broadcast struct {
	From   common.Address
	Nonce  uint64
	TxHash common.Hash
}

// ErrBroadcastAborted wraps a BeforeBroadcast failure. Nothing was sent.
var ErrBroadcastAborted = errors.New("eth: broadcast aborted")

func (r TxRequest) announce(ctx context.Context, from common.Address, tx *types.Transaction) error {
	if r.BeforeBroadcast == nil {
		return nil
	}
	if err := r.BeforeBroadcast(ctx, Broadcast{From: from, Nonce: tx.Nonce(), TxHash: tx.Hash()}); err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcastAborted, err)
	}
	return nil
}

// SendResult describes the last broadcast transaction. On a timeout or a
// revert it is returned alongside the error so callers can log the hash.
type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

func NewSender(backend Backend, signers []Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || len(signers) == 0 {
		return nil, fmt.Errorf("%w: missing backend or signers", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSenderConfig)
	}
	if strings.TrimSpace(cfg.Chain) == "" {
		cfg.Chain = cfg.ChainID.String()
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidSenderConfig)
	}
	if err := cfg.Fees.validate(cfg.MaxReplacements > 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSenderConfig, err)
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, fmt.Errorf("%w: receipt poll interval must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: max replacements must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 {
			return nil, fmt.Errorf("%w: replace after must be > 0", ErrInvalidSenderConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepCtx
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}

	nonces := make(map[common.Address]*accountNonces, len(signers))
	for _, s := range signers {
		if s == nil {
			return nil, fmt.Errorf("%w: nil signer", ErrInvalidSenderConfig)
		}
		addr := s.Address()
		if (addr == common.Address{}) {
			return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
		}
		if _, ok := nonces[addr]; ok {
			return nil, fmt.Errorf("%w: duplicate signer address %s", ErrInvalidSenderConfig, addr)
		}
		nonces[addr] = newAccountNonces(backend, cfg.Chain, addr)
	}

	return &Sender{
		backend: backend,
		cfg:     cfg,
		log:     log.With("chain", cfg.Chain),
		signers: signers,
		nonces:  nonces,
	}, nil
}

// Addresses returns the from-addresses the sender rotates through.
func (s *Sender) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.signers))
	for _, sg := range s.signers {
		out = append(out, sg.Address())
	}
	return out
}

func (s *Sender) pickSigner() (Signer, *accountNonces) {
	i := atomic.AddUint32(&s.rr, 1)
	sg := s.signers[int(i)%len(s.signers)]
	return sg, s.nonces[sg.Address()]
}

// SendAndWaitMined signs, broadcasts and waits for req to be mined, bumping
// fees on a stuck transaction. It returns ErrReverted when the mined receipt
// has status 0. Cancelling ctx stops the wait, not the transaction.
func (s *Sender) SendAndWaitMined(ctx context.Context, req TxRequest) (SendResult, error) {
	sg, nm := s.pickSigner()
	from := sg.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			if isRevert(err) {
				return SendResult{From: from}, fmt.Errorf("%w: estimate: %v", ErrReverted, err)
			}
			return SendResult{From: from}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{From: from}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{From: from}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return SendResult{From: from}, fmt.Errorf("eth: missing baseFee in latest header")
	}

	fees, err := s.cfg.Fees.Initial(header.BaseFee, suggestedTip)
	if err != nil {
		return SendResult{From: from}, err
	}

	nonce, err := nm.reserve(ctx)
	if err != nil {
		return SendResult{From: from}, fmt.Errorf("eth: pending nonce: %w", err)
	}

	gas := gasLimit
	to := req.To
	data := req.Data

	makeSigned := func(fc FeeCaps) (*types.Transaction, error) {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: fc.Tip,
			GasFeeCap: fc.Cap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
		return sg.SignTx(tx, s.cfg.ChainID)
	}

	signed, err := makeSigned(fees)
	if err != nil {
		nm.release(nonce)
		return SendResult{From: from, Nonce: nonce}, err
	}
	if err := req.announce(ctx, from, signed); err != nil {
		nm.release(nonce)
		return SendResult{From: from, Nonce: nonce}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		if isNonceTooLow(err) {
			// Another holder of the key advanced the account.
			if rerr := nm.refresh(ctx); rerr != nil {
				s.log.Warn("tx.nonce_refresh_failed", "from", from.Hex(), "error", rerr)
			}
		} else {
			nm.release(nonce)
		}
		return SendResult{From: from, Nonce: nonce}, fmt.Errorf("eth: send: %w", err)
	}
	TxSent.WithLabelValues(s.cfg.Chain).Inc()
	s.log.Info("tx.sent", "from", from.Hex(), "nonce", nonce, "tx", signed.Hash().Hex(), "to", to.Hex(), "gas", gas)

	res := SendResult{From: from, Nonce: nonce, TxHash: signed.Hash()}
	sent := []common.Hash{signed.Hash()}
	startedAt := s.cfg.Now()
	lastSentAt := startedAt

	for {
		for _, txh := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, txh)
			if err == nil {
				res.TxHash = txh
				res.Receipt = receipt
				TxConfirmSeconds.WithLabelValues(s.cfg.Chain).Observe(s.cfg.Now().Sub(startedAt).Seconds())
				if receipt.Status != types.ReceiptStatusSuccessful {
					TxReverted.WithLabelValues(s.cfg.Chain).Inc()
					return res, fmt.Errorf("%w: tx %s in block %v", ErrReverted, txh.Hex(), receipt.BlockNumber)
				}
				return res, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return res, fmt.Errorf("eth: receipt %s: %w", txh.Hex(), err)
			}
		}

		if s.cfg.MaxReplacements > 0 && res.Replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			bumped, err := s.cfg.Fees.Bump(fees)
			if err != nil {
				return res, err
			}
			fees = bumped

			signed, err := makeSigned(fees)
			if err != nil {
				return res, err
			}
			if err := req.announce(ctx, from, signed); err != nil {
				// The original is still in the pool; keep waiting on it.
				s.log.Warn("tx.replace_aborted", "nonce", nonce, "tx", signed.Hash().Hex(), "error", err)
				lastSentAt = s.cfg.Now()
				continue
			}
			if err := s.backend.SendTransaction(ctx, signed); err != nil {
				return res, fmt.Errorf("eth: send replacement: %w", err)
			}
			sent = append(sent, signed.Hash())
			res.TxHash = signed.Hash()
			lastSentAt = s.cfg.Now()
			res.Replacements++
			TxReplacements.WithLabelValues(s.cfg.Chain).Inc()
			s.log.Warn("tx.replaced", "nonce", nonce, "tx", signed.Hash().Hex(), "replacements", res.Replacements, "tip_cap", fees.Tip.String(), "fee_cap", fees.Cap.String())
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return res, err
		}
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// SleepCtx waits for d or until ctx is done.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
