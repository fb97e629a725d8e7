package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const devKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip *big.Int
	baseFee    *big.Int
	gasEst     uint64
	estErr     error

	sent []*types.Transaction

	receipts map[common.Hash]*types.Receipt

	sendHook func(tx *types.Transaction) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     50_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estErr != nil {
		return 0, b.estErr
	}
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newTestSender(t *testing.T, backend Backend, mutate func(*SenderConfig)) *Sender {
	t.Helper()
	key, err := crypto.HexToECDSA(devKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}
	cfg := SenderConfig{
		Chain:               "destination",
		ChainID:             big.NewInt(8453),
		GasLimitMultiplier:  1.2,
		Fees:                FeePolicy{TipFloor: big.NewInt(1)},
		ReceiptPollInterval: 5 * time.Second,
		Now:                 clock.Now,
		Sleep:               clock.Sleep,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSender(backend, []Signer{mustKeySigner(t, key)}, cfg)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return s
}

var mintTo = common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")

func TestSender_ReplacesStuckTxByBumpingFees(t *testing.T) {
	backend := newFakeBackend()
	// Mine the second (replacement) tx.
	backend.sendHook = func(tx *types.Transaction) error {
		if len(backend.sent) == 2 {
			backend.receipts[tx.Hash()] = &types.Receipt{
				TxHash:      tx.Hash(),
				Status:      types.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(1),
			}
		}
		return nil
	}

	s := newTestSender(t, backend, func(c *SenderConfig) {
		c.ReplaceAfter = 10 * time.Second
		c.MaxReplacements = 1
		c.Fees.BumpPercent = 10
		c.Fees.MinTipBump = big.NewInt(1)
		c.Fees.MinCapBump = big.NewInt(1)
	})

	res, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo, Data: []byte{0x01, 0x02}})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if res.Receipt == nil || res.Replacements != 1 {
		t.Fatalf("result: %+v", res)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()

	if backend.nonceCalls != 1 {
		t.Fatalf("PendingNonceAt calls: got %d want %d", backend.nonceCalls, 1)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("sent txs: got %d want %d", len(backend.sent), 2)
	}
	tx0, tx1 := backend.sent[0], backend.sent[1]
	if tx0.Nonce() != 0 || tx1.Nonce() != 0 {
		t.Fatalf("nonce mismatch: %d %d", tx0.Nonce(), tx1.Nonce())
	}
	if tx1.GasTipCap().Cmp(tx0.GasTipCap()) <= 0 || tx1.GasFeeCap().Cmp(tx0.GasFeeCap()) <= 0 {
		t.Fatalf("fees not bumped: tip %s->%s fee %s->%s", tx0.GasTipCap(), tx1.GasTipCap(), tx0.GasFeeCap(), tx1.GasFeeCap())
	}
	if tx0.Gas() != 60_000 {
		t.Fatalf("gas limit: got %d want 60000", tx0.Gas())
	}
	if res.TxHash != tx1.Hash() {
		t.Fatalf("result hash: got %s want %s", res.TxHash, tx1.Hash())
	}
}

func TestSender_RevertedReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.sendHook = func(tx *types.Transaction) error {
		backend.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(9),
		}
		return nil
	}
	s := newTestSender(t, backend, nil)

	res, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if res.Receipt == nil || res.TxHash == (common.Hash{}) {
		t.Fatalf("expected the reverted receipt in the result: %+v", res)
	}
}

func TestSender_EstimateRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.estErr = errors.New("execution reverted: nonce already used")
	s := newTestSender(t, backend, nil)

	_, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("nothing should be broadcast, got %d", len(backend.sent))
	}
}

func TestSender_FailedBroadcastReusesNonce(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 7
	fail := true
	backend.sendHook = func(tx *types.Transaction) error {
		if fail {
			fail = false
			return errors.New("insufficient funds for gas")
		}
		backend.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		return nil
	}
	s := newTestSender(t, backend, nil)

	if _, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo}); err == nil {
		t.Fatalf("expected broadcast error")
	}
	res, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo})
	if err != nil {
		t.Fatalf("SendAndWaitMined #2: %v", err)
	}
	if res.Nonce != 7 {
		t.Fatalf("nonce after failed broadcast: got %d want 7", res.Nonce)
	}
}

func TestSender_NonceTooLowAdoptsNodeNonce(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 3
	fail := true
	backend.sendHook = func(tx *types.Transaction) error {
		if fail {
			fail = false
			// Another process signed with the same key.
			backend.pendingNonce = 9
			return errors.New("nonce too low: next nonce 9, tx nonce 3")
		}
		backend.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		return nil
	}
	s := newTestSender(t, backend, nil)

	if _, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo}); err == nil {
		t.Fatalf("expected broadcast error")
	}
	res, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo})
	if err != nil {
		t.Fatalf("SendAndWaitMined #2: %v", err)
	}
	if res.Nonce != 9 {
		t.Fatalf("nonce after refresh: got %d want 9", res.Nonce)
	}
}

func TestSender_BeforeBroadcastSeesEverySignedTx(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 4
	backend.sendHook = func(tx *types.Transaction) error {
		if len(backend.sent) == 2 {
			backend.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		}
		return nil
	}
	s := newTestSender(t, backend, func(c *SenderConfig) {
		c.ReplaceAfter = 10 * time.Second
		c.MaxReplacements = 1
		c.Fees.BumpPercent = 10
		c.Fees.MinTipBump = big.NewInt(1)
		c.Fees.MinCapBump = big.NewInt(1)
	})

	var seen []Broadcast
	res, err := s.SendAndWaitMined(context.Background(), TxRequest{
		To: mintTo,
		BeforeBroadcast: func(_ context.Context, b Broadcast) error {
			backend.mu.Lock()
			defer backend.mu.Unlock()
			// Announced before the node has it.
			for _, tx := range backend.sent {
				if tx.Hash() == b.TxHash {
					t.Errorf("tx %s announced after broadcast", b.TxHash)
				}
			}
			seen = append(seen, b)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("announcements: got %d want 2", len(seen))
	}
	for i, b := range seen {
		if b.Nonce != 4 || b.From != res.From || b.TxHash != backend.sent[i].Hash() {
			t.Fatalf("announcement %d: %+v", i, b)
		}
	}
}

func TestSender_BeforeBroadcastErrorSendsNothing(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 2
	s := newTestSender(t, backend, nil)

	_, err := s.SendAndWaitMined(context.Background(), TxRequest{
		To:              mintTo,
		BeforeBroadcast: func(context.Context, Broadcast) error { return errors.New("disk full") },
	})
	if !errors.Is(err, ErrBroadcastAborted) {
		t.Fatalf("expected ErrBroadcastAborted, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("nothing should be broadcast, got %d", len(backend.sent))
	}

	// The reserved nonce goes back to the pool.
	backend.sendHook = func(tx *types.Transaction) error {
		backend.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		return nil
	}
	res, err := s.SendAndWaitMined(context.Background(), TxRequest{To: mintTo})
	if err != nil {
		t.Fatalf("SendAndWaitMined #2: %v", err)
	}
	if res.Nonce != 2 {
		t.Fatalf("nonce after aborted broadcast: got %d want 2", res.Nonce)
	}
}

func TestSender_WaitTimeoutKeepsTxHash(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSender(t, backend, func(c *SenderConfig) {
		c.ReceiptPollInterval = time.Millisecond
		c.Now = time.Now
		c.Sleep = SleepCtx
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := s.SendAndWaitMined(ctx, TxRequest{To: mintTo})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if res.TxHash == (common.Hash{}) || res.Receipt != nil {
		t.Fatalf("expected broadcast hash without receipt: %+v", res)
	}
}

func TestNewSender_Validation(t *testing.T) {
	key, err := crypto.HexToECDSA(devKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	signer := mustKeySigner(t, key)
	good := SenderConfig{
		ChainID:             big.NewInt(1),
		GasLimitMultiplier:  1,
		Fees:                FeePolicy{TipFloor: big.NewInt(0)},
		ReceiptPollInterval: time.Second,
	}

	cases := []struct {
		name    string
		signers []Signer
		mutate  func(*SenderConfig)
	}{
		{name: "no signers"},
		{name: "duplicate signer", signers: []Signer{signer, signer}},
		{name: "zero chain id", signers: []Signer{signer}, mutate: func(c *SenderConfig) { c.ChainID = big.NewInt(0) }},
		{name: "zero poll interval", signers: []Signer{signer}, mutate: func(c *SenderConfig) { c.ReceiptPollInterval = 0 }},
		{name: "replacement without bump", signers: []Signer{signer}, mutate: func(c *SenderConfig) {
			c.MaxReplacements = 1
			c.ReplaceAfter = time.Second
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			if _, err := NewSender(newFakeBackend(), tc.signers, cfg); !errors.Is(err, ErrInvalidSenderConfig) {
				t.Fatalf("expected ErrInvalidSenderConfig, got %v", err)
			}
		})
	}
}
