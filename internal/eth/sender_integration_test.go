//go:build integration

package eth

import (
	"context"
	"math/big"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pinned so runs are reproducible.
const foundryImage = "ghcr.io/foundry-rs/foundry@sha256:043752653d5be351c71709091b3db97c4421c907eb40ea294195e7f532aadf46"

// The first two funded anvil dev accounts.
const anvilKeys = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80," +
	"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const anvilChainID = 31337

func TestSender_AnvilConcurrentSettlements(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rpc := startAnvil(t, ctx)
	signers, err := ParseSigners(anvilKeys)
	if err != nil {
		t.Fatalf("ParseSigners: %v", err)
	}
	sender, err := NewSender(rpc, signers, SenderConfig{
		Chain:               "anvil",
		ChainID:             big.NewInt(anvilChainID),
		GasLimitMultiplier:  1.2,
		Fees:                FeePolicy{TipFloor: big.NewInt(1)},
		ReceiptPollInterval: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	const settlements = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []SendResult
	)
	for i := 0; i < settlements; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := sender.SendAndWaitMined(ctx, TxRequest{
				To:    common.BigToAddress(big.NewInt(int64(0xdead + i))),
				Value: big.NewInt(1),
			})
			if err != nil {
				t.Errorf("settlement %d: %v", i, err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	used := make(map[common.Address]map[uint64]bool)
	for _, r := range results {
		if r.Receipt == nil || r.Receipt.Status != 1 {
			t.Fatalf("receipt: %+v", r.Receipt)
		}
		if used[r.From] == nil {
			used[r.From] = make(map[uint64]bool)
		}
		if used[r.From][r.Nonce] {
			t.Fatalf("nonce %d reused by %s", r.Nonce, r.From)
		}
		used[r.From][r.Nonce] = true
	}
	if len(used) != 2 {
		t.Fatalf("accounts used: got %d want 2", len(used))
	}
}

// startAnvil runs a throwaway anvil container and returns a client once it
// answers eth_chainId.
func startAnvil(t *testing.T, ctx context.Context) *RPC {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	out, err := exec.CommandContext(ctx, "docker", "run", "--rm", "-d",
		"-e", "ANVIL_IP_ADDR=0.0.0.0",
		"-p", "127.0.0.1:"+port+":8545",
		foundryImage, "anvil", "--port", "8545", "--chain-id", strconv.Itoa(anvilChainID),
	).CombinedOutput()
	if err != nil {
		t.Fatalf("docker run anvil: %v: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	t.Cleanup(func() { _ = exec.Command("docker", "rm", "-f", id).Run() })

	url := "http://127.0.0.1:" + port
	for deadline := time.Now().Add(15 * time.Second); time.Now().Before(deadline); time.Sleep(250 * time.Millisecond) {
		rpc, err := DialRPC(ctx, url, "anvil", big.NewInt(anvilChainID), time.Second)
		if err == nil {
			t.Cleanup(rpc.Close)
			return rpc
		}
	}
	t.Fatalf("anvil not ready at %s", url)
	return nil
}
