package eth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type countingNoncer struct {
	mu    sync.Mutex
	nonce uint64
	err   error
	calls int
}

func (f *countingNoncer) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.nonce, f.err
}

var relayerAddr = common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")

func mustReserve(t *testing.T, a *accountNonces) uint64 {
	t.Helper()
	n, err := a.reserve(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return n
}

func TestAccountNonces_LoadsOnceThenCounts(t *testing.T) {
	node := &countingNoncer{nonce: 5}
	a := newAccountNonces(node, "source", relayerAddr)

	for want := uint64(5); want < 8; want++ {
		if got := mustReserve(t, a); got != want {
			t.Fatalf("reserve: got %d want %d", got, want)
		}
	}
	if node.calls != 1 {
		t.Fatalf("node calls: got %d want 1", node.calls)
	}
}

func TestAccountNonces_ConcurrentReservationsAreDistinct(t *testing.T) {
	a := newAccountNonces(&countingNoncer{nonce: 100}, "source", relayerAddr)

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := a.reserve(context.Background())
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers {
		t.Fatalf("distinct nonces: got %d want %d", len(seen), workers)
	}
}

func TestAccountNonces_Release(t *testing.T) {
	t.Run("latest is reused without a node call", func(t *testing.T) {
		node := &countingNoncer{nonce: 4}
		a := newAccountNonces(node, "dest", relayerAddr)
		n := mustReserve(t, a)
		a.release(n)
		if got := mustReserve(t, a); got != 4 {
			t.Fatalf("after release: got %d want 4", got)
		}
		if node.calls != 1 {
			t.Fatalf("node calls: got %d want 1", node.calls)
		}
	})

	t.Run("older reservation reloads from node", func(t *testing.T) {
		node := &countingNoncer{nonce: 4}
		a := newAccountNonces(node, "dest", relayerAddr)
		first := mustReserve(t, a) // 4
		_ = mustReserve(t, a)      // 5, broadcast by someone else
		a.release(first)

		node.nonce = 4
		if got := mustReserve(t, a); got != 4 {
			t.Fatalf("after reload: got %d want 4", got)
		}
		if node.calls != 2 {
			t.Fatalf("node calls: got %d want 2", node.calls)
		}
	})
}

func TestAccountNonces_RefreshNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	node := &countingNoncer{nonce: 10}
	a := newAccountNonces(node, "source", relayerAddr)
	mustReserve(t, a) // 10
	mustReserve(t, a) // 11

	node.nonce = 9
	if err := a.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := mustReserve(t, a); got != 12 {
		t.Fatalf("after stale refresh: got %d want 12", got)
	}

	node.nonce = 30
	if err := a.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := mustReserve(t, a); got != 30 {
		t.Fatalf("after newer refresh: got %d want 30", got)
	}
}

func TestAccountNonces_LoadError(t *testing.T) {
	boom := errors.New("rpc down")
	node := &countingNoncer{err: boom}
	a := newAccountNonces(node, "source", relayerAddr)
	if _, err := a.reserve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("reserve: got %v want %v", err, boom)
	}
	node.err = nil
	node.nonce = 3
	if got := mustReserve(t, a); got != 3 {
		t.Fatalf("after recovery: got %d want 3", got)
	}
}
