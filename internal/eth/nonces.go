package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type pendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// accountNonces hands out nonces for one relayer account. Only the first
// reservation asks the node; later ones count up locally so concurrent
// settlements signed by the same account never share a nonce.
type accountNonces struct {
	backend pendingNoncer
	chain   string
	addr    common.Address

	mu     sync.Mutex
	next   uint64
	loaded bool
}

func newAccountNonces(backend pendingNoncer, chain string, addr common.Address) *accountNonces {
	return &accountNonces{backend: backend, chain: chain, addr: addr}
}

func (a *accountNonces) reserve(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loaded {
		n, err := a.backend.PendingNonceAt(ctx, a.addr)
		if err != nil {
			return 0, err
		}
		a.next = n
		a.loaded = true
	}
	n := a.next
	a.next++
	NextNonce.WithLabelValues(a.chain, a.addr.Hex()).Set(float64(a.next))
	return n, nil
}

// release returns n after a broadcast that never reached the node. The most
// recent reservation is handed out again directly. An older one may have
// later reservations already in flight, so the account reloads from the
// node's pending nonce instead.
func (a *accountNonces) release(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded && n+1 == a.next {
		a.next = n
		NextNonce.WithLabelValues(a.chain, a.addr.Hex()).Set(float64(a.next))
		return
	}
	a.loaded = false
}

// refresh adopts the node's pending nonce when it is ahead of the local
// count, e.g. after another process used the same key. It never moves the
// count backwards.
func (a *accountNonces) refresh(ctx context.Context) error {
	n, err := a.backend.PendingNonceAt(ctx, a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded || n > a.next {
		a.next = n
		a.loaded = true
	}
	return nil
}
