package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrIncompatibleChainID = errors.New("eth: rpc returned incompatible chain id")
	ErrInvalidRPCConfig    = errors.New("eth: invalid rpc config")
)

// RPC wraps an ethclient with a per-call timeout and request metrics. It
// satisfies Backend, the chain source client and the escrow deposit reader.
type RPC struct {
	chain   string
	timeout time.Duration
	client  *ethclient.Client
	chainID *big.Int
}

// DialRPC connects to url and checks that the node serves expectedChainID.
func DialRPC(ctx context.Context, url string, chain string, expectedChainID *big.Int, timeout time.Duration) (*RPC, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidRPCConfig)
	}
	if expectedChainID == nil || expectedChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidRPCConfig)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidRPCConfig)
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := rpc.DialContext(dctx, url)
	if err != nil {
		return nil, fmt.Errorf("eth: dial %s rpc: %w", chain, err)
	}
	c := &RPC{chain: chain, timeout: timeout, client: ethclient.NewClient(raw)}

	got, err := c.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("eth: %s chain id: %w", chain, err)
	}
	if got.Cmp(expectedChainID) != 0 {
		c.Close()
		return nil, fmt.Errorf("%w: %s rpc returned %s, expected %s", ErrIncompatibleChainID, chain, got, expectedChainID)
	}
	c.chainID = got
	return c, nil
}

func (c *RPC) Close() { c.client.Close() }

func (c *RPC) observe(method string) func(error) {
	timer := prometheus.NewTimer(RPCDurations.WithLabelValues(c.chain, method))
	return func(err error) {
		timer.ObserveDuration()
		RPCResults.WithLabelValues(c.chain, method, rpcStatus(err)).Inc()
	}
}

func rpcStatus(err error) string {
	var rpcErr rpc.Error
	switch {
	case err == nil, errors.Is(err, ethereum.NotFound):
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &rpcErr):
		return fmt.Sprintf("error-%d", rpcErr.ErrorCode())
	default:
		return "error"
	}
}

func (c *RPC) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_chainId")
	id, err := c.client.ChainID(ctx)
	done(err)
	return id, err
}

func (c *RPC) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_blockNumber")
	n, err := c.client.BlockNumber(ctx)
	done(err)
	return n, err
}

func (c *RPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_getLogs")
	logs, err := c.client.FilterLogs(ctx, q)
	done(err)
	return logs, err
}

func (c *RPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_getBlockByNumber")
	h, err := c.client.HeaderByNumber(ctx, number)
	done(err)
	return h, err
}

func (c *RPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_getTransactionCount")
	n, err := c.client.PendingNonceAt(ctx, account)
	done(err)
	return n, err
}

// NonceAt returns the number of transactions account has mined as of
// blockNumber; nil means latest.
func (c *RPC) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_getTransactionCount")
	n, err := c.client.NonceAt(ctx, account, blockNumber)
	done(err)
	return n, err
}

func (c *RPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_maxPriorityFeePerGas")
	tip, err := c.client.SuggestGasTipCap(ctx)
	done(err)
	return tip, err
}

func (c *RPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_estimateGas")
	gas, err := c.client.EstimateGas(ctx, msg)
	done(err)
	return gas, err
}

func (c *RPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_sendRawTransaction")
	err := c.client.SendTransaction(ctx, tx)
	done(err)
	return err
}

func (c *RPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_getTransactionReceipt")
	r, err := c.client.TransactionReceipt(ctx, txHash)
	done(err)
	return r, err
}

func (c *RPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.observe("eth_call")
	out, err := c.client.CallContract(ctx, msg, blockNumber)
	done(err)
	return out, err
}
