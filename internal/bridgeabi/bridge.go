// Package bridgeabi holds the ABI fragments the relayer calls and decodes:
// the source-chain escrow, the destination-chain wrapped asset and the CCTP
// token messenger used for attested transfers.
package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("bridgeabi: invalid input")

const (
	EventDeposited      = "Deposited"
	EventReleased       = "Released"
	EventBurned         = "Burned"
	EventMinted         = "Minted"
	EventDepositForBurn = "DepositForBurn"
)

// DepositStatus mirrors the escrow's on-chain deposit status.
type DepositStatus uint8

const (
	DepositStatusPending   DepositStatus = 0
	DepositStatusProcessed DepositStatus = 1
	DepositStatusExpired   DepositStatus = 2
)

func (s DepositStatus) String() string {
	switch s {
	case DepositStatusPending:
		return "pending"
	case DepositStatusProcessed:
		return "processed"
	case DepositStatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// OnchainDeposit is the escrow's getDeposit(nonce) view.
type OnchainDeposit struct {
	Depositor common.Address
	Amount    *big.Int
	Timestamp *big.Int
	Status    DepositStatus
}

var (
	initOnce sync.Once
	initErr  error

	escrowABI         abi.ABI
	wrappedABI        abi.ABI
	tokenMessengerABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		if escrowABI, err = abi.JSON(strings.NewReader(escrowABIJSON)); err != nil {
			initErr = fmt.Errorf("bridgeabi: parse escrow ABI: %w", err)
			return
		}
		if wrappedABI, err = abi.JSON(strings.NewReader(wrappedABIJSON)); err != nil {
			initErr = fmt.Errorf("bridgeabi: parse wrapped ABI: %w", err)
			return
		}
		if tokenMessengerABI, err = abi.JSON(strings.NewReader(tokenMessengerABIJSON)); err != nil {
			initErr = fmt.Errorf("bridgeabi: parse token messenger ABI: %w", err)
			return
		}
	})
	return initErr
}

func EscrowABI() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return escrowABI, nil
}

func WrappedABI() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return wrappedABI, nil
}

func TokenMessengerABI() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return tokenMessengerABI, nil
}

// PackMint encodes wrapped.mint(to, amount, nonce).
func PackMint(to common.Address, amount, nonce *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := checkTransfer(to, amount, nonce); err != nil {
		return nil, err
	}
	b, err := wrappedABI.Pack("mint", to, amount, nonce)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack mint: %w", err)
	}
	return b, nil
}

// PackRelease encodes escrow.release(depositor, amount, nonce).
func PackRelease(depositor common.Address, amount, nonce *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := checkTransfer(depositor, amount, nonce); err != nil {
		return nil, err
	}
	b, err := escrowABI.Pack("release", depositor, amount, nonce)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack release: %w", err)
	}
	return b, nil
}

// PackDepositForBurn encodes tokenMessenger.depositForBurn.
func PackDepositForBurn(amount *big.Int, destinationDomain uint32, mintRecipient common.Address, burnToken common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if mintRecipient == (common.Address{}) || burnToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: mint recipient and burn token must be non-zero", ErrInvalidInput)
	}
	b, err := tokenMessengerABI.Pack("depositForBurn", amount, destinationDomain, AddressToBytes32(mintRecipient), burnToken)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack depositForBurn: %w", err)
	}
	return b, nil
}

func PackGetDeposit(nonce *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if nonce == nil || nonce.Sign() < 0 {
		return nil, fmt.Errorf("%w: nonce must be >= 0", ErrInvalidInput)
	}
	b, err := escrowABI.Pack("getDeposit", nonce)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack getDeposit: %w", err)
	}
	return b, nil
}

func UnpackGetDeposit(data []byte) (OnchainDeposit, error) {
	if err := initABI(); err != nil {
		return OnchainDeposit{}, err
	}
	vals, err := escrowABI.Unpack("getDeposit", data)
	if err != nil {
		return OnchainDeposit{}, fmt.Errorf("bridgeabi: unpack getDeposit: %w", err)
	}
	if len(vals) != 4 {
		return OnchainDeposit{}, fmt.Errorf("%w: getDeposit returned %d values", ErrInvalidInput, len(vals))
	}
	depositor, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[1].(*big.Int)
	ts, ok3 := vals[2].(*big.Int)
	status, ok4 := vals[3].(uint8)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return OnchainDeposit{}, fmt.Errorf("%w: unexpected getDeposit types", ErrInvalidInput)
	}
	return OnchainDeposit{
		Depositor: depositor,
		Amount:    amount,
		Timestamp: ts,
		Status:    DepositStatus(status),
	}, nil
}

// AddressToBytes32 left-pads an EVM address the way CCTP encodes recipients.
func AddressToBytes32(a common.Address) [32]byte {
	var out [32]byte
	copy(out[12:], a.Bytes())
	return out
}

func checkTransfer(account common.Address, amount, nonce *big.Int) error {
	if account == (common.Address{}) {
		return fmt.Errorf("%w: zero account", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: amount must be >= 0", ErrInvalidInput)
	}
	if nonce == nil || nonce.Sign() < 0 {
		return fmt.Errorf("%w: nonce must be >= 0", ErrInvalidInput)
	}
	return nil
}

const escrowABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "nonce", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "depositor", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "Deposited",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "depositor", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "Released",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "depositor", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "release",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "nonce", "type": "uint256"}],
    "name": "getDeposit",
    "outputs": [
      {"internalType": "address", "name": "depositor", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "timestamp", "type": "uint256"},
      {"internalType": "uint8", "name": "status", "type": "uint8"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

const wrappedABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "user", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "Burned",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "user", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "Minted",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "to", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "mint",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const tokenMessengerABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint64", "name": "nonce", "type": "uint64"},
      {"indexed": true, "internalType": "address", "name": "burnToken", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "depositor", "type": "address"},
      {"indexed": false, "internalType": "bytes32", "name": "mintRecipient", "type": "bytes32"},
      {"indexed": false, "internalType": "uint32", "name": "destinationDomain", "type": "uint32"},
      {"indexed": false, "internalType": "bytes32", "name": "destinationTokenMessenger", "type": "bytes32"},
      {"indexed": false, "internalType": "bytes32", "name": "destinationCaller", "type": "bytes32"}
    ],
    "name": "DepositForBurn",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint32", "name": "destinationDomain", "type": "uint32"},
      {"internalType": "bytes32", "name": "mintRecipient", "type": "bytes32"},
      {"internalType": "address", "name": "burnToken", "type": "address"}
    ],
    "name": "depositForBurn",
    "outputs": [{"internalType": "uint64", "name": "nonce", "type": "uint64"}],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`
