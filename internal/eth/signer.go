package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSigner     = errors.New("eth: invalid signer")
	ErrInvalidPrivateKey = errors.New("eth: invalid private key")
)

// Signer signs settlement transactions for one relayer account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner holds a relayer private key in memory.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address

	mu      sync.Mutex
	byChain map[string]types.Signer
}

func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, ErrInvalidSigner
	}
	return &KeySigner{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		byChain: make(map[string]types.Signer),
	}, nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	if tx.ChainId().Cmp(chainID) != 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, s.signerFor(chainID), s.key)
}

func (s *KeySigner) signerFor(chainID *big.Int) types.Signer {
	k := chainID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.byChain[k]
	if !ok {
		sg = types.LatestSignerForChainID(chainID)
		s.byChain[k] = sg
	}
	return sg
}

// ParseSigners builds one KeySigner per comma-separated hex key (0x prefix
// optional). Several keys let the sender spread settlements across accounts
// with independent nonces. Errors name the position of a bad key, never the
// key itself.
func ParseSigners(list string) ([]Signer, error) {
	var (
		out  []Signer
		seen = make(map[common.Address]int)
	)
	for i, field := range strings.Split(list, ",") {
		field = strings.TrimPrefix(strings.TrimSpace(field), "0x")
		if field == "" {
			continue
		}
		key, err := crypto.HexToECDSA(field)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d", ErrInvalidPrivateKey, i)
		}
		s, err := NewKeySigner(key)
		if err != nil {
			return nil, err
		}
		if j, dup := seen[s.Address()]; dup {
			return nil, fmt.Errorf("%w: entry %d repeats entry %d", ErrInvalidPrivateKey, i, j)
		}
		seen[s.Address()] = i
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidPrivateKey)
	}
	return out, nil
}
