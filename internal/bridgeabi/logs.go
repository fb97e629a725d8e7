package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrNoTopics = errors.New("bridgeabi: log has no topics")

func indexed(args abi.Arguments) abi.Arguments {
	var out abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			out = append(out, arg)
		}
	}
	return out
}

// FindEvent returns the event of contract matching the log's topic0 and
// indexed-argument count, or nil.
func FindEvent(contract abi.ABI, topics []common.Hash) *abi.Event {
	if len(topics) == 0 {
		return nil
	}
	for _, e := range contract.Events {
		if e.ID == topics[0] && len(indexed(e.Inputs)) == len(topics)-1 {
			ev := e
			return &ev
		}
	}
	return nil
}

// ParseLog decodes lg against contract. An empty name with a nil error means
// the log is not an event of contract.
func ParseLog(contract abi.ABI, lg types.Log) (string, map[string]interface{}, error) {
	if len(lg.Topics) == 0 {
		return "", nil, ErrNoTopics
	}
	event := FindEvent(contract, lg.Topics)
	if event == nil {
		return "", nil, nil
	}

	values := make(map[string]interface{})
	idx := indexed(event.Inputs)
	if len(idx) < len(event.Inputs) {
		if err := event.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
			return "", nil, fmt.Errorf("bridgeabi: unpack %s data: %w", event.Name, err)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, idx, lg.Topics[1:]); err != nil {
		return "", nil, fmt.Errorf("bridgeabi: unpack %s topics: %w", event.Name, err)
	}
	return event.Name, values, nil
}

// EventIDs resolves event names to their topic0 hashes.
func EventIDs(contract abi.ABI, names ...string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(names))
	for _, name := range names {
		e, ok := contract.Events[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidInput, name)
		}
		out = append(out, e.ID)
	}
	return out, nil
}

type Deposited struct {
	Nonce     *big.Int
	Depositor common.Address
	Amount    *big.Int
}

func DecodeDeposited(fields map[string]interface{}) (Deposited, error) {
	n, err := bigField(fields, "nonce")
	if err != nil {
		return Deposited{}, err
	}
	depositor, err := addressField(fields, "depositor")
	if err != nil {
		return Deposited{}, err
	}
	amount, err := bigField(fields, "amount")
	if err != nil {
		return Deposited{}, err
	}
	return Deposited{Nonce: n, Depositor: depositor, Amount: amount}, nil
}

type Burned struct {
	User   common.Address
	Amount *big.Int
}

func DecodeBurned(fields map[string]interface{}) (Burned, error) {
	user, err := addressField(fields, "user")
	if err != nil {
		return Burned{}, err
	}
	amount, err := bigField(fields, "amount")
	if err != nil {
		return Burned{}, err
	}
	return Burned{User: user, Amount: amount}, nil
}

// Settled is a Minted or Released log: the counterpart contract accepted
// Nonce.
type Settled struct {
	Account common.Address
	Amount  *big.Int
	Nonce   *big.Int
}

func DecodeMinted(fields map[string]interface{}) (Settled, error) {
	return decodeSettled(fields, "user")
}

func DecodeReleased(fields map[string]interface{}) (Settled, error) {
	return decodeSettled(fields, "depositor")
}

func decodeSettled(fields map[string]interface{}, account string) (Settled, error) {
	who, err := addressField(fields, account)
	if err != nil {
		return Settled{}, err
	}
	amount, err := bigField(fields, "amount")
	if err != nil {
		return Settled{}, err
	}
	n, err := bigField(fields, "nonce")
	if err != nil {
		return Settled{}, err
	}
	return Settled{Account: who, Amount: amount, Nonce: n}, nil
}

func bigField(fields map[string]interface{}, name string) (*big.Int, error) {
	v, ok := fields[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: field %q is %T", ErrInvalidInput, name, fields[name])
	}
	return v, nil
}

func addressField(fields map[string]interface{}, name string) (common.Address, error) {
	v, ok := fields[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: field %q is %T", ErrInvalidInput, name, fields[name])
	}
	return v, nil
}
