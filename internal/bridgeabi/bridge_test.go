package bridgeabi

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestPackMint_EncodesRecipientAmountNonce(t *testing.T) {
	t.Parallel()

	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	b, err := PackMint(to, big.NewInt(10_000_000), big.NewInt(42))
	if err != nil {
		t.Fatalf("PackMint: %v", err)
	}
	if !bytes.Equal(b[:4], selector("mint(address,uint256,uint256)")) {
		t.Fatalf("selector mismatch: %x", b[:4])
	}

	a, err := WrappedABI()
	if err != nil {
		t.Fatalf("WrappedABI: %v", err)
	}
	vals, err := a.Methods["mint"].Inputs.Unpack(b[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if vals[0].(common.Address) != to {
		t.Fatalf("recipient: got %v", vals[0])
	}
	if vals[1].(*big.Int).Int64() != 10_000_000 || vals[2].(*big.Int).Int64() != 42 {
		t.Fatalf("amount/nonce: got %v %v", vals[1], vals[2])
	}
}

func TestPackRelease_Selector(t *testing.T) {
	t.Parallel()

	b, err := PackRelease(common.HexToAddress("0x01"), big.NewInt(5), big.NewInt(7))
	if err != nil {
		t.Fatalf("PackRelease: %v", err)
	}
	if !bytes.Equal(b[:4], selector("release(address,uint256,uint256)")) {
		t.Fatalf("selector mismatch: %x", b[:4])
	}
}

func TestPackDepositForBurn_PadsRecipient(t *testing.T) {
	t.Parallel()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b, err := PackDepositForBurn(big.NewInt(1_000_000), 7, recipient, common.HexToAddress("0x02"))
	if err != nil {
		t.Fatalf("PackDepositForBurn: %v", err)
	}
	if !bytes.Equal(b[:4], selector("depositForBurn(uint256,uint32,bytes32,address)")) {
		t.Fatalf("selector mismatch: %x", b[:4])
	}
	padded := AddressToBytes32(recipient)
	if !bytes.Equal(b[4+64:4+96], padded[:]) {
		t.Fatalf("mintRecipient word mismatch: %x", b[4+64:4+96])
	}

	if _, err := PackDepositForBurn(big.NewInt(0), 7, recipient, common.HexToAddress("0x02")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
}

func TestPackTransfers_RejectInvalidInput(t *testing.T) {
	t.Parallel()

	if _, err := PackMint(common.Address{}, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero recipient, got %v", err)
	}
	if _, err := PackRelease(common.HexToAddress("0x01"), big.NewInt(-1), big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative amount, got %v", err)
	}
	if _, err := PackMint(common.HexToAddress("0x01"), big.NewInt(1), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil nonce, got %v", err)
	}
}

func depositedLog(t *testing.T, n int64, depositor common.Address, amount int64) types.Log {
	t.Helper()
	a, err := EscrowABI()
	if err != nil {
		t.Fatalf("EscrowABI: %v", err)
	}
	ev := a.Events[EventDeposited]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(amount))
	if err != nil {
		t.Fatalf("pack data: %v", err)
	}
	return types.Log{
		Topics: []common.Hash{ev.ID, common.BigToHash(big.NewInt(n)), common.BytesToHash(depositor.Bytes())},
		Data:   data,
	}
}

func TestParseLog_Deposited(t *testing.T) {
	t.Parallel()

	depositor := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	a, err := EscrowABI()
	if err != nil {
		t.Fatalf("EscrowABI: %v", err)
	}

	name, fields, err := ParseLog(a, depositedLog(t, 42, depositor, 10_000_000))
	if err != nil {
		t.Fatalf("ParseLog: %v", err)
	}
	if name != EventDeposited {
		t.Fatalf("name: got %q", name)
	}
	d, err := DecodeDeposited(fields)
	if err != nil {
		t.Fatalf("DecodeDeposited: %v", err)
	}
	if d.Nonce.Int64() != 42 || d.Depositor != depositor || d.Amount.Int64() != 10_000_000 {
		t.Fatalf("decoded: %+v", d)
	}
}

func TestParseLog_UnknownEventIsSkipped(t *testing.T) {
	t.Parallel()

	a, err := EscrowABI()
	if err != nil {
		t.Fatalf("EscrowABI: %v", err)
	}
	name, fields, err := ParseLog(a, types.Log{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("Upgraded(address)")), common.HexToHash("0x01")},
	})
	if err != nil || name != "" || fields != nil {
		t.Fatalf("expected skip, got name=%q fields=%v err=%v", name, fields, err)
	}

	if _, _, err := ParseLog(a, types.Log{}); !errors.Is(err, ErrNoTopics) {
		t.Fatalf("expected ErrNoTopics, got %v", err)
	}
}

func TestDecodeBurned(t *testing.T) {
	t.Parallel()

	a, err := WrappedABI()
	if err != nil {
		t.Fatalf("WrappedABI: %v", err)
	}
	ev := a.Events[EventBurned]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(9))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	user := common.HexToAddress("0x0000000000000000000000000000000000000def")
	name, fields, err := ParseLog(a, types.Log{
		Topics: []common.Hash{ev.ID, common.BytesToHash(user.Bytes())},
		Data:   data,
	})
	if err != nil || name != EventBurned {
		t.Fatalf("ParseLog: name=%q err=%v", name, err)
	}
	b, err := DecodeBurned(fields)
	if err != nil {
		t.Fatalf("DecodeBurned: %v", err)
	}
	if b.User != user || b.Amount.Int64() != 9 {
		t.Fatalf("decoded: %+v", b)
	}
	if _, err := DecodeDeposited(fields); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput decoding Burned fields as Deposited, got %v", err)
	}
}

func TestUnpackGetDeposit(t *testing.T) {
	t.Parallel()

	a, err := EscrowABI()
	if err != nil {
		t.Fatalf("EscrowABI: %v", err)
	}
	depositor := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	out, err := a.Methods["getDeposit"].Outputs.Pack(depositor, big.NewInt(10), big.NewInt(1_700_000_000), uint8(DepositStatusProcessed))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	d, err := UnpackGetDeposit(out)
	if err != nil {
		t.Fatalf("UnpackGetDeposit: %v", err)
	}
	if d.Depositor != depositor || d.Amount.Int64() != 10 || d.Status != DepositStatusProcessed {
		t.Fatalf("decoded: %+v", d)
	}
}

func TestEventIDs(t *testing.T) {
	t.Parallel()

	a, err := EscrowABI()
	if err != nil {
		t.Fatalf("EscrowABI: %v", err)
	}
	ids, err := EventIDs(a, EventDeposited)
	if err != nil {
		t.Fatalf("EventIDs: %v", err)
	}
	if want := crypto.Keccak256Hash([]byte("Deposited(uint256,address,uint256)")); ids[0] != want {
		t.Fatalf("topic0: got %s want %s", ids[0], want)
	}
	if _, err := EventIDs(a, "Nope"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDecodeMintedAndReleased(t *testing.T) {
	t.Parallel()

	user := common.HexToAddress("0x0000000000000000000000000000000000000def")
	cases := []struct {
		name   string
		abiFn  func() (abi.ABI, error)
		event  string
		decode func(map[string]interface{}) (Settled, error)
	}{
		{name: "minted", abiFn: WrappedABI, event: EventMinted, decode: DecodeMinted},
		{name: "released", abiFn: EscrowABI, event: EventReleased, decode: DecodeReleased},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := tc.abiFn()
			if err != nil {
				t.Fatalf("abi: %v", err)
			}
			ev := a.Events[tc.event]
			data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(12))
			if err != nil {
				t.Fatalf("pack: %v", err)
			}
			name, fields, err := ParseLog(a, types.Log{
				Topics: []common.Hash{ev.ID, common.BytesToHash(user.Bytes()), common.BigToHash(big.NewInt(42))},
				Data:   data,
			})
			if err != nil || name != tc.event {
				t.Fatalf("ParseLog: name=%q err=%v", name, err)
			}
			s, err := tc.decode(fields)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if s.Account != user || s.Amount.Int64() != 12 || s.Nonce.Int64() != 42 {
				t.Fatalf("decoded: %+v", s)
			}
		})
	}
}
