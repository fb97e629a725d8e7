package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
)

func seedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	b, err := ledger.NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	ctx := context.Background()
	l, err := ledger.Open(ctx, b, ledger.Options{Owner: "seed"})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	for _, n := range []uint64{42, 43} {
		if _, _, err := l.RecordDeposit(ledger.DepositRecord{
			Direction: ledger.DirectionMint,
			Nonce:     nonce.Nonce(n),
			Depositor: common.HexToAddress("0x01"),
			Amount:    big.NewInt(100),
		}); err != nil {
			t.Fatalf("RecordDeposit: %v", err)
		}
	}
	if err := l.MarkExpired(ledger.DirectionMint, 43, "stale"); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	if err := l.SetCursor(ledger.ChainSource, 1000); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	return path
}

func run(t *testing.T, path string, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--ledger-driver", "file", "--ledger-path", path}, args...)
	err := runMain(context.Background(), full, &out, logging.Discard())
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(out.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	return body, nil
}

func TestInspect(t *testing.T) {
	t.Parallel()

	path := seedFile(t)
	body, err := run(t, path, "inspect")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if body["lastSourceBlock"] != "1000" || body["pendingMintAmount"] != "100" {
		t.Fatalf("summary: %v", body)
	}
	if deps := body["deposits"].([]any); len(deps) != 2 {
		t.Fatalf("deposits: got %d want 2", len(deps))
	}

	body, err = run(t, path, "inspect", "--status", "expired")
	if err != nil {
		t.Fatalf("inspect expired: %v", err)
	}
	deps := body["deposits"].([]any)
	if len(deps) != 1 || deps[0].(map[string]any)["nonce"] != "43" {
		t.Fatalf("expired: %v", deps)
	}
}

func TestReplay(t *testing.T) {
	t.Parallel()

	path := seedFile(t)
	body, err := run(t, path, "replay", "--direction", "mint", "--nonce", "43")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if body["status"] != "pending" {
		t.Fatalf("status after replay: %v", body["status"])
	}

	body, err = run(t, path, "inspect", "--status", "pending")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if deps := body["deposits"].([]any); len(deps) != 2 {
		t.Fatalf("pending after replay: got %d want 2", len(deps))
	}

	if _, err := run(t, path, "replay", "--direction", "mint", "--nonce", "42"); !errors.Is(err, ledger.ErrNotExpired) {
		t.Fatalf("replay pending: got %v want ErrNotExpired", err)
	}
	if _, err := run(t, path, "replay", "--direction", "mint", "--nonce", "7"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("replay unknown: got %v want ErrNotFound", err)
	}
}

func TestSetCursor(t *testing.T) {
	t.Parallel()

	path := seedFile(t)
	body, err := run(t, path, "set-cursor", "--chain", "source", "--block", "1200")
	if err != nil {
		t.Fatalf("set-cursor: %v", err)
	}
	if body["from"] != "1000" || body["to"] != "1200" {
		t.Fatalf("set-cursor: %v", body)
	}
	if _, err := run(t, path, "set-cursor", "--chain", "source", "--block", "1100"); !errors.Is(err, ledger.ErrCursorRegression) {
		t.Fatalf("regression: got %v want ErrCursorRegression", err)
	}
	body, err = run(t, path, "inspect")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if body["lastSourceBlock"] != "1200" {
		t.Fatalf("cursor not persisted: %v", body["lastSourceBlock"])
	}
}

func TestRunMain_Usage(t *testing.T) {
	t.Parallel()

	path := seedFile(t)
	for _, args := range [][]string{
		{},
		{"bogus"},
		{"replay", "--direction", "sideways", "--nonce", "1"},
		{"set-cursor", "--chain", "moon", "--block", "1"},
		{"set-cursor", "--chain", "source"},
	} {
		if _, err := run(t, path, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
