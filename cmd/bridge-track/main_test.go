package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/juno-intents/bridge-relayer/internal/attestation"
	"github.com/juno-intents/bridge-relayer/internal/queue"
)

const testTxHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func TestRunMain_StdioPublishesRegistration(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{
		"--queue-driver", "stdio",
		"--tx-hash", testTxHash,
		"--nonce", "9001",
		"--sender", "0x00000000000000000000000000000000000000aa",
		"--destination-domain", "6",
		"--amount", "1000000",
	}, nil, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	var reg attestation.Registration
	if err := json.Unmarshal(out.Bytes(), &reg); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if reg.Version != queue.TopicBurns || reg.Nonce != 9001 || reg.DestinationDomain != 6 || reg.Amount != "1000000" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	d, err := reg.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.TransactionHash.Hex() != testTxHash {
		t.Fatalf("tx hash: got %s", d.TransactionHash.Hex())
	}
}

func TestRunMain_FromStdin(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`{"transactionHash":"` + testTxHash + `","nonce":1}
{"transactionHash":"` + testTxHash + `","nonce":2,"amount":"5"}
`)
	var out bytes.Buffer
	if err := runMain([]string{"--queue-driver", "stdio", "--from-stdin"}, in, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d want 2 (%q)", len(lines), out.String())
	}
	for _, line := range lines {
		v, err := queue.Version([]byte(line))
		if err != nil || v != queue.TopicBurns {
			t.Fatalf("version of %q: %q %v", line, v, err)
		}
	}
}

func TestRunMain_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{name: "missing tx hash", args: []string{"--queue-driver", "stdio"}},
		{name: "short tx hash", args: []string{"--queue-driver", "stdio", "--tx-hash", "0x1234"}},
		{name: "bad sender", args: []string{"--queue-driver", "stdio", "--tx-hash", testTxHash, "--sender", "nope"}},
		{name: "bad amount", args: []string{"--queue-driver", "stdio", "--tx-hash", testTxHash, "--amount", "-1"}},
		{name: "empty stdin", args: []string{"--queue-driver", "stdio", "--from-stdin"}, stdin: " \n"},
		{name: "bad json", args: []string{"--queue-driver", "stdio", "--from-stdin"}, stdin: "{"},
		{name: "empty topic", args: []string{"--queue-driver", "stdio", "--tx-hash", testTxHash, "--topic", " "}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runMain(tc.args, strings.NewReader(tc.stdin), &out); err == nil {
				t.Fatalf("expected error")
			}
			if out.Len() != 0 {
				t.Fatalf("published despite error: %q", out.String())
			}
		})
	}
}
