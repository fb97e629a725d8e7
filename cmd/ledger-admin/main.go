// Command ledger-admin inspects and repairs a relayer ledger offline.
//
//	ledger-admin [storage flags] inspect [--direction mint|release] [--status pending|processed|expired]
//	ledger-admin [storage flags] replay --direction mint --nonce 42
//	ledger-admin [storage flags] set-cursor --chain source --block 1200
//
// Stop the relayer before mutating a file or s3 ledger; its next Persist
// would overwrite the change. A postgres ledger refuses to open while the
// relayer holds it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/juno-intents/bridge-relayer/internal/ledger"
	"github.com/juno-intents/bridge-relayer/internal/ledgerstore"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
)

func main() {
	if err := runMain(context.Background(), os.Args[1:], os.Stdout, logging.NewJSON(os.Stderr, slog.LevelInfo)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdout io.Writer, log *slog.Logger) error {
	var storeCfg ledgerstore.Config
	fs := flag.NewFlagSet("ledger-admin", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	storeCfg.RegisterFlags(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "storage timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("a command is required: inspect|replay|set-cursor")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	st, err := ledgerstore.Open(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := ledger.Open(ctx, st.Backend, ledger.Options{
		Owner:    "ledger-admin",
		Attempts: st.Attempts,
		Log:      log,
	})
	if err != nil {
		return err
	}

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "inspect":
		return inspect(l, cmdArgs, stdout)
	case "replay":
		return replay(ctx, l, cmdArgs, stdout, log)
	case "set-cursor":
		return setCursor(ctx, l, cmdArgs, stdout, log)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type recordView struct {
	Direction    string `json:"direction"`
	Nonce        string `json:"nonce"`
	Depositor    string `json:"depositor"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	ObservedAt   string `json:"observedAt"`
	SourceBlock  uint64 `json:"sourceBlock"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"lastError,omitempty"`
	SettlementTx string `json:"settlementTx,omitempty"`
}

func viewOf(r ledger.DepositRecord) recordView {
	v := recordView{
		Direction:   r.Direction.String(),
		Nonce:       r.Nonce.String(),
		Depositor:   r.Depositor.Hex(),
		Amount:      r.Amount.String(),
		Status:      r.Status.String(),
		ObservedAt:  r.ObservedAt.UTC().Format(time.RFC3339),
		SourceBlock: r.SourceBlock,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
	}
	if !r.SettledAt.IsZero() {
		v.SettlementTx = r.TxHash.Hex()
	}
	return v
}

func inspect(l *ledger.Ledger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("direction", "", "filter by direction")
	statusFlag := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := ledger.DirectionUnknown
	if *dirFlag != "" {
		d, err := ledger.ParseDirection(*dirFlag)
		if err != nil {
			return err
		}
		dir = d
	}
	status := ledger.StatusUnknown
	if *statusFlag != "" {
		s, err := ledger.ParseStatus(*statusFlag)
		if err != nil {
			return err
		}
		status = s
	}

	recs := l.List(dir, status)
	views := make([]recordView, 0, len(recs))
	for _, r := range recs {
		views = append(views, viewOf(r))
	}
	return writeJSON(stdout, map[string]any{
		"lastSourceBlock":      strconv.FormatUint(l.GetCursor(ledger.ChainSource), 10),
		"lastDestBlock":        strconv.FormatUint(l.GetCursor(ledger.ChainDestination), 10),
		"pendingMintAmount":    l.TotalPending(ledger.DirectionMint).String(),
		"pendingReleaseAmount": l.TotalPending(ledger.DirectionRelease).String(),
		"deposits":             views,
	})
}

func replay(ctx context.Context, l *ledger.Ledger, args []string, stdout io.Writer, log *slog.Logger) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("direction", "", "deposit direction (required)")
	nonceFlag := fs.String("nonce", "", "deposit nonce, base 10 (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir, err := ledger.ParseDirection(*dirFlag)
	if err != nil {
		return err
	}
	n, err := nonce.FromDecimal(*nonceFlag)
	if err != nil {
		return err
	}
	rec, err := l.Replay(dir, n)
	if err != nil {
		return err
	}
	if err := l.Persist(ctx); err != nil {
		return err
	}
	log.Info("ledger.replay", "direction", dir.String(), "nonce", n.String())
	return writeJSON(stdout, viewOf(rec))
}

func setCursor(ctx context.Context, l *ledger.Ledger, args []string, stdout io.Writer, log *slog.Logger) error {
	fs := flag.NewFlagSet("set-cursor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	chainFlag := fs.String("chain", "", "source|destination (required)")
	block := fs.Uint64("block", 0, "new cursor block (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	chain, err := ledger.ParseChain(*chainFlag)
	if err != nil {
		return err
	}
	if *block == 0 {
		return errors.New("--block is required")
	}
	prev := l.GetCursor(chain)
	if err := l.SetCursor(chain, *block); err != nil {
		return err
	}
	if err := l.Persist(ctx); err != nil {
		return err
	}
	log.Info("ledger.set_cursor", "chain", string(chain), "from", prev, "to", *block)
	return writeJSON(stdout, map[string]any{
		"chain": string(chain),
		"from":  strconv.FormatUint(prev, 10),
		"to":    strconv.FormatUint(*block, 10),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
