// Command relayer watches the escrow on the source chain and the wrapped asset
// on the destination chain, and settles every confirmed transfer on the other
// side exactly once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/attestation"
	"github.com/juno-intents/bridge-relayer/internal/bridgeabi"
	"github.com/juno-intents/bridge-relayer/internal/chainsource"
	"github.com/juno-intents/bridge-relayer/internal/eth"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
	"github.com/juno-intents/bridge-relayer/internal/ledgerstore"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/juno-intents/bridge-relayer/internal/queue"
	"github.com/juno-intents/bridge-relayer/internal/scheduler"
	"github.com/juno-intents/bridge-relayer/internal/secrets"
	"github.com/juno-intents/bridge-relayer/internal/settlement"
	"github.com/juno-intents/bridge-relayer/internal/statusapi"
	"github.com/juno-intents/bridge-relayer/internal/watcher"
)

const queueDriverNone = "none"

type chainConfig struct {
	rpcURL        string
	chainID       uint64
	confirmations uint64
	startBlock    uint64
	interval      time.Duration
}

type config struct {
	logLevel slog.Level
	owner    string

	source chainConfig
	dest   chainConfig

	escrow  common.Address
	wrapped common.Address

	keyRef string

	ledger     ledgerstore.Config
	attemptTTL time.Duration

	overlap      uint64
	maxRange     uint64
	retryPending int
	expireAfter  time.Duration
	tickTimeout  time.Duration
	rpcTimeout   time.Duration
	rpcAttempts  uint
	release      bool

	gasLimit     uint64
	confirmWait  time.Duration
	minTipGwei   int64
	gasMult      float64
	pollInterval time.Duration
	replaceAfter time.Duration
	maxReplace   int
	bumpPercent  int

	cctpMessenger    common.Address
	cctpBurnToken    common.Address
	cctpDomain       uint32
	attestURL        string
	attestEnv        string
	attestInterval   time.Duration
	attestDelay      time.Duration
	attestRetention  time.Duration
	registrations    bool
	registrationsAck time.Duration

	queueDriver  string
	queueBrokers []string
	queueGroup   string

	listen string
}

func (c config) cctpEnabled() bool { return c.cctpMessenger != (common.Address{}) }

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := logging.NewJSON(os.Stderr, cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relayer.exit", "error", err)
		os.Exit(1)
	}
}

func parseConfig(args []string) (config, error) {
	var (
		cfg config
		fs  = flag.NewFlagSet("relayer", flag.ContinueOnError)
	)
	fs.SetOutput(io.Discard)

	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&cfg.owner, "owner", "", "identity on pending-attempt markers (default: hostname-pid)")

	fs.StringVar(&cfg.source.rpcURL, "source-rpc-url", "", "source chain JSON-RPC URL (required)")
	fs.Uint64Var(&cfg.source.chainID, "source-chain-id", 0, "source chain id (required)")
	fs.Uint64Var(&cfg.source.confirmations, "source-confirmations", 5, "source chain confirmation depth")
	fs.Uint64Var(&cfg.source.startBlock, "source-start-block", 0, "first source block scanned on an empty ledger")
	fs.DurationVar(&cfg.source.interval, "source-interval", 12*time.Second, "source watch interval")

	fs.StringVar(&cfg.dest.rpcURL, "dest-rpc-url", "", "destination chain JSON-RPC URL (required)")
	fs.Uint64Var(&cfg.dest.chainID, "dest-chain-id", 0, "destination chain id (required)")
	fs.Uint64Var(&cfg.dest.confirmations, "dest-confirmations", 5, "destination chain confirmation depth")
	fs.Uint64Var(&cfg.dest.startBlock, "dest-start-block", 0, "first destination block scanned on an empty ledger")
	fs.DurationVar(&cfg.dest.interval, "dest-interval", 2*time.Second, "destination watch interval")

	escrow := fs.String("escrow-address", "", "source chain escrow contract (required)")
	wrapped := fs.String("wrapped-address", "", "destination chain wrapped asset contract (required)")
	fs.StringVar(&cfg.keyRef, "relayer-keys", "env:RELAYER_PRIVATE_KEYS", "relayer key reference: env:<NAME>, file:<path> or aws-sm:<secret-id> holding comma-separated hex keys")

	cfg.ledger.RegisterFlags(fs)
	fs.DurationVar(&cfg.attemptTTL, "attempt-ttl", 10*time.Minute, "lifetime of a pending-attempt marker")

	fs.Uint64Var(&cfg.overlap, "overlap", 5, "blocks re-read below the cursor on every tick")
	fs.Uint64Var(&cfg.maxRange, "max-range", 2000, "maximum blocks per log query (0 = unbounded)")
	fs.IntVar(&cfg.retryPending, "retry-pending", 16, "pending records retried per tick (negative disables)")
	fs.DurationVar(&cfg.expireAfter, "expire-after", 24*time.Hour, "mark deposits expired after this long unsettled (0 disables)")
	fs.DurationVar(&cfg.tickTimeout, "tick-timeout", 10*time.Minute, "upper bound on one watch tick")
	fs.DurationVar(&cfg.rpcTimeout, "rpc-timeout", 15*time.Second, "per-call RPC timeout")
	fs.UintVar(&cfg.rpcAttempts, "rpc-attempts", 5, "log query attempts per tick")
	fs.BoolVar(&cfg.release, "release", true, "watch destination burns and release on the source chain")

	fs.Uint64Var(&cfg.gasLimit, "gas-limit", 0, "gas limit override (0 = estimate)")
	fs.DurationVar(&cfg.confirmWait, "confirmation-timeout", 5*time.Minute, "how long to wait for a settlement receipt")
	fs.Int64Var(&cfg.minTipGwei, "min-tip-gwei", 1, "minimum priority fee (gwei)")
	fs.Float64Var(&cfg.gasMult, "gas-mult", 1.2, "gas limit multiplier when estimating")
	fs.DurationVar(&cfg.pollInterval, "receipt-poll-interval", 2*time.Second, "receipt poll interval")
	fs.DurationVar(&cfg.replaceAfter, "replace-after", 30*time.Second, "send a fee-bumped replacement after this long without a receipt")
	fs.IntVar(&cfg.maxReplace, "max-replacements", 3, "maximum replacement transactions")
	fs.IntVar(&cfg.bumpPercent, "bump-percent", 15, "replacement fee bump percentage")

	messenger := fs.String("cctp-token-messenger", "", "settle mints through this CCTP token messenger instead of the wrapped asset")
	burnToken := fs.String("cctp-burn-token", "", "token burned through the messenger (required with --cctp-token-messenger)")
	domain := fs.Uint("cctp-destination-domain", 0, "CCTP destination domain")
	fs.StringVar(&cfg.attestURL, "attestation-url", "", "attestation service base URL (default by --attestation-env)")
	fs.StringVar(&cfg.attestEnv, "attestation-env", "mainnet", "attestation service environment: mainnet|sandbox")
	fs.DurationVar(&cfg.attestInterval, "attestation-interval", 15*time.Second, "attestation poll interval")
	fs.DurationVar(&cfg.attestDelay, "attestation-delay-threshold", 20*time.Minute, "flag bridges as delayed after this long")
	fs.DurationVar(&cfg.attestRetention, "attestation-retention", time.Hour, "keep completed bridges visible this long")
	fs.BoolVar(&cfg.registrations, "consume-registrations", false, "track burns registered on the cctp.burns.v1 topic")
	fs.DurationVar(&cfg.registrationsAck, "queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

	fs.StringVar(&cfg.queueDriver, "queue-driver", queueDriverNone, "event queue driver: none|kafka|stdio")
	brokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	fs.StringVar(&cfg.queueGroup, "queue-group", "bridge-relayer", "queue consumer group")

	fs.StringVar(&cfg.listen, "listen", "127.0.0.1:8080", "status HTTP listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	lvl, ok := logging.ParseLevel(*logLevel)
	if !ok {
		return config{}, fmt.Errorf("invalid --log-level %q", *logLevel)
	}
	cfg.logLevel = lvl

	if cfg.source.rpcURL == "" || cfg.source.chainID == 0 || cfg.dest.rpcURL == "" || cfg.dest.chainID == 0 {
		return config{}, errors.New("--source-rpc-url, --source-chain-id, --dest-rpc-url and --dest-chain-id are required")
	}
	if cfg.source.chainID == cfg.dest.chainID {
		return config{}, errors.New("--source-chain-id and --dest-chain-id must differ")
	}
	var err error
	if cfg.escrow, err = parseAddress("--escrow-address", *escrow, true); err != nil {
		return config{}, err
	}
	if cfg.wrapped, err = parseAddress("--wrapped-address", *wrapped, true); err != nil {
		return config{}, err
	}
	if cfg.cctpMessenger, err = parseAddress("--cctp-token-messenger", *messenger, false); err != nil {
		return config{}, err
	}
	if cfg.cctpBurnToken, err = parseAddress("--cctp-burn-token", *burnToken, cfg.cctpEnabled()); err != nil {
		return config{}, err
	}
	if *domain > uint(^uint32(0)) {
		return config{}, errors.New("--cctp-destination-domain must fit uint32")
	}
	cfg.cctpDomain = uint32(*domain)
	if cfg.registrations && !cfg.cctpEnabled() {
		return config{}, errors.New("--consume-registrations requires --cctp-token-messenger")
	}

	if cfg.source.interval <= 0 || cfg.dest.interval <= 0 || cfg.attestInterval <= 0 {
		return config{}, errors.New("--source-interval, --dest-interval and --attestation-interval must be > 0")
	}
	if cfg.tickTimeout <= 0 || cfg.rpcTimeout <= 0 || cfg.confirmWait <= 0 || cfg.attemptTTL <= 0 {
		return config{}, errors.New("--tick-timeout, --rpc-timeout, --confirmation-timeout and --attempt-ttl must be > 0")
	}
	if cfg.confirmWait >= cfg.attemptTTL {
		return config{}, errors.New("--attempt-ttl must exceed --confirmation-timeout")
	}
	if cfg.expireAfter < 0 {
		return config{}, errors.New("--expire-after must be >= 0")
	}
	if cfg.maxRange != 0 && cfg.maxRange <= cfg.overlap+1 {
		// Each batch starts overlap blocks below the cursor and has to end
		// above it.
		return config{}, errors.New("--max-range must exceed --overlap + 1")
	}
	if cfg.rpcAttempts == 0 {
		return config{}, errors.New("--rpc-attempts must be > 0")
	}
	if cfg.minTipGwei < 0 || cfg.gasMult < 1 || cfg.maxReplace < 0 || cfg.bumpPercent <= 0 {
		return config{}, errors.New("--min-tip-gwei must be >= 0, --gas-mult >= 1, --max-replacements >= 0 and --bump-percent > 0")
	}

	cfg.queueDriver = strings.ToLower(strings.TrimSpace(cfg.queueDriver))
	cfg.queueBrokers = queue.SplitCommaList(*brokers)
	switch cfg.queueDriver {
	case queueDriverNone:
		if cfg.registrations {
			return config{}, errors.New("--consume-registrations requires a --queue-driver")
		}
	case queue.DriverKafka:
		if len(cfg.queueBrokers) == 0 {
			return config{}, errors.New("--queue-brokers is required for the kafka driver")
		}
	case queue.DriverStdio:
	default:
		return config{}, fmt.Errorf("unsupported --queue-driver %q", cfg.queueDriver)
	}

	if strings.TrimSpace(cfg.owner) == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "relayer"
		}
		cfg.owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg, nil
}

func parseAddress(name, raw string, required bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s is required", name)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s must be a valid hex address", name)
	}
	return common.HexToAddress(raw), nil
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, time.Minute)
	defer cancelStartup()

	store, err := ledgerstore.Open(startupCtx, cfg.ledger)
	if err != nil {
		return fmt.Errorf("open ledger storage: %w", err)
	}
	defer store.Close()

	l, err := ledger.Open(startupCtx, store.Backend, ledger.Options{
		Owner:      cfg.owner,
		Attempts:   store.Attempts,
		AttemptTTL: cfg.attemptTTL,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	rawKeys, err := secrets.NewResolver().Resolve(startupCtx, cfg.keyRef)
	if err != nil {
		return fmt.Errorf("resolve relayer keys: %w", err)
	}
	signers, err := eth.ParseSigners(rawKeys)
	if err != nil {
		return fmt.Errorf("parse relayer keys: %w", err)
	}

	srcRPC, err := eth.DialRPC(startupCtx, cfg.source.rpcURL, string(ledger.ChainSource), new(big.Int).SetUint64(cfg.source.chainID), cfg.rpcTimeout)
	if err != nil {
		return err
	}
	defer srcRPC.Close()
	dstRPC, err := eth.DialRPC(startupCtx, cfg.dest.rpcURL, string(ledger.ChainDestination), new(big.Int).SetUint64(cfg.dest.chainID), cfg.rpcTimeout)
	if err != nil {
		return err
	}
	defer dstRPC.Close()

	srcSender, err := newSender(srcRPC, signers, string(ledger.ChainSource), cfg.source.chainID, cfg, log)
	if err != nil {
		return err
	}
	dstSender, err := newSender(dstRPC, signers, string(ledger.ChainDestination), cfg.dest.chainID, cfg, log)
	if err != nil {
		return err
	}

	var producer queue.Producer
	if cfg.queueDriver != queueDriverNone {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  cfg.queueDriver,
			Brokers: cfg.queueBrokers,
		})
		if err != nil {
			return fmt.Errorf("init queue producer: %w", err)
		}
		defer func() { _ = producer.Close() }()
	}

	var tasks []scheduler.Task

	var tracker *attestation.Tracker
	if cfg.cctpEnabled() {
		client, err := attestation.NewClient(attestation.ClientConfig{
			BaseURL:     cfg.attestURL,
			Environment: cfg.attestEnv,
			Log:         log,
		})
		if err != nil {
			return fmt.Errorf("init attestation client: %w", err)
		}
		tracker, err = attestation.NewTracker(client, attestation.TrackerConfig{
			DelayThreshold: cfg.attestDelay,
			Retention:      cfg.attestRetention,
			Producer:       producer,
			Topic:          queue.TopicAttestations,
			Log:            log,
		})
		if err != nil {
			return fmt.Errorf("init attestation tracker: %w", err)
		}
		tasks = append(tasks, tracker.Task(cfg.attestInterval))
	}

	mintCfg := settlement.Config{
		Direction:           ledger.DirectionMint,
		Target:              cfg.wrapped,
		GasLimit:            cfg.gasLimit,
		ConfirmationTimeout: cfg.confirmWait,
		Escrow:              srcRPC,
		EscrowAddress:       cfg.escrow,
		Producer:            producer,
		Topic:               queue.TopicSettlements,
		Log:                 log,
	}
	var mintSender settlement.Submitter = dstSender
	if tracker != nil {
		// The messenger burns on the source chain; the attestation then
		// mints on the destination domain.
		mintCfg.CCTP = &settlement.CCTPConfig{
			TokenMessenger:    cfg.cctpMessenger,
			BurnToken:         cfg.cctpBurnToken,
			DestinationDomain: cfg.cctpDomain,
			Tracker:           tracker,
			Receipts:          srcRPC,
		}
		mintSender = srcSender
	}
	mintExec, err := settlement.NewExecutor(l, mintSender, mintCfg)
	if err != nil {
		return fmt.Errorf("init mint executor: %w", err)
	}

	escrowABI, err := bridgeabi.EscrowABI()
	if err != nil {
		return err
	}
	srcSource, err := chainsource.New(srcRPC, chainsource.Config{
		Chain:         string(ledger.ChainSource),
		Contract:      escrowABI,
		Confirmations: cfg.source.confirmations,
		MaxRange:      cfg.maxRange,
		MaxAttempts:   cfg.rpcAttempts,
		Log:           log,
	})
	if err != nil {
		return fmt.Errorf("init source events: %w", err)
	}
	mintWatcher, err := watcher.New(srcSource, l, mintExec, watcher.Config{
		Name:         "source-watch",
		Direction:    ledger.DirectionMint,
		Chain:        ledger.ChainSource,
		Contract:     cfg.escrow,
		StartBlock:   cfg.source.startBlock,
		Overlap:      cfg.overlap,
		MaxRange:     cfg.maxRange,
		ConfirmEvent: releaseConfirmEvent(cfg.release),
		RetryPending: cfg.retryPending,
		ExpireAfter:  cfg.expireAfter,
		Interval:     cfg.source.interval,
		Timeout:      cfg.tickTimeout,
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("init source watcher: %w", err)
	}
	tasks = append(tasks, mintWatcher.Task())

	if cfg.release {
		releaseExec, err := settlement.NewExecutor(l, srcSender, settlement.Config{
			Direction:           ledger.DirectionRelease,
			Target:              cfg.escrow,
			GasLimit:            cfg.gasLimit,
			ConfirmationTimeout: cfg.confirmWait,
			Producer:            producer,
			Topic:               queue.TopicSettlements,
			Log:                 log,
		})
		if err != nil {
			return fmt.Errorf("init release executor: %w", err)
		}
		wrappedABI, err := bridgeabi.WrappedABI()
		if err != nil {
			return err
		}
		dstSource, err := chainsource.New(dstRPC, chainsource.Config{
			Chain:         string(ledger.ChainDestination),
			Contract:      wrappedABI,
			Confirmations: cfg.dest.confirmations,
			MaxRange:      cfg.maxRange,
			MaxAttempts:   cfg.rpcAttempts,
			Log:           log,
		})
		if err != nil {
			return fmt.Errorf("init destination events: %w", err)
		}
		confirm := bridgeabi.EventMinted
		if tracker != nil {
			// CCTP mints are not emitted by the wrapped asset.
			confirm = ""
		}
		releaseWatcher, err := watcher.New(dstSource, l, releaseExec, watcher.Config{
			Name:         "destination-watch",
			Direction:    ledger.DirectionRelease,
			Chain:        ledger.ChainDestination,
			Contract:     cfg.wrapped,
			StartBlock:   cfg.dest.startBlock,
			Overlap:      cfg.overlap,
			MaxRange:     cfg.maxRange,
			ConfirmEvent: confirm,
			RetryPending: cfg.retryPending,
			ExpireAfter:  cfg.expireAfter,
			Interval:     cfg.dest.interval,
			Timeout:      cfg.tickTimeout,
			Log:          log,
		})
		if err != nil {
			return fmt.Errorf("init destination watcher: %w", err)
		}
		tasks = append(tasks, releaseWatcher.Task())
	}

	sched, err := scheduler.New(log, tasks...)
	if err != nil {
		return err
	}

	if cfg.registrations {
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  cfg.queueDriver,
			Brokers: cfg.queueBrokers,
			Group:   cfg.queueGroup,
			Topics:  []string{queue.TopicBurns},
			Reader:  os.Stdin,
		})
		if err != nil {
			return fmt.Errorf("init registration consumer: %w", err)
		}
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := tracker.ConsumeRegistrations(ctx, consumer, cfg.registrationsAck); err != nil && ctx.Err() == nil {
				log.Error("attestation.registrations", "error", err)
			}
		}()
	}

	var srv *http.Server
	srvErr := make(chan error, 1)
	if cfg.listen != "" {
		var bridges statusapi.BridgeReader
		if tracker != nil {
			bridges = tracker
		}
		handler, err := statusapi.NewHandler(statusapi.Config{}, l, bridges)
		if err != nil {
			return err
		}
		srv = &http.Server{
			Addr:              cfg.listen,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			log.Info("statusapi.listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	log.Info("relayer.started",
		"owner", cfg.owner,
		"ledgerDriver", store.Driver,
		"signers", len(signers),
		"escrow", cfg.escrow.Hex(),
		"wrapped", cfg.wrapped.Hex(),
		"cctp", cfg.cctpEnabled(),
		"release", cfg.release,
		"lastSourceBlock", l.GetCursor(ledger.ChainSource),
		"lastDestBlock", l.GetCursor(ledger.ChainDestination),
	)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	go func() {
		select {
		case err := <-srvErr:
			log.Error("statusapi.serve", "error", err)
			cancelRun(fmt.Errorf("status server: %w", err))
		case <-runCtx.Done():
		}
	}()

	sched.Run(runCtx)

	// Ticks have drained; write a final snapshot before exiting.
	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	persistErr := l.Persist(finalCtx)
	if srv != nil {
		_ = srv.Shutdown(finalCtx)
	}
	log.Info("relayer.stopped", "reason", context.Cause(runCtx).Error())

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return persistErr
}

func releaseConfirmEvent(release bool) string {
	if !release {
		return ""
	}
	return bridgeabi.EventReleased
}

func gweiToWei(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000))
}

func newSender(rpc *eth.RPC, signers []eth.Signer, chain string, chainID uint64, cfg config, log *slog.Logger) (*eth.Sender, error) {
	s, err := eth.NewSender(rpc, signers, eth.SenderConfig{
		Chain:              chain,
		ChainID:            new(big.Int).SetUint64(chainID),
		GasLimitMultiplier: cfg.gasMult,
		Fees: eth.FeePolicy{
			TipFloor:    gweiToWei(cfg.minTipGwei),
			BumpPercent: cfg.bumpPercent,
			MinTipBump:  gweiToWei(1),
			MinCapBump:  gweiToWei(1),
		},
		ReceiptPollInterval: cfg.pollInterval,
		ReplaceAfter:        cfg.replaceAfter,
		MaxReplacements:     cfg.maxReplace,
		Log:                 log,
	})
	if err != nil {
		return nil, fmt.Errorf("init %s sender: %w", chain, err)
	}
	return s, nil
}
