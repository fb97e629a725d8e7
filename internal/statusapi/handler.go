// Package statusapi serves the relayer's read-only operator surface: health,
// ledger progress, individual deposit records, active attestation bridges and
// Prometheus metrics.
package statusapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/bridge-relayer/internal/attestation"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
	"github.com/juno-intents/bridge-relayer/internal/nonce"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("statusapi: invalid config")

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	// Metrics defaults to the default Prometheus registry handler.
	Metrics http.Handler

	Now func() time.Time
}

type LedgerReader interface {
	GetCursor(chain ledger.Chain) uint64
	Get(dir ledger.Direction, n nonce.Nonce) (ledger.DepositRecord, error)
	List(dir ledger.Direction, status ledger.Status) []ledger.DepositRecord
	TotalPending(dir ledger.Direction) *big.Int
}

type BridgeReader interface {
	GetActiveBridges() []attestation.BridgeTransaction
	Get(txHash common.Hash) (attestation.BridgeTransaction, bool)
}

// NewHandler returns the status mux. bridges may be nil when CCTP tracking
// is disabled; the bridge routes then report 404.
func NewHandler(cfg Config, l LedgerReader, bridges BridgeReader) (http.Handler, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:     cfg,
		ledger:  l,
		bridges: bridges,
		limiter: newIPRateLimiter(rate.Limit(cfg.RateLimitPerIPPerSecond), cfg.RateLimitBurst, cfg.RateLimitMaxTrackedIPs),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", cfg.Metrics)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/deposits/{direction}", h.handleDeposits)
	mux.HandleFunc("GET /v1/deposits/{direction}/{nonce}", h.handleDeposit)
	mux.HandleFunc("GET /v1/bridges", h.handleBridges)
	mux.HandleFunc("GET /v1/bridges/{txHash}", h.handleBridge)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks and scrapes are never throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	ledger  LedgerReader
	bridges BridgeReader
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	directions := map[string]any{}
	for _, dir := range []ledger.Direction{ledger.DirectionMint, ledger.DirectionRelease} {
		directions[dir.String()] = map[string]any{
			"pending":       len(h.ledger.List(dir, ledger.StatusPending)),
			"processed":     len(h.ledger.List(dir, ledger.StatusProcessed)),
			"expired":       len(h.ledger.List(dir, ledger.StatusExpired)),
			"pendingAmount": h.ledger.TotalPending(dir).String(),
		}
	}
	body := map[string]any{
		"version":         "v1",
		"lastSourceBlock": strconv.FormatUint(h.ledger.GetCursor(ledger.ChainSource), 10),
		"lastDestBlock":   strconv.FormatUint(h.ledger.GetCursor(ledger.ChainDestination), 10),
		"directions":      directions,
	}
	if h.bridges != nil {
		active := h.bridges.GetActiveBridges()
		delayed := 0
		for _, b := range active {
			if b.Delayed {
				delayed++
			}
		}
		body["bridges"] = map[string]any{"active": len(active), "delayed": delayed}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) handleDeposits(w http.ResponseWriter, r *http.Request) {
	dir, err := ledger.ParseDirection(r.PathValue("direction"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"version": "v1", "error": "invalid_direction"})
		return
	}
	status := ledger.StatusPending
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err = ledger.ParseStatus(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"version": "v1", "error": "invalid_status"})
			return
		}
	}
	recs := h.ledger.List(dir, status)
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, depositJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"direction": dir.String(),
		"status":    status.String(),
		"deposits":  out,
	})
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	dir, err := ledger.ParseDirection(r.PathValue("direction"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"version": "v1", "error": "invalid_direction"})
		return
	}
	n, err := nonce.FromDecimal(r.PathValue("nonce"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"version": "v1", "error": "invalid_nonce"})
		return
	}
	rec, err := h.ledger.Get(dir, n)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":   "v1",
				"found":     false,
				"direction": dir.String(),
				"nonce":     n.String(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"version": "v1", "error": "internal"})
		return
	}
	body := depositJSON(rec)
	body["version"] = "v1"
	body["found"] = true
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) handleBridges(w http.ResponseWriter, _ *http.Request) {
	if h.bridges == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"version": "v1", "error": "cctp_disabled"})
		return
	}
	active := h.bridges.GetActiveBridges()
	out := make([]map[string]any, 0, len(active))
	for _, b := range active {
		out = append(out, bridgeJSON(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "bridges": out})
}

func (h *handler) handleBridge(w http.ResponseWriter, r *http.Request) {
	if h.bridges == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"version": "v1", "error": "cctp_disabled"})
		return
	}
	raw := strings.TrimSpace(r.PathValue("txHash"))
	if len(strings.TrimPrefix(raw, "0x")) != 64 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"version": "v1", "error": "invalid_tx_hash"})
		return
	}
	hash := common.HexToHash(raw)
	b, ok := h.bridges.Get(hash)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "found": false, "transactionHash": hash.Hex()})
		return
	}
	body := bridgeJSON(b)
	body["version"] = "v1"
	body["found"] = true
	writeJSON(w, http.StatusOK, body)
}

func depositJSON(rec ledger.DepositRecord) map[string]any {
	out := map[string]any{
		"direction":    rec.Direction.String(),
		"nonce":        rec.Nonce.String(),
		"depositor":    rec.Depositor.Hex(),
		"amount":       amountString(rec.Amount),
		"status":       rec.Status.String(),
		"observedAt":   rec.ObservedAt.UTC().Format(time.RFC3339),
		"sourceBlock":  strconv.FormatUint(rec.SourceBlock, 10),
		"sourceTxHash": rec.SourceTxHash.Hex(),
		"attempts":     rec.Attempts,
	}
	if rec.LastError != "" {
		out["lastError"] = rec.LastError
	}
	if !rec.SettledAt.IsZero() {
		out["settledAt"] = rec.SettledAt.UTC().Format(time.RFC3339)
		out["txHash"] = rec.TxHash.Hex()
	}
	return out
}

func bridgeJSON(b attestation.BridgeTransaction) map[string]any {
	out := map[string]any{
		"transactionHash":   b.TransactionHash.Hex(),
		"nonce":             strconv.FormatUint(b.Nonce, 10),
		"sender":            b.Sender.Hex(),
		"destinationDomain": b.DestinationDomain,
		"amount":            amountString(b.Amount),
		"status":            string(b.Status),
		"createdAt":         b.CreatedAt.UTC().Format(time.RFC3339),
		"polls":             b.Polls,
		"delayed":           b.Delayed,
	}
	if b.CompletedAt != nil {
		out["completedAt"] = b.CompletedAt.UTC().Format(time.RFC3339)
	}
	if b.LastError != "" {
		out["lastError"] = b.LastError
	}
	return out
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client address and evicts the
// least recently seen address once maxTracked is reached.
type ipRateLimiter struct {
	mu sync.Mutex

	limit      rate.Limit
	burst      int
	maxTracked int
	entries    map[string]*limiterEntry
}

func newIPRateLimiter(limit rate.Limit, burst, maxTracked int) *ipRateLimiter {
	return &ipRateLimiter{
		limit:      limit,
		burst:      burst,
		maxTracked: maxTracked,
		entries:    make(map[string]*limiterEntry),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= l.maxTracked {
			l.evictOne()
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	for ip, e := range l.entries {
		if oldestIP == "" || e.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = e.lastSeen
		}
	}
	delete(l.entries, oldestIP)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
