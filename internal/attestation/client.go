package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juno-intents/bridge-relayer/internal/eth"
	"github.com/juno-intents/bridge-relayer/internal/logging"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	IrisMainnetURL = "https://iris-api.circle.com"
	IrisSandboxURL = "https://iris-api-sandbox.circle.com"

	// MaxRequestsPerSecond stays under the service's published limit of 35.
	MaxRequestsPerSecond = 30

	MessageStatusComplete = "complete"
	// PendingAttestation is the placeholder the service returns in the
	// attestation field before signing.
	PendingAttestation = "PENDING"
)

var (
	ErrInvalidConfig = errors.New("attestation: invalid config")
	ErrServer        = errors.New("attestation: server error")
)

// APIError is a non-retryable 4xx response other than 404.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attestation: api error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}

func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Message is one entry of GET /v2/messages.
type Message struct {
	Attestation string `json:"attestation"`
	Message     string `json:"message"`
	EventNonce  string `json:"eventNonce"`
	Status      string `json:"status"`
	MessageHash string `json:"messageHash,omitempty"`
}

// Complete reports whether the message carries a usable attestation.
func (m Message) Complete() bool {
	a := strings.TrimSpace(m.Attestation)
	return strings.EqualFold(strings.TrimSpace(m.Status), MessageStatusComplete) &&
		a != "" && !strings.EqualFold(a, PendingAttestation)
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

type ClientConfig struct {
	BaseURL     string
	Environment string // "mainnet" or "sandbox" when BaseURL is empty
	Timeout     time.Duration

	MaxRetries   int
	RetryBackoff time.Duration
	// RequestsPerSecond of 0 uses MaxRequestsPerSecond.
	RequestsPerSecond float64
	MaxBodyBytes      int64

	HTTPClient *http.Client
	Log        *slog.Logger
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Client queries the attestation service. Calls are rate limited, retried
// on 5xx and guarded by a circuit breaker.
type Client struct {
	cfg     ClientConfig
	base    *url.URL
	hc      *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		switch strings.ToLower(strings.TrimSpace(cfg.Environment)) {
		case "mainnet":
			cfg.BaseURL = IrisMainnetURL
		case "", "sandbox", "testnet":
			cfg.BaseURL = IrisSandboxURL
		default:
			return nil, fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, cfg.Environment)
		}
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("%w: requests per second must be >= 0", ErrInvalidConfig)
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = MaxRequestsPerSecond
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Sleep == nil {
		cfg.Sleep = eth.SleepCtx
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "attestation-api",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			BreakerState.WithLabelValues(name).Set(float64(to))
			c.log.Warn("attestation.breaker", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// GetMessages returns the messages emitted by txHash. A 404 or an empty list
// means the attestation is not available yet and is returned as an empty
// response with a nil error.
func (c *Client) GetMessages(ctx context.Context, txHash string) (MessagesResponse, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return MessagesResponse{}, fmt.Errorf("%w: empty transaction hash", ErrInvalidConfig)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return MessagesResponse{}, fmt.Errorf("attestation: rate limiter: %w", err)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/v2/messages"
	u.RawQuery = url.Values{"transactionHash": []string{txHash}}.Encode()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, u.String())
	})
	if err != nil {
		Requests.WithLabelValues(requestOutcome(err)).Inc()
		return MessagesResponse{}, err
	}
	resp := out.(MessagesResponse)
	if len(resp.Messages) == 0 {
		Requests.WithLabelValues("pending").Inc()
	} else {
		Requests.WithLabelValues("ok").Inc()
	}
	return resp, nil
}

func requestOutcome(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &apiErr):
		return "client_error"
	case errors.Is(err, ErrServer):
		return "server_error"
	default:
		return "error"
	}
}

func (c *Client) get(ctx context.Context, fullURL string) (MessagesResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.cfg.Sleep(ctx, c.cfg.RetryBackoff*time.Duration(1<<(attempt-1))); err != nil {
				return MessagesResponse{}, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return MessagesResponse{}, fmt.Errorf("attestation: create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return MessagesResponse{}, ctx.Err()
			}
			lastErr = fmt.Errorf("attestation: request: %w", err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("attestation: read body: %w", err)
			continue
		}
		if int64(len(body)) > c.cfg.MaxBodyBytes {
			return MessagesResponse{}, fmt.Errorf("attestation: response exceeds %d bytes", c.cfg.MaxBodyBytes)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return MessagesResponse{}, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			apiErr := &APIError{}
			_ = json.Unmarshal(body, apiErr)
			apiErr.StatusCode = resp.StatusCode
			if apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			return MessagesResponse{}, apiErr
		}

		var out MessagesResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &out); err != nil {
				return MessagesResponse{}, fmt.Errorf("attestation: decode response: %w", err)
			}
		}
		return out, nil
	}
	return MessagesResponse{}, lastErr
}
