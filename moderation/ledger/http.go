package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mediaguard/mediaguard/util"

	"github.com/carlmjohnson/versioninfo"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Client for a ledger gateway: a small REST service in front of the ledger
// node which holds contract bindings and signs on behalf of identities.
//
// API:
//
//	GET  /v1/identities/{id}                  -> IdentityStatus (404 if unknown)
//	GET  /v1/identities/{id}/balance          -> {"balance": "<decimal>"}
//	GET  /v1/fees                             -> {"gas_price": "<decimal>"}
//	POST /v1/identities/{id}/register         -> {"tx_hash": "..."}
//	POST /v1/posts {author,content_hash,vulgarity_score} -> {"tx_hash": "..."}
//	POST /v1/identities/{id}/unblock-request  -> {"tx_hash": "..."}
//	POST /v1/identities/{id}/unblock          -> {"tx_hash": "..."}
//	GET  /v1/tx/{hash}/receipt                -> Receipt (404 while pending)
//	GET  /v1/posts/{id}                       -> Post
//
// Transaction submissions are rate limited. Every call goes through a
// circuit breaker, so a hung gateway fails fast instead of stalling every
// submission until its timeout.
type HTTPLedger struct {
	Client   *http.Client
	Host     string
	ApiToken string
	Breaker  *cb.CircuitBreaker
	Limiter  *rate.Limiter
	// first receipt poll delay; later polls back off exponentially
	PollInterval time.Duration
	Logger       *slog.Logger
}

var _ Ledger = (*HTTPLedger)(nil)

type txResp struct {
	TxHash string `json:"tx_hash"`
}

type submitPostReq struct {
	Author      string `json:"author"`
	ContentHash string `json:"content_hash"`
	Score       int64  `json:"vulgarity_score"`
}

type balanceResp struct {
	Balance decimal.Decimal `json:"balance"`
}

type feeResp struct {
	GasPrice decimal.Decimal `json:"gas_price"`
}

// txPerSecond <= 0 disables rate limiting.
func NewHTTPLedger(host, token string, txPerSecond float64) *HTTPLedger {
	logger := slog.Default().With("component", "ledger")
	limit := rate.Inf
	if txPerSecond > 0 {
		limit = rate.Limit(txPerSecond)
	}
	settings := cb.Settings{
		Name:        "ledger",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			ledgerBreakerState.Set(float64(to))
			logger.Warn("ledger circuit breaker state change", "from", from.String(), "to", to.String())
		},
	}
	return &HTTPLedger{
		// retries are short: callers carry their own deadline
		Client:       util.RobustHTTPClientWith(1, 15*time.Second),
		Host:         strings.TrimSuffix(host, "/"),
		ApiToken:     token,
		Breaker:      cb.NewCircuitBreaker(settings),
		Limiter:      rate.NewLimiter(limit, 1),
		PollInterval: 500 * time.Millisecond,
		Logger:       logger,
	}
}

// status code 5xx is a failure for the circuit breaker; anything else is an
// answer from the gateway, to be interpreted by the caller
type gatewayResp struct {
	StatusCode int
	Body       []byte
}

func (l *HTTPLedger) call(ctx context.Context, op, method, path string, body any) (*gatewayResp, error) {
	start := time.Now()
	defer func() {
		ledgerAPIDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	out, err := l.Breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, l.Host+path, reqBody)
		if err != nil {
			return nil, err
		}
		if l.ApiToken != "" {
			req.Header.Set("Authorization", "Bearer "+l.ApiToken)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "mediaguard/"+versioninfo.Short())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := l.Client.Do(req)
		if err != nil {
			ledgerAPICount.WithLabelValues(op, "error").Inc()
			return nil, err
		}
		defer res.Body.Close()
		ledgerAPICount.WithLabelValues(op, strconv.Itoa(res.StatusCode)).Inc()

		respBytes, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 500 {
			return nil, fmt.Errorf("gateway statusCode=%d", res.StatusCode)
		}
		return &gatewayResp{StatusCode: res.StatusCode, Body: respBytes}, nil
	})
	if err != nil {
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: circuit breaker: %v", ErrLedgerUnreachable, op, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLedgerUnreachable, op, err)
	}
	return out.(*gatewayResp), nil
}

func decodeResp(resp *gatewayResp, op string, out any) error {
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(resp.Body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%w: %s: statusCode=%d: %s", ErrLedgerRejected, op, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: %s: failed to parse gateway response: %v", ErrLedgerUnreachable, op, err)
	}
	return nil
}

func identityPath(identity string, suffix string) string {
	return "/v1/identities/" + url.PathEscape(identity) + suffix
}

func (l *HTTPLedger) Status(ctx context.Context, identity string) (*IdentityStatus, error) {
	resp, err := l.call(ctx, "status", http.MethodGet, identityPath(identity, ""), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	var st IdentityStatus
	if err := decodeResp(resp, "status", &st); err != nil {
		return nil, err
	}
	if !st.Registered && !st.Blocked {
		return nil, nil
	}
	return &st, nil
}

func (l *HTTPLedger) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	resp, err := l.call(ctx, "balance", http.MethodGet, identityPath(identity, "/balance"), nil)
	if err != nil {
		return decimal.Zero, err
	}
	var out balanceResp
	if err := decodeResp(resp, "balance", &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (l *HTTPLedger) FeeEstimate(ctx context.Context) (decimal.Decimal, error) {
	resp, err := l.call(ctx, "fees", http.MethodGet, "/v1/fees", nil)
	if err != nil {
		return decimal.Zero, err
	}
	var out feeResp
	if err := decodeResp(resp, "fees", &out); err != nil {
		return decimal.Zero, err
	}
	return out.GasPrice, nil
}

func (l *HTTPLedger) GetPost(ctx context.Context, postID int64) (*Post, error) {
	resp, err := l.call(ctx, "get-post", http.MethodGet, "/v1/posts/"+strconv.FormatInt(postID, 10), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPostNotFound
	}
	var p Post
	if err := decodeResp(resp, "get-post", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *HTTPLedger) Register(ctx context.Context, identity string) (*Receipt, error) {
	return l.transact(ctx, "register", identityPath(identity, "/register"), nil)
}

func (l *HTTPLedger) SubmitPost(ctx context.Context, identity, contentHash string, score int64) (*Receipt, error) {
	body := submitPostReq{Author: identity, ContentHash: contentHash, Score: score}
	return l.transact(ctx, "submit-post", "/v1/posts", body)
}

func (l *HTTPLedger) RequestUnblock(ctx context.Context, identity string) (*Receipt, error) {
	return l.transact(ctx, "request-unblock", identityPath(identity, "/unblock-request"), nil)
}

func (l *HTTPLedger) AdminUnblock(ctx context.Context, identity string) (*Receipt, error) {
	return l.transact(ctx, "admin-unblock", identityPath(identity, "/unblock"), nil)
}

// Submits a transaction and waits for its receipt.
func (l *HTTPLedger) transact(ctx context.Context, op, path string, body any) (*Receipt, error) {
	if err := l.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: rate limit wait: %v", ErrLedgerUnreachable, op, err)
	}
	resp, err := l.call(ctx, op, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	var tx txResp
	if err := decodeResp(resp, op, &tx); err != nil {
		return nil, err
	}
	if tx.TxHash == "" {
		return nil, fmt.Errorf("%w: %s: gateway returned no tx hash", ErrLedgerUnreachable, op)
	}
	l.Logger.Debug("ledger transaction submitted", "op", op, "tx", tx.TxHash)
	return l.waitReceipt(ctx, op, tx.TxHash)
}

var errReceiptPending = errors.New("receipt pending")

// Polls for a receipt until it is mined or ctx expires.
func (l *HTTPLedger) waitReceipt(ctx context.Context, op, txHash string) (*Receipt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.PollInterval
	b.MaxInterval = 5 * time.Second
	// bounded by ctx
	b.MaxElapsedTime = 0

	var receipt Receipt
	path := "/v1/tx/" + url.PathEscape(txHash) + "/receipt"
	err := backoff.Retry(func() error {
		resp, err := l.call(ctx, "receipt", http.MethodGet, path, nil)
		if err != nil {
			// transient; the breaker opening will surface as repeated failures
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			return errReceiptPending
		}
		if err := decodeResp(resp, "receipt", &receipt); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, ErrLedgerRejected) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: confirmation of tx=%s not received: %v", ErrLedgerUnreachable, op, txHash, ctx.Err())
		}
		return nil, err
	}
	if receipt.TxHash == "" {
		receipt.TxHash = txHash
	}
	return &receipt, nil
}
