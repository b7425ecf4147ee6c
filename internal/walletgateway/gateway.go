// Package walletgateway implements WalletGateway (SPEC_FULL.md §4.1): a
// thin JSON-RPC 2.0 adapter to one remote wallet endpoint, with OPSEC host
// enforcement, per-endpoint concurrency gating, and a bounded retry policy.
package walletgateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

// Config configures one Gateway instance (§4.1 contract).
type Config struct {
	EndpointURL    string
	AuthToken      string // optional bearer token (§4.5 register_wallet's auth_opt)
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ConcurrencyCap int
	MaxRetries     int
	RetryBase      time.Duration
	RetryCap       time.Duration
	Log            *logging.Logger
}

// Gateway is a JSON-RPC client bound to a single wallet endpoint. A
// Gateway is safe for concurrent use: its semaphore bounds the number of
// in-flight requests and its serialization mutex ensures only one
// JSON-RPC method is in flight at a time, since remote wallets are not
// reentrant.
type Gateway struct {
	endpointURL string
	httpClient  *http.Client
	requestID   atomic.Uint64

	authToken string

	sem    chan struct{}
	callMu sync.Mutex

	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration

	log *logging.Logger
}

// New constructs a Gateway after validating the endpoint against the
// OPSEC loopback/.onion constraint (§4.1, §8 boundary behaviors).
func New(cfg Config) (*Gateway, error) {
	if err := validateEndpoint(cfg.EndpointURL); err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout < time.Second || connectTimeout > 30*time.Second {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout < 10*time.Second || requestTimeout > 120*time.Second {
		requestTimeout = 30 * time.Second
	}
	concurrencyCap := cfg.ConcurrencyCap
	if concurrencyCap <= 0 {
		concurrencyCap = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}
	retryCap := cfg.RetryCap
	if retryCap <= 0 {
		retryCap = 4 * time.Second
	}

	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}

	return &Gateway{
		endpointURL: cfg.EndpointURL,
		authToken:   cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		sem:        make(chan struct{}, concurrencyCap),
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryCap:   retryCap,
		log:        log.Component("walletgateway"),
	}, nil
}

// validateEndpoint enforces the §4.1 OPSEC constraint: loopback or
// .onion only.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return escrowerr.Wrap(escrowerr.OpsecViolation, "invalid endpoint URL", err)
	}
	host := u.Hostname()
	if host == "" {
		return escrowerr.New(escrowerr.OpsecViolation, "endpoint URL has no host")
	}
	if host == "127.0.0.1" || host == "::1" || host == "localhost" {
		return nil
	}
	if strings.HasSuffix(strings.ToLower(host), ".onion") {
		return nil
	}
	return escrowerr.Newf(escrowerr.OpsecViolation, "endpoint host %q is not loopback or .onion", host)
}

// jsonrpcRequest / jsonrpcResponse mirror the wire shapes in §6.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call serializes one JSON-RPC method invocation, gated by the
// concurrency semaphore and the serialization mutex, with retry on
// transient failures only. RPC-level semantic errors are never retried.
func (g *Gateway) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, escrowerr.Wrap(escrowerr.Timeout, "waiting for gateway concurrency slot", ctx.Err())
	}
	defer func() { <-g.sem }()

	g.callMu.Lock()
	defer g.callMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := fullJitterBackoff(g.retryBase, g.retryCap, attempt)
			g.log.Debug("retrying wallet RPC call", "method", method, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, escrowerr.Wrap(escrowerr.Timeout, "context cancelled during retry backoff", ctx.Err())
			}
		}

		result, retryable, err := g.doCall(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, escrowerr.Wrap(escrowerr.Unreachable, fmt.Sprintf("exhausted retries for %s", method), lastErr)
}

// doCall performs exactly one HTTP round trip. The retryable return value
// distinguishes transient transport/5xx failures (retry) from RPC
// semantic errors (never retried, per §4.1).
func (g *Gateway) doCall(ctx context.Context, method string, params any) (json.RawMessage, bool, error) {
	id := g.requestID.Add(1)
	reqBody := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, escrowerr.Wrap(escrowerr.Internal, "marshal RPC request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpointURL, bytes.NewReader(data))
	if err != nil {
		return nil, false, escrowerr.Wrap(escrowerr.Internal, "build RPC request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, escrowerr.Wrap(escrowerr.Unreachable, "wallet endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, escrowerr.Newf(escrowerr.Unreachable, "wallet endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, escrowerr.Newf(escrowerr.RpcError, "wallet endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, escrowerr.Wrap(escrowerr.Unreachable, "read RPC response body", err)
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, false, escrowerr.Wrap(escrowerr.RpcError, "parse RPC response", err)
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == walletLockedCode {
			return nil, false, escrowerr.New(escrowerr.Locked, rpcResp.Error.Message)
		}
		return nil, false, escrowerr.Newf(escrowerr.RpcError, "%s", rpcResp.Error.Message).
			WithFields(escrowerr.RpcErrorFields{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message})
	}

	return rpcResp.Result, false, nil
}

// walletLockedCode is the wallet-locked RPC error code (monero-wallet-rpc
// convention).
const walletLockedCode = -21

// fullJitterBackoff implements the §4.1 retry policy: base * 2^(attempt-1)
// capped, then a uniform random delay in [0, capped) ("full jitter").
func fullJitterBackoff(base, capDelay time.Duration, attempt int) time.Duration {
	maxDelay := base
	for i := 1; i < attempt; i++ {
		maxDelay *= 2
		if maxDelay > capDelay {
			maxDelay = capDelay
			break
		}
	}
	if maxDelay <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxDelay)))
	if err != nil {
		return maxDelay
	}
	return time.Duration(n.Int64())
}
