package vrf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Wire paths shared by the clients and the HTTP handlers.
const (
	RequestsPath = "/api/vrf/requests"
	FulfillPath  = "/api/vrf/fulfill"
)

// RequestPayload is the body of POST /api/vrf/requests.
type RequestPayload struct {
	Consumer         string      `json:"consumer"`
	KeyHash          common.Hash `json:"key_hash"`
	SubscriptionID   uint64      `json:"subscription_id"`
	MinConfirmations uint16      `json:"min_confirmations"`
	CallbackGasLimit uint32      `json:"callback_gas_limit"`
	NumWords         uint32      `json:"num_words"`
}

// RequestResponse is the reply to a randomness request.
type RequestResponse struct {
	RequestID *hexutil.Big `json:"request_id"`
}

// FulfillPayload is the body of POST /api/vrf/fulfill. Signature is the
// coordinator's signature over the request id and words.
type FulfillPayload struct {
	RequestID   *hexutil.Big   `json:"request_id"`
	RandomWords []*hexutil.Big `json:"random_words"`
	Signature   string         `json:"signature"`
}

// Words converts the payload words to big integers.
func (p FulfillPayload) Words() []*big.Int {
	out := make([]*big.Int, len(p.RandomWords))
	for i, w := range p.RandomWords {
		if w != nil {
			out[i] = w.ToInt()
		}
	}
	return out
}

// HTTPClient is a domain.RandomnessOracle backed by a remote coordinator.
type HTTPClient struct {
	baseURL    string
	consumer   string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewHTTPClient creates an oracle client for the coordinator at baseURL that
// requests on behalf of consumer. auth may be nil.
func NewHTTPClient(baseURL, consumer string, auth *crypto.HMACAuth) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		consumer: consumer,
		auth:     auth,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RequestRandomWords posts the request and returns the coordinator's id.
func (c *HTTPClient) RequestRandomWords(ctx context.Context, req domain.RandomnessRequest) (*big.Int, error) {
	body, err := json.Marshal(RequestPayload{
		Consumer:         c.consumer,
		KeyHash:          req.KeyHash,
		SubscriptionID:   req.SubscriptionID,
		MinConfirmations: req.MinConfirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
	})
	if err != nil {
		return nil, fmt.Errorf("vrf/client: marshal request: %w", err)
	}

	respBody, err := post(ctx, c.httpClient, c.baseURL+RequestsPath, body, c.headers(RequestsPath, body))
	if err != nil {
		return nil, fmt.Errorf("vrf/client: request random words: %w", err)
	}
	var out RequestResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("vrf/client: decode response: %w", err)
	}
	if out.RequestID == nil {
		return nil, fmt.Errorf("vrf/client: response carries no request id")
	}
	return out.RequestID.ToInt(), nil
}

func (c *HTTPClient) headers(path string, body []byte) map[string]string {
	if c.auth == nil {
		return nil
	}
	return c.auth.Headers(http.MethodPost, path, string(body))
}

// CallbackConsumer delivers signed fulfilments to a raffle over HTTP. It is
// registered with the local Coordinator in oracle mode.
type CallbackConsumer struct {
	url        string
	signer     *crypto.FulfillmentSigner
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	limiter domain.RateLimiter
	limit   int
	window  time.Duration
}

// NewCallbackConsumer targets the raffle at baseURL. apiKey is sent as the
// X-API-Key header when non-empty.
func NewCallbackConsumer(baseURL string, signer *crypto.FulfillmentSigner, apiKey string, logger *slog.Logger) *CallbackConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackConsumer{
		url:    strings.TrimRight(baseURL, "/") + FulfillPath,
		signer: signer,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "vrf_callback")),
	}
}

// WithPacing holds deliveries to limit per window. The budget is keyed by the
// consumer URL, so oracles sharing limiter share it.
func (c *CallbackConsumer) WithPacing(limiter domain.RateLimiter, limit int, window time.Duration) *CallbackConsumer {
	c.limiter, c.limit, c.window = limiter, limit, window
	return c
}

// RawFulfillRandomWords signs and posts the fulfilment.
func (c *CallbackConsumer) RawFulfillRandomWords(ctx context.Context, requestID *big.Int, words []*big.Int) error {
	if c.limiter != nil && c.limit > 0 {
		if err := c.limiter.Wait(ctx, "vrf:deliver:"+c.url, c.limit, c.window); err != nil {
			return fmt.Errorf("vrf/callback: pace %s: %w", requestID, err)
		}
	}
	sig, err := c.signer.Sign(requestID, words)
	if err != nil {
		return err
	}
	payload := FulfillPayload{
		RequestID:   (*hexutil.Big)(requestID),
		RandomWords: make([]*hexutil.Big, len(words)),
		Signature:   sig,
	}
	for i, w := range words {
		payload.RandomWords[i] = (*hexutil.Big)(w)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vrf/callback: marshal fulfilment: %w", err)
	}

	var hdr map[string]string
	if c.apiKey != "" {
		hdr = map[string]string{"X-API-Key": c.apiKey}
	}
	if _, err := post(ctx, c.httpClient, c.url, body, hdr); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusForbidden {
			// The raffle answers 403 for ids it no longer has outstanding.
			return fmt.Errorf("vrf/callback: deliver %s: %w: %w", requestID, domain.ErrStaleRequest, err)
		}
		return fmt.Errorf("vrf/callback: deliver %s: %w", requestID, err)
	}
	c.logger.DebugContext(ctx, "fulfilment delivered", slog.String("request_id", requestID.String()))
	return nil
}

// StatusError is a non-2xx reply from a peer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
