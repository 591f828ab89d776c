// Package vrf provides a local VRF v2 style coordinator and the clients that
// connect a raffle to a remote one.
//
// The Coordinator keeps subscriptions, accepts randomness requests from
// registered consumers and later fulfils them with words derived from the
// request id, the way the development-network mock coordinator does.
package vrf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Request limits enforced by the coordinator.
const (
	MaxRequestConfirmations = 200
	MaxNumWords             = 500
	MaxCallbackGasLimit     = 2_500_000
)

// maxRetryDelay caps the backoff between deliveries a consumer refused.
const maxRetryDelay = 5 * time.Minute

var (
	ErrInvalidSubscription = errors.New("vrf: invalid subscription")
	ErrInvalidConsumer     = errors.New("vrf: invalid consumer")
	ErrInvalidRequest      = errors.New("vrf: invalid request")
	ErrInsufficientBalance = errors.New("vrf: insufficient subscription balance")
	ErrNonexistentRequest  = errors.New("vrf: nonexistent request")
	ErrRequestInFlight     = errors.New("vrf: request already being fulfilled")
)

// Consumer receives fulfilments. An error leaves the request pending so the
// fulfilment can be retried, unless it wraps domain.ErrStaleRequest, which
// drops the request uncharged.
type Consumer interface {
	RawFulfillRandomWords(ctx context.Context, requestID *big.Int, words []*big.Int) error
}

// Subscription is a read-only view of a funded subscription.
type Subscription struct {
	ID        uint64   `json:"id"`
	Balance   *big.Int `json:"balance"`
	Consumers []string `json:"consumers"`
	Requests  uint64   `json:"requests"`
}

// PendingRequest is a request awaiting fulfilment.
type PendingRequest struct {
	ID               *big.Int
	SubscriptionID   uint64
	Consumer         string
	MinConfirmations uint16
	CallbackGasLimit uint32
	NumWords         uint32
	RequestedAt      time.Time
	Attempts         int       // failed deliveries so far
	RetryAt          time.Time // zero until a delivery fails
}

type subscription struct {
	balance   *big.Int
	consumers map[string]Consumer
	requests  uint64
}

type pendingRequest struct {
	PendingRequest
	inflight bool
}

// Config tunes the coordinator.
type Config struct {
	BaseFee   *big.Int      // charged per fulfilment
	BlockTime time.Duration // one confirmation, used by Run
}

// Coordinator is an in-process VRF coordinator. It is safe for concurrent
// use and never holds its lock while calling a consumer.
type Coordinator struct {
	mu        sync.Mutex
	baseFee   *big.Int
	blockTime time.Duration
	subs      map[uint64]*subscription
	pending   map[string]*pendingRequest
	nextSub   uint64
	nextReq   *big.Int
	now       func() time.Time
	logger    *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	baseFee := new(big.Int)
	if cfg.BaseFee != nil {
		baseFee.Set(cfg.BaseFee)
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		baseFee:   baseFee,
		blockTime: cfg.BlockTime,
		subs:      make(map[uint64]*subscription),
		pending:   make(map[string]*pendingRequest),
		nextReq:   new(big.Int),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "vrf_coordinator")),
	}
}

// CreateSubscription opens an empty subscription and returns its id.
func (c *Coordinator) CreateSubscription() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.subs[c.nextSub] = &subscription{balance: new(big.Int), consumers: make(map[string]Consumer)}
	return c.nextSub
}

// FundSubscription adds amount to the subscription balance.
func (c *Coordinator) FundSubscription(subID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("vrf: fund subscription %d: %w", subID, domain.ErrInvalidAmount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	sub.balance.Add(sub.balance, amount)
	return nil
}

// AddConsumer authorises consumer, known by name, to request against subID.
func (c *Coordinator) AddConsumer(subID uint64, name string, consumer Consumer) error {
	if name == "" || consumer == nil {
		return fmt.Errorf("%w: name and consumer are required", ErrInvalidConsumer)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	sub.consumers[name] = consumer
	return nil
}

// RemoveConsumer revokes a consumer. Its pending requests are dropped.
func (c *Coordinator) RemoveConsumer(subID uint64, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	if _, ok := sub.consumers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidConsumer, name)
	}
	delete(sub.consumers, name)
	for k, p := range c.pending {
		if p.SubscriptionID == subID && p.Consumer == name {
			delete(c.pending, k)
		}
	}
	return nil
}

// Subscription returns a copy of the subscription state.
func (c *Coordinator) Subscription(subID uint64) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	names := make([]string, 0, len(sub.consumers))
	for n := range sub.consumers {
		names = append(names, n)
	}
	sort.Strings(names)
	return Subscription{
		ID:        subID,
		Balance:   new(big.Int).Set(sub.balance),
		Consumers: names,
		Requests:  sub.requests,
	}, nil
}

// RequestRandomWords validates req and records a pending request for the
// named consumer. Request ids are sequential from 1.
func (c *Coordinator) RequestRandomWords(ctx context.Context, consumer string, req domain.RandomnessRequest) (*big.Int, error) {
	switch {
	case req.MinConfirmations > MaxRequestConfirmations:
		return nil, fmt.Errorf("%w: confirmations %d exceed %d", ErrInvalidRequest, req.MinConfirmations, MaxRequestConfirmations)
	case req.NumWords == 0 || req.NumWords > MaxNumWords:
		return nil, fmt.Errorf("%w: num words %d not in 1..%d", ErrInvalidRequest, req.NumWords, MaxNumWords)
	case req.CallbackGasLimit > MaxCallbackGasLimit:
		return nil, fmt.Errorf("%w: callback gas limit %d exceeds %d", ErrInvalidRequest, req.CallbackGasLimit, MaxCallbackGasLimit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[req.SubscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubscription, req.SubscriptionID)
	}
	if _, ok := sub.consumers[consumer]; !ok {
		return nil, fmt.Errorf("%w: %s is not a consumer of subscription %d", ErrInvalidConsumer, consumer, req.SubscriptionID)
	}

	c.nextReq.Add(c.nextReq, big.NewInt(1))
	id := new(big.Int).Set(c.nextReq)
	sub.requests++
	c.pending[id.String()] = &pendingRequest{PendingRequest: PendingRequest{
		ID:               id,
		SubscriptionID:   req.SubscriptionID,
		Consumer:         consumer,
		MinConfirmations: req.MinConfirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
		RequestedAt:      c.now(),
	}}

	c.logger.InfoContext(ctx, "randomness requested",
		slog.String("request_id", id.String()),
		slog.String("consumer", consumer),
		slog.Uint64("subscription_id", req.SubscriptionID),
		slog.Int("num_words", int(req.NumWords)),
	)
	return new(big.Int).Set(id), nil
}

// Pending lists requests awaiting fulfilment, oldest first.
func (c *Coordinator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		cp := p.PendingRequest
		cp.ID = new(big.Int).Set(p.ID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Cmp(out[j].ID) < 0 })
	return out
}

// FulfillRandomWords answers requestID with words derived from it.
func (c *Coordinator) FulfillRandomWords(ctx context.Context, requestID *big.Int) error {
	return c.fulfill(ctx, requestID, nil)
}

// FulfillRandomWordsWithOverride answers requestID with the given words.
func (c *Coordinator) FulfillRandomWordsWithOverride(ctx context.Context, requestID *big.Int, words []*big.Int) error {
	if len(words) == 0 {
		return fmt.Errorf("%w: no words supplied", ErrInvalidRequest)
	}
	return c.fulfill(ctx, requestID, words)
}

func (c *Coordinator) fulfill(ctx context.Context, requestID *big.Int, override []*big.Int) error {
	if requestID == nil {
		return fmt.Errorf("%w: nil id", ErrNonexistentRequest)
	}
	key := requestID.String()

	c.mu.Lock()
	p, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNonexistentRequest, key)
	}
	if p.inflight {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestInFlight, key)
	}
	sub := c.subs[p.SubscriptionID]
	if sub.balance.Cmp(c.baseFee) < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: subscription %d has %s, fee is %s", ErrInsufficientBalance, p.SubscriptionID, sub.balance, c.baseFee)
	}
	consumer, ok := sub.consumers[p.Consumer]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidConsumer, p.Consumer)
	}
	p.inflight = true
	words := override
	if words == nil {
		words = DeriveWords(p.ID, p.NumWords)
	}
	c.mu.Unlock()

	err := consumer.RawFulfillRandomWords(ctx, new(big.Int).Set(p.ID), words)

	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, domain.ErrStaleRequest) {
		delete(c.pending, key)
		c.logger.WarnContext(ctx, "consumer no longer expects request, dropped",
			slog.String("request_id", key),
			slog.String("consumer", p.Consumer),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("vrf: fulfil %s: consumer %s: %w", key, p.Consumer, err)
	}
	if err != nil {
		p.inflight = false
		p.Attempts++
		delay := retryDelay(c.blockTime, p.Attempts)
		p.RetryAt = c.now().Add(delay)
		c.logger.WarnContext(ctx, "consumer rejected fulfilment",
			slog.String("request_id", key),
			slog.String("consumer", p.Consumer),
			slog.Int("attempts", p.Attempts),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("vrf: fulfil %s: consumer %s: %w", key, p.Consumer, err)
	}
	delete(c.pending, key)
	if s, ok := c.subs[p.SubscriptionID]; ok {
		s.balance.Sub(s.balance, c.baseFee)
		if s.balance.Sign() < 0 {
			s.balance.SetInt64(0)
		}
	}
	c.logger.InfoContext(ctx, "randomness fulfilled",
		slog.String("request_id", key),
		slog.String("consumer", p.Consumer),
		slog.String("payment", c.baseFee.String()),
	)
	return nil
}

// retryDelay doubles from one block time per failed attempt up to
// maxRetryDelay.
func retryDelay(blockTime time.Duration, attempts int) time.Duration {
	d := blockTime
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// DeriveWords returns n words keccak256(abi.encode(requestID, i)).
func DeriveWords(requestID *big.Int, n uint32) []*big.Int {
	words := make([]*big.Int, n)
	id := make([]byte, 32)
	requestID.FillBytes(id)
	for i := range words {
		idx := make([]byte, 32)
		big.NewInt(int64(i)).FillBytes(idx)
		words[i] = new(big.Int).SetBytes(ethcrypto.Keccak256(id, idx))
	}
	return words
}

// Run fulfils each pending request once its confirmations have elapsed,
// polling every block time until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "vrf coordinator auto-fulfil started",
		slog.Duration("block_time", c.blockTime),
	)
	ticker := time.NewTicker(c.blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "vrf coordinator auto-fulfil stopped")
			return ctx.Err()
		case <-ticker.C:
			c.fulfilDue(ctx)
		}
	}
}

func (c *Coordinator) fulfilDue(ctx context.Context) {
	now := c.now()
	for _, p := range c.Pending() {
		wait := time.Duration(p.MinConfirmations) * c.blockTime
		if now.Sub(p.RequestedAt) < wait || now.Before(p.RetryAt) {
			continue
		}
		if err := c.FulfillRandomWords(ctx, p.ID); err != nil && !errors.Is(err, ErrRequestInFlight) {
			c.logger.WarnContext(ctx, "auto-fulfil failed",
				slog.String("request_id", p.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// OracleFor returns a domain.RandomnessOracle that issues requests on behalf
// of the named consumer.
func (c *Coordinator) OracleFor(consumer string) domain.RandomnessOracle {
	return boundOracle{c: c, consumer: consumer}
}

type boundOracle struct {
	c        *Coordinator
	consumer string
}

func (o boundOracle) RequestRandomWords(ctx context.Context, req domain.RandomnessRequest) (*big.Int, error) {
	return o.c.RequestRandomWords(ctx, o.consumer, req)
}
