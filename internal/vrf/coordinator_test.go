package vrf

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/raffle"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingConsumer struct {
	mu       sync.Mutex
	calls    [][]*big.Int
	err      error
	attempts int
}

func (r *recordingConsumer) RawFulfillRandomWords(_ context.Context, _ *big.Int, words []*big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, words)
	return nil
}

func newFunded(t *testing.T, fee int64) (*Coordinator, uint64) {
	t.Helper()
	c := NewCoordinator(Config{BaseFee: big.NewInt(fee), BlockTime: time.Millisecond}, quietLogger())
	sub := c.CreateSubscription()
	require.NoError(t, c.FundSubscription(sub, big.NewInt(1000)))
	return c, sub
}

func request(sub uint64) domain.RandomnessRequest {
	return domain.RandomnessRequest{SubscriptionID: sub, MinConfirmations: 3, CallbackGasLimit: 500_000, NumWords: 1}
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	c, sub := newFunded(t, 100)
	require.NoError(t, c.AddConsumer(sub, "raffle", &recordingConsumer{}))

	cases := []struct {
		name string
		mut  func(*domain.RandomnessRequest)
		who  string
		want error
	}{
		{"too many confirmations", func(r *domain.RandomnessRequest) { r.MinConfirmations = 201 }, "raffle", ErrInvalidRequest},
		{"zero words", func(r *domain.RandomnessRequest) { r.NumWords = 0 }, "raffle", ErrInvalidRequest},
		{"too many words", func(r *domain.RandomnessRequest) { r.NumWords = 501 }, "raffle", ErrInvalidRequest},
		{"gas limit", func(r *domain.RandomnessRequest) { r.CallbackGasLimit = 2_500_001 }, "raffle", ErrInvalidRequest},
		{"unknown subscription", func(r *domain.RandomnessRequest) { r.SubscriptionID = 99 }, "raffle", ErrInvalidSubscription},
		{"unregistered consumer", func(*domain.RandomnessRequest) {}, "stranger", ErrInvalidConsumer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request(sub)
			tc.mut(&req)
			_, err := c.RequestRandomWords(ctx, tc.who, req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	first, err := c.RequestRandomWords(ctx, "raffle", request(sub))
	require.NoError(t, err)
	second, err := c.RequestRandomWords(ctx, "raffle", request(sub))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Int64())
	assert.Equal(t, int64(2), second.Int64())
	assert.Len(t, c.Pending(), 2)
}

func TestFulfill(t *testing.T) {
	ctx := context.Background()

	t.Run("derives words, charges fee, consumes request", func(t *testing.T) {
		c, sub := newFunded(t, 100)
		rc := &recordingConsumer{}
		require.NoError(t, c.AddConsumer(sub, "raffle", rc))
		req := request(sub)
		req.NumWords = 2
		id, err := c.RequestRandomWords(ctx, "raffle", req)
		require.NoError(t, err)

		require.NoError(t, c.FulfillRandomWords(ctx, id))
		require.Len(t, rc.calls, 1)
		assert.Equal(t, DeriveWords(id, 2), rc.calls[0])
		assert.NotEqual(t, 0, rc.calls[0][0].Cmp(rc.calls[0][1]))

		s, err := c.Subscription(sub)
		require.NoError(t, err)
		assert.Equal(t, int64(900), s.Balance.Int64())
		assert.Equal(t, []string{"raffle"}, s.Consumers)

		require.ErrorIs(t, c.FulfillRandomWords(ctx, id), ErrNonexistentRequest)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		c, sub := newFunded(t, 5000)
		require.NoError(t, c.AddConsumer(sub, "raffle", &recordingConsumer{}))
		id, err := c.RequestRandomWords(ctx, "raffle", request(sub))
		require.NoError(t, err)
		require.ErrorIs(t, c.FulfillRandomWords(ctx, id), ErrInsufficientBalance)
		assert.Len(t, c.Pending(), 1)
	})

	t.Run("consumer error keeps request pending", func(t *testing.T) {
		c, sub := newFunded(t, 100)
		rc := &recordingConsumer{err: errors.New("transfer failed")}
		require.NoError(t, c.AddConsumer(sub, "raffle", rc))
		id, err := c.RequestRandomWords(ctx, "raffle", request(sub))
		require.NoError(t, err)
		require.Error(t, c.FulfillRandomWordsWithOverride(ctx, id, []*big.Int{big.NewInt(7)}))
		assert.Len(t, c.Pending(), 1)

		s, _ := c.Subscription(sub)
		assert.Equal(t, int64(1000), s.Balance.Int64())

		rc.err = nil
		require.NoError(t, c.FulfillRandomWordsWithOverride(ctx, id, []*big.Int{big.NewInt(7)}))
		assert.Equal(t, int64(7), rc.calls[0][0].Int64())
	})

	t.Run("stale request dropped uncharged", func(t *testing.T) {
		c, sub := newFunded(t, 100)
		rc := &recordingConsumer{err: &raffle.UnknownRequestError{Got: big.NewInt(1)}}
		require.NoError(t, c.AddConsumer(sub, "raffle", rc))
		id, err := c.RequestRandomWords(ctx, "raffle", request(sub))
		require.NoError(t, err)

		require.ErrorIs(t, c.FulfillRandomWords(ctx, id), domain.ErrStaleRequest)
		assert.Empty(t, c.Pending())
		s, _ := c.Subscription(sub)
		assert.Equal(t, int64(1000), s.Balance.Int64())
	})

	t.Run("failed deliveries back off", func(t *testing.T) {
		c, sub := newFunded(t, 100)
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }
		rc := &recordingConsumer{err: errors.New("transfer failed")}
		require.NoError(t, c.AddConsumer(sub, "raffle", rc))
		req := request(sub)
		req.MinConfirmations = 0
		_, err := c.RequestRandomWords(ctx, "raffle", req)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			c.fulfilDue(ctx)
		}
		assert.Equal(t, 1, rc.attempts)

		now = now.Add(time.Millisecond)
		c.fulfilDue(ctx)
		c.fulfilDue(ctx)
		assert.Equal(t, 2, rc.attempts)
		p := c.Pending()
		require.Len(t, p, 1)
		assert.Equal(t, 2, p[0].Attempts)
		assert.Equal(t, now.Add(2*time.Millisecond), p[0].RetryAt)

		now = now.Add(2 * time.Millisecond)
		c.fulfilDue(ctx)
		assert.Equal(t, 3, rc.attempts)
	})

	t.Run("remove consumer drops its requests", func(t *testing.T) {
		c, sub := newFunded(t, 0)
		require.NoError(t, c.AddConsumer(sub, "raffle", &recordingConsumer{}))
		_, err := c.RequestRandomWords(ctx, "raffle", request(sub))
		require.NoError(t, err)
		require.NoError(t, c.RemoveConsumer(sub, "raffle"))
		assert.Empty(t, c.Pending())
		require.ErrorIs(t, c.RemoveConsumer(sub, "raffle"), ErrInvalidConsumer)
	})
}

func TestRunAutoFulfils(t *testing.T) {
	c, sub := newFunded(t, 1)
	rc := &recordingConsumer{}
	require.NoError(t, c.AddConsumer(sub, "raffle", rc))
	req := request(sub)
	req.MinConfirmations = 1
	_, err := c.RequestRandomWords(context.Background(), "raffle", req)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.Pending()) == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(time.Second, 1))
	assert.Equal(t, 4*time.Second, retryDelay(time.Second, 3))
	assert.Equal(t, maxRetryDelay, retryDelay(time.Second, 100))
}

type payAll struct{ paid map[common.Address]*big.Int }

func (p *payAll) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	p.paid[to] = new(big.Int).Set(amount)
	return nil
}

// The raffle end-to-end scenario driven through the coordinator.
func TestRaffleThroughCoordinator(t *testing.T) {
	ctx := context.Background()
	c, sub := newFunded(t, 1)
	fee, err := domain.ParseEther("0.01")
	require.NoError(t, err)
	payer := &payAll{paid: map[common.Address]*big.Int{}}

	r, err := raffle.New(domain.RaffleConfig{
		EntranceFee:          fee,
		Interval:             time.Nanosecond,
		SubscriptionID:       sub,
		RequestConfirmations: 3,
		CallbackGasLimit:     500_000,
	}, raffle.Deps{Oracle: c.OracleFor("raffle"), Payer: payer, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, c.AddConsumer(sub, "raffle", r))

	players := make([]common.Address, 4)
	for i := range players {
		players[i] = common.BytesToAddress([]byte{byte(i + 1)})
		require.NoError(t, r.Enter(ctx, players[i], fee))
	}
	time.Sleep(time.Millisecond)
	id, err := r.PerformUpkeep(ctx, nil)
	require.NoError(t, err)

	require.ErrorIs(t, c.FulfillRandomWordsWithOverride(ctx, new(big.Int).Add(id, big.NewInt(1)), []*big.Int{big.NewInt(7)}), ErrNonexistentRequest)
	require.NoError(t, c.FulfillRandomWordsWithOverride(ctx, id, []*big.Int{big.NewInt(7)}))

	assert.Equal(t, players[3], r.RecentWinner())
	want, _ := domain.ParseEther("0.04")
	assert.Equal(t, 0, want.Cmp(payer.paid[players[3]]))
	assert.Equal(t, domain.RaffleOpen, r.State())

	// A request the raffle never issued is refused once and dropped.
	orphan, err := c.RequestRandomWords(ctx, "raffle", request(sub))
	require.NoError(t, err)
	require.ErrorIs(t, c.FulfillRandomWords(ctx, orphan), domain.ErrStaleRequest)
	assert.Empty(t, c.Pending())
}

func TestHTTPRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewFulfillmentSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)

	var got FulfillPayload
	raffleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, FulfillPath, r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer raffleSrv.Close()

	cb := NewCallbackConsumer(raffleSrv.URL, signer, "k", quietLogger())
	require.NoError(t, cb.RawFulfillRandomWords(ctx, big.NewInt(5), []*big.Int{big.NewInt(9)}))
	assert.Equal(t, int64(5), got.RequestID.ToInt().Int64())
	from, err := crypto.RecoverFulfiller(got.RequestID.ToInt(), got.Words(), got.Signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	var status atomic.Int32
	status.Store(http.StatusForbidden)
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown request", int(status.Load()))
	}))
	defer refusing.Close()
	cb = NewCallbackConsumer(refusing.URL, signer, "", quietLogger())
	require.ErrorIs(t, cb.RawFulfillRandomWords(ctx, big.NewInt(6), []*big.Int{big.NewInt(9)}), domain.ErrStaleRequest)
	status.Store(http.StatusBadGateway)
	err = cb.RawFulfillRandomWords(ctx, big.NewInt(6), []*big.Int{big.NewInt(9)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrStaleRequest)

	auth := &crypto.HMACAuth{Key: "raffle", Secret: "s"}
	coordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		err := auth.Verify(r.Header.Get(crypto.HeaderKey), r.Header.Get(crypto.HeaderTimestamp),
			r.Header.Get(crypto.HeaderSignature), r.Method, r.URL.Path, string(body), time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"request_id":"0x2a"}`))
	}))
	defer coordSrv.Close()

	id, err := NewHTTPClient(coordSrv.URL, "raffle", auth).RequestRandomWords(ctx, request(1))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())

	_, err = NewHTTPClient(coordSrv.URL, "raffle", &crypto.HMACAuth{Key: "raffle", Secret: "bad"}).RequestRandomWords(ctx, request(1))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

// pacer records Wait calls and refuses once budget is spent.
type pacer struct {
	mu     sync.Mutex
	keys   []string
	budget int
}

func (p *pacer) Allow(context.Context, string, int, time.Duration) (bool, error) { return true, nil }

func (p *pacer) Wait(ctx context.Context, key string, _ int, _ time.Duration) error {
	p.mu.Lock()
	p.keys = append(p.keys, key)
	spent := len(p.keys) > p.budget
	p.mu.Unlock()
	if spent {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestCallbackPacing(t *testing.T) {
	signer, err := crypto.NewFulfillmentSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &pacer{budget: 1}
	cb := NewCallbackConsumer(srv.URL, signer, "", quietLogger()).WithPacing(p, 1, time.Second)
	require.NoError(t, cb.RawFulfillRandomWords(context.Background(), big.NewInt(1), []*big.Int{big.NewInt(3)}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = cb.RawFulfillRandomWords(ctx, big.NewInt(2), []*big.Int{big.NewInt(3)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrStaleRequest, "a paced delivery is retried, not dropped")

	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, []string{"vrf:deliver:" + srv.URL + FulfillPath, "vrf:deliver:" + srv.URL + FulfillPath}, p.keys)

	unpaced := NewCallbackConsumer(srv.URL, signer, "", quietLogger()).WithPacing(p, 0, time.Second)
	require.NoError(t, unpaced.RawFulfillRandomWords(context.Background(), big.NewInt(3), []*big.Int{big.NewInt(3)}))
	assert.Len(t, p.keys, 2, "zero limit disables pacing")
}
