package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// testAddr is the Redis used by the integration tests: RAFFLE_TEST_REDIS_ADDR,
// or a throwaway container when RAFFLE_TEST_CONTAINERS is set.
var testAddr string

func TestMain(m *testing.M) {
	os.Exit(runWithRedis(m))
}

func runWithRedis(m *testing.M) int {
	testAddr = os.Getenv("RAFFLE_TEST_REDIS_ADDR")
	if testAddr != "" || os.Getenv("RAFFLE_TEST_CONTAINERS") == "" {
		return m.Run()
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("redis container unavailable, integration tests will skip: %v", err)
		return m.Run()
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate redis container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Printf("redis container host: %v", err)
		return m.Run()
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		log.Printf("redis container port: %v", err)
		return m.Run()
	}
	testAddr = fmt.Sprintf("%s:%s", host, port.Port())
	return m.Run()
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if testAddr == "" {
		t.Skip("no redis: set RAFFLE_TEST_REDIS_ADDR or RAFFLE_TEST_CONTAINERS")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{Addr: testAddr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Underlying().FlushDB(ctx).Err())
	return c
}

func TestHasPattern(t *testing.T) {
	assert.False(t, hasPattern(EventsChannel))
	assert.True(t, hasPattern("raffle:*"))
	assert.True(t, hasPattern("raffle:[ab]"))
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("x")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), b)
	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	_, err := Wrap(ctx, rdb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: ping")
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a := NewLockManager(c)
	b := NewLockManager(c)

	unlock, err := a.Acquire(ctx, "raffle", time.Second)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "raffle", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.ErrorIs(t, b.Extend(ctx, "raffle", time.Second), domain.ErrLockLost)

	require.NoError(t, a.Extend(ctx, "raffle", 5*time.Second))
	ttl, err := c.Underlying().PTTL(ctx, lockKey("raffle")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 2*time.Second)

	unlock()
	unlock()
	require.ErrorIs(t, a.Extend(ctx, "raffle", time.Second), domain.ErrLockLost)

	unlockB, err := b.Acquire(ctx, "raffle", time.Second)
	require.NoError(t, err)
	unlockB()
}

func TestLockLostAfterExpiry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	_, err := lm.Acquire(ctx, "short", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	require.ErrorIs(t, lm.Extend(ctx, "short", time.Second), domain.ErrLockLost)
}

func TestRateLimiter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "enter:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "enter:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "enter:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "enter:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past old requests")

	_, err = rl.Allow(ctx, "x", 0, time.Minute)
	require.Error(t, err)
}

func TestRateLimiterWait(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c)
	var clock atomic.Int64
	clock.Store(time.Unix(1_700_000_000, 0).UnixNano())
	rl.now = func() time.Time { return time.Unix(0, clock.Load()) }

	key := "vrf:deliver:http://raffle:8000/api/vrf/fulfill"
	require.NoError(t, rl.Wait(context.Background(), key, 1, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, key, 1, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded, "budget spent within the window")

	done := make(chan error, 1)
	go func() { done <- rl.Wait(context.Background(), key, 1, time.Second) }()
	clock.Add(int64(2 * time.Second))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the window passed")
	}
}

func TestSignalBus(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewSignalBus(c)

	sub, err := bus.Subscribe(ctx, EventsChannel)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, EventsChannel, []byte(`{"type":"entered"}`)))
	select {
	case msg := <-sub:
		assert.JSONEq(t, `{"type":"entered"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	msgs, err := bus.StreamRead(ctx, EventsStream, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, EventsStream, []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, EventsStream, []byte("b")))
	msgs, err = bus.StreamRead(ctx, EventsStream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("a"), msgs[0].Payload)

	rest, err := bus.StreamRead(ctx, EventsStream, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("b"), rest[0].Payload)
}
