package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/raffle"
)

type stubUpkeeper struct {
	needed    atomic.Bool
	err       error
	performed atomic.Int32
}

func (s *stubUpkeeper) CheckUpkeep(context.Context, []byte) (bool, []byte) {
	return s.needed.Load(), []byte{}
}

func (s *stubUpkeeper) PerformUpkeep(context.Context, []byte) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	n := s.performed.Add(1)
	s.needed.Store(false)
	return big.NewInt(int64(n)), nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTick(t *testing.T) {
	ctx := context.Background()
	s := &stubUpkeeper{}
	k := New(s, time.Second, quiet())

	assert.Nil(t, k.Tick(ctx))
	assert.Equal(t, int32(0), s.performed.Load())

	s.needed.Store(true)
	id := k.Tick(ctx)
	require.NotNil(t, id)
	assert.Equal(t, int64(1), id.Int64())

	s.needed.Store(true)
	s.err = &raffle.UpkeepNotNeededError{Pot: new(big.Int)}
	assert.Nil(t, k.Tick(ctx))

	s.err = errors.New("oracle down")
	assert.Nil(t, k.Tick(ctx))
}

func TestRun(t *testing.T) {
	s := &stubUpkeeper{}
	s.needed.Store(true)
	k := New(s, 5*time.Millisecond, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return s.performed.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
