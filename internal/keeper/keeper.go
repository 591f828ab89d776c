// Package keeper is a development trigger that closes raffle rounds as soon
// as they become eligible.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/raffle"
)

// Upkeeper is the trigger-facing side of a raffle.
type Upkeeper interface {
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) (*big.Int, error)
}

// Keeper polls CheckUpkeep on a fixed interval and calls PerformUpkeep when
// it reports true.
type Keeper struct {
	target  Upkeeper
	pollDur time.Duration
	logger  *slog.Logger
}

// New creates a Keeper. pollInterval defaults to 5s.
func New(target Upkeeper, pollInterval time.Duration, logger *slog.Logger) *Keeper {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		target:  target,
		pollDur: pollInterval,
		logger:  logger.With(slog.String("component", "keeper")),
	}
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started", slog.Duration("poll_interval", k.pollDur))
	ticker := time.NewTicker(k.pollDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.logger.InfoContext(ctx, "keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick runs one check-then-perform cycle and returns the request id when a
// round was closed.
func (k *Keeper) Tick(ctx context.Context) *big.Int {
	needed, performData := k.target.CheckUpkeep(ctx, []byte{})
	if !needed {
		return nil
	}
	id, err := k.target.PerformUpkeep(ctx, performData)
	switch {
	case err == nil:
		k.logger.InfoContext(ctx, "upkeep performed", slog.String("request_id", id.String()))
		return id
	case errors.Is(err, raffle.ErrUpkeepNotNeeded):
		// Another trigger won the race.
		k.logger.DebugContext(ctx, "upkeep no longer needed", slog.String("error", err.Error()))
	default:
		k.logger.ErrorContext(ctx, "perform upkeep failed", slog.String("error", err.Error()))
	}
	return nil
}
