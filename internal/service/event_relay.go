package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Bus channel and stream carrying encoded raffle events.
const (
	EventsChannel = "raffle:events"
	EventsStream  = "raffle:events:log"
)

// Broadcaster pushes an encoded event straight to live listeners. It is used
// when no bus is configured.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// RelayDeps are the side channels an EventRelay feeds. Every field is
// optional.
type RelayDeps struct {
	Bus         domain.SignalBus
	Audit       domain.AuditStore
	Draws       domain.DrawStore
	Archiver    domain.DrawArchiver
	Notifier    EventNotifier
	Broadcaster Broadcaster
}

// EventRelay fans committed raffle events out to the bus, the audit log, the
// draw history, the receipt archive and operator notifications. Emit never
// blocks: events are queued and delivered by Run in commit order. Failures
// are logged and never affect the raffle.
type EventRelay struct {
	deps   RelayDeps
	logger *slog.Logger

	mu     sync.Mutex
	queue  []queued
	notify chan struct{}
}

type queued struct {
	ctx context.Context
	ev  domain.RaffleEvent
}

// NewEventRelay creates an EventRelay.
func NewEventRelay(deps RelayDeps, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		deps:   deps,
		logger: logger.With(slog.String("component", "event_relay")),
		notify: make(chan struct{}, 1),
	}
}

// Emit implements raffle.EventSink.
func (r *EventRelay) Emit(ctx context.Context, ev domain.RaffleEvent) {
	r.mu.Lock()
	r.queue = append(r.queue, queued{ctx: context.WithoutCancel(ctx), ev: ev})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return nil
		case <-r.notify:
			r.Flush()
		}
	}
}

// Flush delivers every queued event synchronously.
func (r *EventRelay) Flush() {
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, q := range batch {
			r.deliver(q.ctx, q.ev)
		}
	}
}

func (r *EventRelay) deliver(ctx context.Context, ev domain.RaffleEvent) {
	env := NewEnvelope(ev)
	data, err := EncodeEvent(ev)
	if err != nil {
		r.warn(ctx, ev, "encode", err)
		return
	}

	if r.deps.Bus != nil {
		if err := r.deps.Bus.Publish(ctx, EventsChannel, data); err != nil {
			r.warn(ctx, ev, "publish", err)
		}
		if err := r.deps.Bus.StreamAppend(ctx, EventsStream, data); err != nil {
			r.warn(ctx, ev, "stream append", err)
		}
	}
	if r.deps.Broadcaster != nil {
		r.deps.Broadcaster.Broadcast(EventsChannel, data)
	}
	if r.deps.Audit != nil {
		if err := r.deps.Audit.Log(ctx, ev.Name(), auditDetail(env)); err != nil {
			r.warn(ctx, ev, "audit", err)
		}
	}

	switch e := ev.(type) {
	case domain.WinnerPicked:
		r.recordDraw(ctx, e)
		r.notifyEvent(ctx, ev)
	case domain.RoundClosed:
		r.notifyEvent(ctx, ev)
	}
}

func (r *EventRelay) recordDraw(ctx context.Context, e domain.WinnerPicked) {
	d := domain.DrawRecord{
		ID:           uuid.NewString(),
		Round:        e.Round,
		RequestID:    e.RequestID,
		RandomWord:   e.RandomWord,
		WinnerIndex:  e.WinnerIndex,
		Winner:       e.Winner,
		Prize:        e.Prize,
		EntrantCount: e.Players,
		ClosedAt:     e.ClosedAt,
		PaidAt:       e.At,
	}
	if r.deps.Draws != nil {
		if err := r.deps.Draws.Insert(ctx, d); err != nil {
			r.warn(ctx, e, "store draw", err)
		}
	}
	if r.deps.Archiver != nil {
		path, err := r.deps.Archiver.ArchiveDraw(ctx, d)
		if err != nil {
			r.warn(ctx, e, "archive draw", err)
			return
		}
		r.logger.InfoContext(ctx, "draw archived",
			slog.Uint64("round", d.Round),
			slog.String("path", path),
		)
	}
}

func (r *EventRelay) notifyEvent(ctx context.Context, ev domain.RaffleEvent) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.NotifyEvent(ctx, ev); err != nil {
		r.warn(ctx, ev, "notify", err)
	}
}

func (r *EventRelay) warn(ctx context.Context, ev domain.RaffleEvent, step string, err error) {
	r.logger.WarnContext(ctx, "event relay: "+step+" failed",
		slog.String("event", ev.Name()),
		slog.String("error", err.Error()),
	)
}
