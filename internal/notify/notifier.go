// Package notify announces raffle events to operators over Telegram and
// Discord. Delivery can be filtered by event name.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// EventSender is implemented by channels that render raffle events natively
// instead of as a formatted title and body.
type EventSender interface {
	SendEvent(ctx context.Context, ev domain.RaffleEvent) error
}

// Notifier dispatches notifications to one or more Senders. It maintains a set
// of allowed event types; Notify only forwards messages whose event type is in
// the allowed set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification to all senders only if the event type is in the
// allowed list. If no events were configured (empty list), all events pass.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.allowed(event) {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, title, func(s Sender) error {
		return s.Send(ctx, title, message)
	})
}

// NotifyEvent forwards ev through the event filter. EventSenders receive the
// event itself; other senders get FormatEvent's rendering.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.RaffleEvent) error {
	if !n.allowed(ev.Name()) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", ev.Name()))
		return nil
	}
	title, message := FormatEvent(ev)
	return n.dispatch(ctx, title, func(s Sender) error {
		if es, ok := s.(EventSender); ok {
			return es.SendEvent(ctx, ev)
		}
		return s.Send(ctx, title, message)
	})
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, func(s Sender) error {
		return s.Send(ctx, title, message)
	})
}

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// dispatch calls send once per sender. Errors from individual senders are
// collected and returned as a combined error; a single sender failure does
// not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title string, send func(Sender) error) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := send(s); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatEvent renders a raffle event as a notification title and body.
func FormatEvent(ev domain.RaffleEvent) (title, message string) {
	switch e := ev.(type) {
	case domain.WinnerPicked:
		return fmt.Sprintf("Round %d winner", e.Round),
			fmt.Sprintf("%s won %s ETH (slot %d of %d, request %s)",
				e.Winner.Hex(), domain.FormatEther(e.Prize), e.WinnerIndex, e.Players, e.RequestID)
	case domain.RoundClosed:
		return fmt.Sprintf("Round %d closed", e.Round),
			fmt.Sprintf("%d entries, pot %s ETH, awaiting randomness for request %s",
				e.Players, domain.FormatEther(e.Pot), e.RequestID)
	case domain.Entered:
		return fmt.Sprintf("Round %d entry", e.Round),
			fmt.Sprintf("%s entered with %s ETH (slot %d)",
				e.Participant.Hex(), domain.FormatEther(e.Amount), e.Slot)
	default:
		return ev.Name(), ev.OccurredAt().UTC().String()
	}
}
