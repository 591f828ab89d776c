package service

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Envelope is the JSON form of a raffle event on the bus, the websocket feed
// and in the audit log. Big integers travel as decimal strings.
type Envelope struct {
	Type    string         `json:"type"`
	Round   uint64         `json:"round"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload"`
}

// NewEnvelope converts ev into its wire form.
func NewEnvelope(ev domain.RaffleEvent) Envelope {
	env := Envelope{Type: ev.Name(), At: ev.OccurredAt().UTC()}
	switch e := ev.(type) {
	case domain.Entered:
		env.Round = e.Round
		env.Payload = map[string]any{
			"participant": e.Participant.Hex(),
			"amount":      dec(e.Amount),
			"slot":        e.Slot,
		}
	case domain.RoundClosed:
		env.Round = e.Round
		env.Payload = map[string]any{
			"request_id": dec(e.RequestID),
			"players":    e.Players,
			"pot":        dec(e.Pot),
		}
	case domain.WinnerPicked:
		env.Round = e.Round
		env.Payload = map[string]any{
			"winner":       e.Winner.Hex(),
			"prize":        dec(e.Prize),
			"request_id":   dec(e.RequestID),
			"random_word":  dec(e.RandomWord),
			"winner_index": e.WinnerIndex,
			"players":      e.Players,
		}
	default:
		env.Payload = map[string]any{}
	}
	return env
}

// EncodeEvent marshals ev as an Envelope.
func EncodeEvent(ev domain.RaffleEvent) ([]byte, error) {
	b, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		return nil, fmt.Errorf("service: encode %s event: %w", ev.Name(), err)
	}
	return b, nil
}

// auditDetail flattens an envelope into an audit log detail map.
func auditDetail(env Envelope) map[string]any {
	out := make(map[string]any, len(env.Payload)+1)
	for k, v := range env.Payload {
		out[k] = v
	}
	out["round"] = env.Round
	return out
}

func dec(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
