package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Embed colours per raffle event.
const (
	colourEntered  = 0x3498DB
	colourClosed   = 0xF1C40F
	colourWinner   = 0x2ECC71
	colourOperator = 0xE74C3C
)

// DiscordSender posts raffle events to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts an operator alert, such as a failed payout or lost leadership.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return d.post(ctx, discordEmbed{Title: title, Description: message, Color: colourOperator})
}

// SendEvent posts ev with one field per attribute so a draw can be checked
// from the channel alone.
func (d *DiscordSender) SendEvent(ctx context.Context, ev domain.RaffleEvent) error {
	return d.post(ctx, eventEmbed(ev))
}

func eventEmbed(ev domain.RaffleEvent) discordEmbed {
	title, message := FormatEvent(ev)
	em := discordEmbed{Title: title, Color: colourOperator}
	if at := ev.OccurredAt(); !at.IsZero() {
		em.Timestamp = at.UTC().Format(time.RFC3339)
	}

	round := func(n uint64) discordField {
		return discordField{Name: "Round", Value: strconv.FormatUint(n, 10), Inline: true}
	}
	switch e := ev.(type) {
	case domain.Entered:
		em.Color = colourEntered
		em.Fields = []discordField{
			round(e.Round),
			{Name: "Slot", Value: strconv.Itoa(e.Slot), Inline: true},
			{Name: "Amount", Value: domain.FormatEther(e.Amount) + " ETH", Inline: true},
			{Name: "Participant", Value: e.Participant.Hex()},
		}
	case domain.RoundClosed:
		em.Color = colourClosed
		em.Fields = []discordField{
			round(e.Round),
			{Name: "Entries", Value: strconv.Itoa(e.Players), Inline: true},
			{Name: "Pot", Value: domain.FormatEther(e.Pot) + " ETH", Inline: true},
			{Name: "Request", Value: decimalString(e.RequestID)},
		}
	case domain.WinnerPicked:
		em.Color = colourWinner
		em.Fields = []discordField{
			round(e.Round),
			{Name: "Prize", Value: domain.FormatEther(e.Prize) + " ETH", Inline: true},
			{Name: "Slot", Value: fmt.Sprintf("%d of %d", e.WinnerIndex, e.Players), Inline: true},
			{Name: "Winner", Value: e.Winner.Hex()},
			{Name: "Request", Value: decimalString(e.RequestID)},
			{Name: "Random word", Value: decimalString(e.RandomWord)},
		}
	default:
		em.Description = message
	}
	return em
}

func (d *DiscordSender) post(ctx context.Context, em discordEmbed) error {
	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{em}})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send %q: %w", em.Title, err)
	}
	defer resp.Body.Close()

	// 204 on success; 429 carries a retry_after the caller does not honour.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: send %q: status %d: %s", em.Title, resp.StatusCode, string(respBody))
	}
	return nil
}

func decimalString(n *big.Int) string {
	if n == nil {
		return "-"
	}
	return n.String()
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

var _ EventSender = (*DiscordSender)(nil)
