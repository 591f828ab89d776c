package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/raffle"
	"github.com/alanyoungcy/rafflebot/internal/treasury"
)

const hardhatKey0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	fee   = big.NewInt(10_000_000_000_000_000)
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqOracle struct{ next int64 }

func (o *seqOracle) RequestRandomWords(context.Context, domain.RandomnessRequest) (*big.Int, error) {
	o.next++
	return big.NewInt(o.next), nil
}

type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
	streamed  [][]byte
	err       error
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return b.err
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed = append(b.streamed, payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
	detail []map[string]any
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *fakeAudit) ListEvent(_ context.Context, event string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(a.events) - 1; i >= 0; i-- {
		if a.events[i] == event {
			out = append(out, domain.AuditEntry{ID: int64(i + 1), Event: event, Detail: a.detail[i]})
		}
	}
	return out, nil
}

type fakeDraws struct {
	mu    sync.Mutex
	draws []domain.DrawRecord
}

func (s *fakeDraws) Insert(_ context.Context, d domain.DrawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws = append(s.draws, d)
	return nil
}

func (s *fakeDraws) GetByRound(_ context.Context, round uint64) (domain.DrawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.draws {
		if d.Round == round {
			return d, nil
		}
	}
	return domain.DrawRecord{}, domain.ErrNotFound
}

func (s *fakeDraws) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.DrawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Offset >= len(s.draws) {
		return nil, nil
	}
	end := len(s.draws)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}
	return append([]domain.DrawRecord(nil), s.draws[opts.Offset:end]...), nil
}

func (s *fakeDraws) ListByWinner(_ context.Context, addr common.Address, _ domain.ListOpts) ([]domain.DrawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DrawRecord
	for _, d := range s.draws {
		if d.Winner == addr {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeArchive struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeArchive() *fakeArchive { return &fakeArchive{blobs: map[string][]byte{}} }

func (a *fakeArchive) ReceiptPath(round uint64) string {
	return "draws/" + big.NewInt(int64(round)).String() + ".json"
}

func (a *fakeArchive) ArchiveDraw(_ context.Context, d domain.DrawRecord) (string, error) {
	b, err := json.Marshal(map[string]any{"round": d.Round, "winner": d.Winner.Hex()})
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	path := a.ReceiptPath(d.Round)
	a.blobs[path] = b
	return path, nil
}

func (a *fakeArchive) Get(_ context.Context, path string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blobs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *fakeArchive) ExportHistory(_ context.Context, draws []domain.DrawRecord, at time.Time) (string, error) {
	return "exports/" + at.Format("20060102") + ".jsonl", nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) NotifyEvent(ctx context.Context, ev domain.RaffleEvent) error {
	return n.Notify(ctx, ev.Name(), "", "")
}

type harness struct {
	svc      *RaffleService
	core     *raffle.Raffle
	bank     *treasury.Bank
	clock    *stepClock
	relay    *EventRelay
	bus      *fakeBus
	audit    *fakeAudit
	draws    *fakeDraws
	archive  *fakeArchive
	notifier *fakeNotifier
}

func newHarness(t *testing.T, coordinator common.Address) *harness {
	t.Helper()
	h := &harness{
		bank:     treasury.NewBank(),
		clock:    &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		bus:      &fakeBus{},
		audit:    &fakeAudit{},
		draws:    &fakeDraws{},
		archive:  newFakeArchive(),
		notifier: &fakeNotifier{},
	}
	h.relay = NewEventRelay(RelayDeps{
		Bus: h.bus, Audit: h.audit, Draws: h.draws, Archiver: h.archive, Notifier: h.notifier,
	}, discardLogger())

	core, err := raffle.New(domain.RaffleConfig{
		EntranceFee:          fee,
		Interval:             30 * time.Second,
		SubscriptionID:       1,
		RequestConfirmations: 3,
		CallbackGasLimit:     500_000,
		Coordinator:          coordinator,
	}, raffle.Deps{
		Oracle: &seqOracle{},
		Payer:  h.bank,
		Sink:   h.relay,
		Clock:  h.clock,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	h.core = core
	h.svc = NewRaffleService(core, h.bank, h.audit, h.notifier, discardLogger())
	return h
}

func (h *harness) fund(t *testing.T, addr common.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, h.svc.Deposit(context.Background(), addr, amount))
}

func TestEnterCollectsIntoEscrow(t *testing.T) {
	h := newHarness(t, common.Address{})
	ctx := context.Background()
	h.fund(t, alice, big.NewInt(3e16))

	require.NoError(t, h.svc.Enter(ctx, alice, fee))

	bal, err := h.svc.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2e16), bal)
	esc, err := h.bank.Escrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, fee, esc)
	assert.Equal(t, 1, h.core.NumberOfPlayers())
}

func TestEnterRejectionsLeaveFundsAlone(t *testing.T) {
	h := newHarness(t, common.Address{})
	ctx := context.Background()
	h.fund(t, alice, big.NewInt(3e16))

	err := h.svc.Enter(ctx, alice, big.NewInt(1))
	require.ErrorIs(t, err, raffle.ErrInsufficientPayment)

	err = h.svc.Enter(ctx, common.Address{}, fee)
	require.ErrorIs(t, err, raffle.ErrInvalidParticipant)

	err = h.svc.Enter(ctx, bob, fee)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	bal, err := h.svc.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3e16), bal)
}

func TestEnterRefundsWhenRoundClosed(t *testing.T) {
	h := newHarness(t, common.Address{})
	ctx := context.Background()
	h.fund(t, alice, big.NewInt(3e16))
	require.NoError(t, h.svc.Enter(ctx, alice, fee))
	h.clock.Advance(31 * time.Second)
	_, err := h.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)

	err = h.svc.Enter(ctx, alice, fee)
	require.ErrorIs(t, err, raffle.ErrRoundNotOpen)

	bal, err := h.svc.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2e16), bal, "second fee refunded")
	esc, err := h.bank.Escrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, fee, esc)
}

func TestFulfillSigned(t *testing.T) {
	signer, err := crypto.NewFulfillmentSigner(hardhatKey0)
	require.NoError(t, err)
	h := newHarness(t, signer.Address())
	ctx := context.Background()

	h.fund(t, alice, fee)
	h.fund(t, bob, fee)
	require.NoError(t, h.svc.Enter(ctx, alice, fee))
	require.NoError(t, h.svc.Enter(ctx, bob, fee))
	h.clock.Advance(31 * time.Second)
	id, err := h.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)

	words := []*big.Int{big.NewInt(7)}
	forged, err := crypto.NewFulfillmentSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)
	badSig, err := forged.Sign(id, words)
	require.NoError(t, err)
	err = h.svc.FulfillSigned(ctx, id, words, badSig)
	require.ErrorIs(t, err, ErrUnauthorizedFulfiller)
	assert.Equal(t, domain.RaffleCalculating, h.core.State())

	err = h.svc.FulfillSigned(ctx, id, words, "0xdeadbeef")
	require.ErrorIs(t, err, ErrUnauthorizedFulfiller)

	err = h.svc.FulfillSigned(ctx, id, []*big.Int{big.NewInt(-7)}, badSig)
	require.ErrorIs(t, err, raffle.ErrInvalidRandomness)
	assert.NotErrorIs(t, err, ErrUnauthorizedFulfiller)
	assert.Equal(t, domain.RaffleCalculating, h.core.State())

	sig, err := signer.Sign(id, words)
	require.NoError(t, err)
	require.NoError(t, h.svc.FulfillSigned(ctx, id, words, sig))
	assert.Equal(t, bob, h.core.RecentWinner(), "7 mod 2 = 1")

	bal, err := h.svc.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2e16), bal)
}

func TestTransferFailureIsRecorded(t *testing.T) {
	h := newHarness(t, common.Address{})
	ctx := context.Background()
	h.fund(t, alice, fee)
	require.NoError(t, h.svc.Enter(ctx, alice, fee))
	h.clock.Advance(31 * time.Second)
	id, err := h.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)

	h.bank.SetRejecting(alice, true)
	err = h.svc.RawFulfillRandomWords(ctx, id, []*big.Int{big.NewInt(0)})
	require.ErrorIs(t, err, raffle.ErrTransferFailed)
	assert.Contains(t, h.audit.events, domain.EventTransferFailed)
	assert.Contains(t, h.notifier.events, domain.EventTransferFailed)

	// Retries of the same fulfilment are recorded once.
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, h.svc.RawFulfillRandomWords(ctx, id, []*big.Int{big.NewInt(0)}), raffle.ErrTransferFailed)
	}
	assert.Equal(t, 1, countOf(h.audit.events, domain.EventTransferFailed))
	assert.Equal(t, 1, countOf(h.notifier.events, domain.EventTransferFailed))

	failures, err := h.svc.TransferFailures(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, alice.Hex(), failures[0].Detail["winner"])
	assert.Equal(t, uint64(1), failures[0].Detail["round"])

	h.bank.SetRejecting(alice, false)
	require.NoError(t, h.svc.RawFulfillRandomWords(ctx, id, []*big.Int{big.NewInt(0)}))
	assert.Equal(t, domain.RaffleOpen, h.core.State())
}

// ledgerFunc adapts a function to domain.EntryLedger.
type ledgerFunc func(round uint64, addr common.Address) (int, error)

func (f ledgerFunc) EntriesOf(_ context.Context, round uint64, addr common.Address) (int, error) {
	return f(round, addr)
}

func TestEntries(t *testing.T) {
	h := newHarness(t, common.Address{})
	ctx := context.Background()
	h.fund(t, alice, big.NewInt(2e16))
	h.fund(t, bob, fee)
	require.NoError(t, h.svc.Enter(ctx, alice, fee))
	require.NoError(t, h.svc.Enter(ctx, bob, fee))
	require.NoError(t, h.svc.Enter(ctx, alice, fee))

	round, n, err := h.svc.Entries(ctx, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), round)
	assert.Equal(t, 2, n)

	h.clock.Advance(31 * time.Second)
	id, err := h.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.RawFulfillRandomWords(ctx, id, []*big.Int{big.NewInt(1)}))

	round, n, err = h.svc.Entries(ctx, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), round)
	assert.Zero(t, n, "new round starts empty")

	_, _, err = h.svc.Entries(ctx, alice, 1)
	require.ErrorIs(t, err, ErrHistoryDisabled)
	_, _, err = h.svc.Entries(ctx, alice, 9)
	require.ErrorIs(t, err, domain.ErrNotFound)

	var asked []uint64
	h.svc.WithEntryLedger(ledgerFunc(func(round uint64, addr common.Address) (int, error) {
		asked = append(asked, round)
		if addr == alice {
			return 2, nil
		}
		return 0, nil
	}))
	_, n, err = h.svc.Entries(ctx, alice, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, _, err = h.svc.Entries(ctx, alice, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, asked, "current round answered from memory")
}

func countOf(events []string, name string) int {
	n := 0
	for _, e := range events {
		if e == name {
			n++
		}
	}
	return n
}

func TestEventRelayFullRound(t *testing.T) {
	h := newHarness(t, common.Address{})
	ctx := context.Background()
	h.fund(t, alice, fee)
	require.NoError(t, h.svc.Enter(ctx, alice, fee))
	h.clock.Advance(31 * time.Second)
	id, err := h.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.RawFulfillRandomWords(ctx, id, []*big.Int{big.NewInt(5)}))

	h.relay.Flush()

	require.Len(t, h.bus.published, 3)
	assert.Len(t, h.bus.streamed, 3)
	var env Envelope
	require.NoError(t, json.Unmarshal(h.bus.published[2], &env))
	assert.Equal(t, domain.EventWinnerPicked, env.Type)
	assert.Equal(t, uint64(1), env.Round)
	assert.Equal(t, alice.Hex(), env.Payload["winner"])
	assert.Equal(t, "5", env.Payload["random_word"])

	assert.Equal(t, []string{domain.EventEntered, domain.EventRoundClosed, domain.EventWinnerPicked}, h.audit.events)
	assert.Equal(t, []string{domain.EventRoundClosed, domain.EventWinnerPicked}, h.notifier.events)

	require.Len(t, h.draws.draws, 1)
	d := h.draws.draws[0]
	assert.Equal(t, alice, d.Winner)
	assert.Equal(t, fee, d.Prize)
	assert.Equal(t, 1, d.EntrantCount)
	assert.NotEmpty(t, d.ID)

	ds := NewDrawService(h.draws, h.archive, h.archive, h.archive)
	receipt, err := ds.Receipt(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, string(receipt), alice.Hex())
	_, err = ds.Receipt(ctx, 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventRelayRunAndBusFailure(t *testing.T) {
	bus := &fakeBus{err: errors.New("redis down")}
	audit := &fakeAudit{}
	relay := NewEventRelay(RelayDeps{Bus: bus, Audit: audit}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	relay.Emit(context.Background(), domain.Entered{Round: 1, Participant: alice, Amount: fee})
	require.Eventually(t, func() bool {
		audit.mu.Lock()
		defer audit.mu.Unlock()
		return len(audit.events) == 1
	}, time.Second, 5*time.Millisecond, "audit still written when publish fails")

	cancel()
	require.NoError(t, <-done)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []string
}

func (b *recordingBroadcaster) Broadcast(channel string, _ []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, channel)
	b.mu.Unlock()
}

func TestEventRelayBroadcastsWithoutBus(t *testing.T) {
	b := &recordingBroadcaster{}
	relay := NewEventRelay(RelayDeps{Broadcaster: b}, discardLogger())
	relay.Emit(context.Background(), domain.RoundClosed{Round: 2, RequestID: big.NewInt(1), Pot: fee})
	relay.Flush()
	assert.Equal(t, []string{EventsChannel}, b.msgs)
}

func TestDrawServiceExportPages(t *testing.T) {
	store := &fakeDraws{}
	for i := 1; i <= exportPageSize+3; i++ {
		store.draws = append(store.draws, domain.DrawRecord{Round: uint64(i)})
	}
	ds := NewDrawService(store, nil, nil, newFakeArchive())
	path, n, err := ds.Export(context.Background(), time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, exportPageSize+3, n)
	assert.Equal(t, "exports/20250203.jsonl", path)

	_, err = NewDrawService(nil, nil, nil, nil).Recent(context.Background(), 10, 0)
	require.ErrorIs(t, err, ErrHistoryDisabled)
}

func TestDrawServiceWonAndByRound(t *testing.T) {
	winner := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	store := &fakeDraws{draws: []domain.DrawRecord{
		{Round: 1, Winner: winner},
		{Round: 2, Winner: common.HexToAddress("0x00000000000000000000000000000000000a11ce")},
	}}
	ds := NewDrawService(store, nil, nil, nil)

	won, err := ds.Won(context.Background(), winner, 10, 0)
	require.NoError(t, err)
	require.Len(t, won, 1)
	assert.Equal(t, uint64(1), won[0].Round)

	d, err := ds.ByRound(context.Background(), 2)
	require.NoError(t, err)
	assert.NotEqual(t, winner, d.Winner)

	_, err = ds.ByRound(context.Background(), 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, common.Address{})
	st := h.svc.Status()
	assert.Equal(t, uint64(1), st.Round)
	assert.Equal(t, domain.RaffleOpen, st.State)
	assert.False(t, st.UpkeepNeeded)
	assert.Contains(t, st.Reason, raffle.ReasonNoEntrants)
	assert.Nil(t, st.PendingRequest)
}
