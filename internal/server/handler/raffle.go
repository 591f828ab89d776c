package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/server/middleware"
	"github.com/alanyoungcy/rafflebot/internal/service"
	"github.com/alanyoungcy/rafflebot/internal/vrf"
)

// RaffleService is what the raffle endpoints need from the service layer.
type RaffleService interface {
	Status() service.Status
	Player(i int) (common.Address, error)
	Enter(ctx context.Context, participant common.Address, amount *big.Int) error
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) (*big.Int, error)
	FulfillSigned(ctx context.Context, requestID *big.Int, words []*big.Int, sig string) error
	Deposit(ctx context.Context, addr common.Address, amount *big.Int) error
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Entries(ctx context.Context, addr common.Address, round uint64) (uint64, int, error)
	TransferFailures(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error)
}

// RaffleHandler serves the raffle, upkeep and fulfilment endpoints.
type RaffleHandler struct {
	svc    RaffleService
	logger *slog.Logger
}

// NewRaffleHandler creates a RaffleHandler.
func NewRaffleHandler(svc RaffleService, logger *slog.Logger) *RaffleHandler {
	return &RaffleHandler{svc: svc, logger: logger.With(slog.String("handler", "raffle"))}
}

// StatusView is the JSON form of service.Status. Wei amounts are decimal
// strings.
type StatusView struct {
	Round            uint64  `json:"round"`
	State            string  `json:"state"`
	EntranceFee      string  `json:"entrance_fee"`
	EntranceFeeEther string  `json:"entrance_fee_ether"`
	IntervalSeconds  int64   `json:"interval_seconds"`
	Players          int     `json:"players"`
	Pot              string  `json:"pot"`
	LatestTimestamp  string  `json:"latest_timestamp"`
	RecentWinner     string  `json:"recent_winner,omitempty"`
	PendingRequestID *string `json:"pending_request_id"`
	UpkeepNeeded     bool    `json:"upkeep_needed"`
	Reason           string  `json:"reason"`
}

// NewStatusView converts a service.Status for the API and websocket hello.
func NewStatusView(st service.Status) StatusView {
	v := StatusView{
		Round:            st.Round,
		State:            st.State.String(),
		EntranceFee:      st.EntranceFee.String(),
		EntranceFeeEther: domain.FormatEther(st.EntranceFee),
		IntervalSeconds:  int64(st.Interval / time.Second),
		Players:          st.Players,
		Pot:              st.Pot.String(),
		LatestTimestamp:  st.LatestTimestamp.UTC().Format(time.RFC3339),
		UpkeepNeeded:     st.UpkeepNeeded,
		Reason:           st.Reason,
	}
	if st.RecentWinner != (common.Address{}) {
		v.RecentWinner = st.RecentWinner.Hex()
	}
	if st.PendingRequest != nil {
		id := st.PendingRequest.String()
		v.PendingRequestID = &id
	}
	return v
}

// GetRaffle returns the current round.
// GET /api/raffle
func (h *RaffleHandler) GetRaffle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStatusView(h.svc.Status()))
}

// GetPlayer returns the participant in one ledger slot.
// GET /api/raffle/players/{index}
func (h *RaffleHandler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	addr, err := h.svc.Player(idx)
	if err != nil {
		writeServiceError(w, r, h.logger, "get player", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": idx, "participant": addr.Hex()})
}

type enterRequest struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

// Enter buys one slot for participant, paid from their treasury balance.
// POST /api/raffle/enter
func (h *RaffleHandler) Enter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	participant, amount, ok := parseFunding(w, req.Participant, req.Amount)
	if !ok {
		return
	}
	middleware.Annotate(r.Context(), slog.String("participant", participant.Hex()), slog.Uint64("round", h.svc.Status().Round))
	if err := h.svc.Enter(r.Context(), participant, amount); err != nil {
		writeServiceError(w, r, h.logger, "enter", err)
		return
	}
	writeJSON(w, http.StatusAccepted, NewStatusView(h.svc.Status()))
}

// CheckUpkeep reports whether the round may close.
// GET /api/upkeep
func (h *RaffleHandler) CheckUpkeep(w http.ResponseWriter, r *http.Request) {
	needed, _ := h.svc.CheckUpkeep(r.Context(), nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"upkeep_needed": needed,
		"reason":        h.svc.Status().Reason,
	})
}

// PerformUpkeep closes the round and requests randomness.
// POST /api/upkeep
func (h *RaffleHandler) PerformUpkeep(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.PerformUpkeep(r.Context(), nil)
	if err != nil {
		writeServiceError(w, r, h.logger, "perform upkeep", err)
		return
	}
	middleware.Annotate(r.Context(), slog.Uint64("round", h.svc.Status().Round), slog.String("request_id", id.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id.String()})
}

// Fulfill accepts the coordinator's signed answer to the outstanding
// request.
// POST /api/vrf/fulfill
func (h *RaffleHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	var req vrf.FulfillPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == nil {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	middleware.Annotate(r.Context(), slog.String("request_id", req.RequestID.ToInt().String()))
	if err := h.svc.FulfillSigned(r.Context(), req.RequestID.ToInt(), req.Words(), req.Signature); err != nil {
		writeServiceError(w, r, h.logger, "fulfill", err)
		return
	}
	writeJSON(w, http.StatusOK, NewStatusView(h.svc.Status()))
}

type faucetRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// Faucet credits an address in the development treasury.
// POST /api/dev/faucet
func (h *RaffleHandler) Faucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, amount, ok := parseFunding(w, req.Address, req.Amount)
	if !ok {
		return
	}
	if err := h.svc.Deposit(r.Context(), addr, amount); err != nil {
		writeServiceError(w, r, h.logger, "faucet", err)
		return
	}
	bal, err := h.svc.Balance(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.String()})
}

// GetBalance returns an address's free treasury balance.
// GET /api/balances/{address}
func (h *RaffleHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	bal, err := h.svc.Balance(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.String()})
}

// GetEntries returns how many slots an address holds in a round, the
// current one unless ?round= names another.
// GET /api/raffle/entries/{address}?round=3
func (h *RaffleHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	var round uint64
	if v := r.URL.Query().Get("round"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "round must be a non-negative integer")
			return
		}
		round = n
	}
	round, n, err := h.svc.Entries(r.Context(), addr, round)
	middleware.Annotate(r.Context(), slog.String("participant", addr.Hex()), slog.Uint64("round", round))
	if err != nil {
		writeServiceError(w, r, h.logger, "entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "round": round, "entries": n})
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt string         `json:"created_at"`
}

// ListTransferFailures returns the recorded payout failures so an operator
// can see which rounds are stuck in CALCULATING and why.
// GET /api/audit/transfer-failures?limit=50&offset=0
func (h *RaffleHandler) ListTransferFailures(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.svc.TransferFailures(r.Context(), opts.Limit, opts.Offset)
	if err != nil {
		writeServiceError(w, r, h.logger, "list transfer failures", err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": out})
}

// parseFunding validates an address and a wei amount, writing a 400 on
// failure.
func parseFunding(w http.ResponseWriter, rawAddr, rawAmount string) (common.Address, *big.Int, bool) {
	if !common.IsHexAddress(rawAddr) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return common.Address{}, nil, false
	}
	amount, err := domain.ParseWei(rawAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return common.Address{}, nil, false
	}
	return common.HexToAddress(rawAddr), amount, true
}
