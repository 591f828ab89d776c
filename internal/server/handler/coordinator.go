package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/server/middleware"
	"github.com/alanyoungcy/rafflebot/internal/vrf"
)

// Coordinator is the oracle-mode randomness coordinator.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, consumer string, req domain.RandomnessRequest) (*big.Int, error)
	Subscription(subID uint64) (vrf.Subscription, error)
	Pending() []vrf.PendingRequest
}

// CoordinatorHandler exposes a coordinator to remote raffles.
type CoordinatorHandler struct {
	coord  Coordinator
	logger *slog.Logger
}

// NewCoordinatorHandler creates a CoordinatorHandler.
func NewCoordinatorHandler(coord Coordinator, logger *slog.Logger) *CoordinatorHandler {
	return &CoordinatorHandler{coord: coord, logger: logger.With(slog.String("handler", "vrf"))}
}

// RequestRandomWords registers a randomness request from a consumer.
// POST /api/vrf/requests
func (h *CoordinatorHandler) RequestRandomWords(w http.ResponseWriter, r *http.Request) {
	var req vrf.RequestPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.coord.RequestRandomWords(r.Context(), req.Consumer, domain.RandomnessRequest{
		KeyHash:          req.KeyHash,
		SubscriptionID:   req.SubscriptionID,
		MinConfirmations: req.MinConfirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "request random words", err)
		return
	}
	middleware.Annotate(r.Context(), slog.String("consumer", req.Consumer), slog.String("request_id", id.String()))
	writeJSON(w, http.StatusAccepted, vrf.RequestResponse{RequestID: (*hexutil.Big)(id)})
}

// GetSubscription returns a subscription's balance and consumers.
// GET /api/vrf/subscriptions/{id}
func (h *CoordinatorHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := h.coord.Subscription(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type pendingView struct {
	RequestID string `json:"request_id"`
	Consumer  string `json:"consumer"`
	NumWords  uint32 `json:"num_words"`
	Requested string `json:"requested_at"`
	Attempts  int    `json:"failed_attempts"`
}

// ListPending returns the requests awaiting fulfilment.
// GET /api/vrf/requests
func (h *CoordinatorHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.coord.Pending()
	out := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingView{
			RequestID: p.ID.String(),
			Consumer:  p.Consumer,
			NumWords:  p.NumWords,
			Requested: p.RequestedAt.UTC().Format(time.RFC3339),
			Attempts:  p.Attempts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}
