package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/server/middleware"
)

// DrawService is what the history endpoints need.
type DrawService interface {
	Recent(ctx context.Context, limit, offset int) ([]domain.DrawRecord, error)
	Won(ctx context.Context, addr common.Address, limit, offset int) ([]domain.DrawRecord, error)
	ByRound(ctx context.Context, round uint64) (domain.DrawRecord, error)
	Receipt(ctx context.Context, round uint64) ([]byte, error)
	Export(ctx context.Context, now time.Time) (string, int, error)
}

// DrawHandler serves paid-out round history.
type DrawHandler struct {
	draws  DrawService
	logger *slog.Logger
}

// NewDrawHandler creates a DrawHandler.
func NewDrawHandler(draws DrawService, logger *slog.Logger) *DrawHandler {
	return &DrawHandler{draws: draws, logger: logger.With(slog.String("handler", "draws"))}
}

type drawView struct {
	ID           string `json:"id"`
	Round        uint64 `json:"round"`
	RequestID    string `json:"request_id"`
	RandomWord   string `json:"random_word"`
	WinnerIndex  int    `json:"winner_index"`
	Winner       string `json:"winner"`
	Prize        string `json:"prize"`
	EntrantCount int    `json:"entrant_count"`
	ClosedAt     string `json:"closed_at"`
	PaidAt       string `json:"paid_at"`
}

func newDrawView(d domain.DrawRecord) drawView {
	return drawView{
		ID:           d.ID,
		Round:        d.Round,
		RequestID:    d.RequestID.String(),
		RandomWord:   d.RandomWord.String(),
		WinnerIndex:  d.WinnerIndex,
		Winner:       d.Winner.Hex(),
		Prize:        d.Prize.String(),
		EntrantCount: d.EntrantCount,
		ClosedAt:     d.ClosedAt.UTC().Format(time.RFC3339),
		PaidAt:       d.PaidAt.UTC().Format(time.RFC3339),
	}
}

// ListDraws returns recent draws, optionally only those won by one address.
// GET /api/draws?limit=50&offset=0&winner=0x...
func (h *DrawHandler) ListDraws(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	var (
		draws []domain.DrawRecord
		err   error
	)
	if winner := r.URL.Query().Get("winner"); winner != "" {
		if !common.IsHexAddress(winner) {
			writeError(w, http.StatusBadRequest, "invalid winner address")
			return
		}
		draws, err = h.draws.Won(r.Context(), common.HexToAddress(winner), opts.Limit, opts.Offset)
	} else {
		draws, err = h.draws.Recent(r.Context(), opts.Limit, opts.Offset)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "list draws", err)
		return
	}
	out := make([]drawView, 0, len(draws))
	for _, d := range draws {
		out = append(out, newDrawView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"draws": out})
}

// GetDraw returns the draw of one round.
// GET /api/draws/{round}
func (h *DrawHandler) GetDraw(w http.ResponseWriter, r *http.Request) {
	round, err := pathUint(r, "round")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	middleware.Annotate(r.Context(), slog.Uint64("round", round))
	d, err := h.draws.ByRound(r.Context(), round)
	if err != nil {
		writeServiceError(w, r, h.logger, "get draw", err)
		return
	}
	writeJSON(w, http.StatusOK, newDrawView(d))
}

// GetReceipt returns the archived receipt of a round verbatim.
// GET /api/draws/{round}/receipt
func (h *DrawHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	round, err := pathUint(r, "round")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	middleware.Annotate(r.Context(), slog.Uint64("round", round))
	body, err := h.draws.Receipt(r.Context(), round)
	if err != nil {
		writeServiceError(w, r, h.logger, "get receipt", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Export writes the full draw history to the archive.
// POST /api/draws/export
func (h *DrawHandler) Export(w http.ResponseWriter, r *http.Request) {
	path, n, err := h.draws.Export(r.Context(), time.Now())
	if err != nil {
		writeServiceError(w, r, h.logger, "export draws", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "draws": n})
}
