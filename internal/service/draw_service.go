package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// ErrHistoryDisabled is returned when no draw store or archive is configured.
var ErrHistoryDisabled = errors.New("draw history not configured")

// HistoryExporter writes the complete draw history to cold storage.
type HistoryExporter interface {
	ExportHistory(ctx context.Context, draws []domain.DrawRecord, at time.Time) (string, error)
}

// DrawService reads the history of paid-out rounds and their receipts.
type DrawService struct {
	draws    domain.DrawStore
	archiver domain.DrawArchiver
	blobs    domain.BlobReader
	exporter HistoryExporter
}

// NewDrawService creates a DrawService. Any dependency may be nil; the
// operations needing it then return ErrHistoryDisabled.
func NewDrawService(draws domain.DrawStore, archiver domain.DrawArchiver, blobs domain.BlobReader, exporter HistoryExporter) *DrawService {
	return &DrawService{draws: draws, archiver: archiver, blobs: blobs, exporter: exporter}
}

// Recent lists draws, most recent first.
func (s *DrawService) Recent(ctx context.Context, limit, offset int) ([]domain.DrawRecord, error) {
	if s.draws == nil {
		return nil, ErrHistoryDisabled
	}
	return s.draws.ListRecent(ctx, domain.ListOpts{Limit: limit, Offset: offset})
}

// Won lists the draws won by addr, most recent first.
func (s *DrawService) Won(ctx context.Context, addr common.Address, limit, offset int) ([]domain.DrawRecord, error) {
	if s.draws == nil {
		return nil, ErrHistoryDisabled
	}
	return s.draws.ListByWinner(ctx, addr, domain.ListOpts{Limit: limit, Offset: offset})
}

// ByRound returns the draw of one round.
func (s *DrawService) ByRound(ctx context.Context, round uint64) (domain.DrawRecord, error) {
	if s.draws == nil {
		return domain.DrawRecord{}, ErrHistoryDisabled
	}
	return s.draws.GetByRound(ctx, round)
}

// Receipt returns the archived JSON receipt of round.
func (s *DrawService) Receipt(ctx context.Context, round uint64) ([]byte, error) {
	if s.archiver == nil || s.blobs == nil {
		return nil, ErrHistoryDisabled
	}
	rc, err := s.blobs.Get(ctx, s.archiver.ReceiptPath(round))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("draw_service: read receipt round=%d: %w", round, err)
	}
	return b, nil
}

// exportPageSize bounds each history page read during an export.
const exportPageSize = 500

// Export writes every stored draw to the archive and returns the object key.
func (s *DrawService) Export(ctx context.Context, now time.Time) (string, int, error) {
	if s.draws == nil || s.exporter == nil {
		return "", 0, ErrHistoryDisabled
	}
	var all []domain.DrawRecord
	for offset := 0; ; offset += exportPageSize {
		page, err := s.draws.ListRecent(ctx, domain.ListOpts{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return "", 0, fmt.Errorf("draw_service: export list: %w", err)
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			break
		}
	}
	path, err := s.exporter.ExportHistory(ctx, all, now)
	if err != nil {
		return "", 0, err
	}
	return path, len(all), nil
}
