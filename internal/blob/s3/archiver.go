package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

const (
	receiptPrefix = "draws/"
	exportPrefix  = "exports/"
	jsonType      = "application/json"
	ndjsonType    = "application/x-ndjson"
)

// Receipt is the archived, self-verifying record of one payout: anyone can
// recompute winner_index as random_word mod entrant_count.
type Receipt struct {
	ID           string    `json:"id"`
	Round        uint64    `json:"round"`
	RequestID    string    `json:"request_id"`
	RandomWord   string    `json:"random_word"`
	EntrantCount int       `json:"entrant_count"`
	WinnerIndex  int       `json:"winner_index"`
	Winner       string    `json:"winner"`
	PrizeWei     string    `json:"prize_wei"`
	PrizeEther   string    `json:"prize_ether"`
	ClosedAt     time.Time `json:"closed_at"`
	PaidAt       time.Time `json:"paid_at"`
}

// NewReceipt converts a draw record into its archived form.
func NewReceipt(d domain.DrawRecord) Receipt {
	return Receipt{
		ID:           d.ID,
		Round:        d.Round,
		RequestID:    decimal(d.RequestID),
		RandomWord:   decimal(d.RandomWord),
		EntrantCount: d.EntrantCount,
		WinnerIndex:  d.WinnerIndex,
		Winner:       d.Winner.Hex(),
		PrizeWei:     decimal(d.Prize),
		PrizeEther:   domain.FormatEther(d.Prize),
		ClosedAt:     d.ClosedAt.UTC(),
		PaidAt:       d.PaidAt.UTC(),
	}
}

// multipartWriter is the optional streaming upload path of a BlobWriter.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// DrawArchiver implements domain.DrawArchiver on any BlobWriter.
type DrawArchiver struct {
	writer domain.BlobWriter
}

// NewDrawArchiver creates a DrawArchiver.
func NewDrawArchiver(writer domain.BlobWriter) *DrawArchiver {
	return &DrawArchiver{writer: writer}
}

// ReceiptPath returns the object key of a round's receipt:
//
//	draws/round-000042.json
func (a *DrawArchiver) ReceiptPath(round uint64) string {
	return fmt.Sprintf("%sround-%06d.json", receiptPrefix, round)
}

// ArchiveDraw uploads the receipt of d and returns its key.
func (a *DrawArchiver) ArchiveDraw(ctx context.Context, d domain.DrawRecord) (string, error) {
	body, err := json.MarshalIndent(NewReceipt(d), "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal receipt round=%d: %w", d.Round, err)
	}
	path := a.ReceiptPath(d.Round)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), jsonType); err != nil {
		return "", fmt.Errorf("s3blob: archive draw round=%d: %w", d.Round, err)
	}
	return path, nil
}

// ExportHistory writes draws as one JSONL object under exports/ and returns
// its key. Large exports go through the multipart uploader when the writer
// supports it.
func (a *DrawArchiver) ExportHistory(ctx context.Context, draws []domain.DrawRecord, at time.Time) (string, error) {
	receipts := make([]Receipt, len(draws))
	for i, d := range draws {
		receipts[i] = NewReceipt(d)
	}
	buf, err := marshalJSONL(receipts)
	if err != nil {
		return "", fmt.Errorf("s3blob: export history marshal: %w", err)
	}

	path := exportPath(at)
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), ndjsonType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), ndjsonType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: export history upload: %w", err)
	}
	return path, nil
}

// exportPath partitions exports by the UTC time they were taken:
//
//	exports/draws-20250102T150405Z.jsonl
func exportPath(at time.Time) string {
	return fmt.Sprintf("%sdraws-%s.jsonl", exportPrefix, at.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.DrawArchiver = (*DrawArchiver)(nil)

func decimal(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
