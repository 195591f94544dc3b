// Package ledger is the authoritative, synchronously-written store of scored
// transactions.
//
// Every analyzed transaction is appended exactly once; the only mutation ever
// applied afterwards is attaching an evidence photo path to a flagged record,
// at most once. Records are never deleted by the service.
package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/posinsight/posinsight/internal/policy"
)

var (
	// ErrNotFound means no record matched the given creation timestamp.
	ErrNotFound = errors.New("record not found")
	// ErrNotFlagged means evidence was submitted for a NORMAL record.
	ErrNotFlagged = errors.New("record is not flagged as fraud")
)

// Record is the persisted projection of a scored transaction.
// All fields except EvidencePath are immutable once written.
type Record struct {
	ID          int64          `json:"id"`
	TotalAmount float64        `json:"total_amount"`
	ItemCount   int            `json:"item_count"`
	DiscountPct float64        `json:"discount_pct"`
	FraudScore  float64        `json:"fraud_score"`
	FraudStatus policy.Verdict `json:"fraud_status"`
	// EvidencePath is empty until a photo is bound to the record.
	EvidencePath string    `json:"evidence_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CorrelationID is the timestamp key linking a flagged record to its pending
// evidence-capture request.
func (r *Record) CorrelationID() string {
	return r.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// Store persists scored transaction records.
type Store interface {
	// Append assigns a strictly increasing ID and stores the record.
	Append(ctx context.Context, rec *Record) (*Record, error)
	// AttachEvidence sets the evidence path on the most recent record with
	// the given creation timestamp. Returns ErrNotFound when no record
	// matches and ErrNotFlagged for NORMAL records. A record whose evidence
	// is already set is left untouched (no error): first write wins.
	AttachEvidence(ctx context.Context, createdAt time.Time, path string) error
	// ListAll returns all records, most recent first.
	ListAll(ctx context.Context) ([]*Record, error)
}

// CSVHeader is the export column order. Part of the external contract.
var CSVHeader = []string{
	"id", "total_amount", "item_count", "discount_pct",
	"fraud_score", "fraud_status", "evidence_path", "created_at",
}

// Ledger wraps a Store with operation metrics and the CSV export surface.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append stores a scored record and returns it with the ID populated.
func (l *Ledger) Append(ctx context.Context, rec *Record) (*Record, error) {
	done := observeOp("append")
	defer done()
	return l.store.Append(ctx, rec)
}

// AttachEvidence binds a photo path to the flagged record created at the
// given timestamp. Idempotent under retry.
func (l *Ledger) AttachEvidence(ctx context.Context, createdAt time.Time, path string) error {
	done := observeOp("attach_evidence")
	defer done()
	return l.store.AttachEvidence(ctx, createdAt, path)
}

// ListAll returns all records, most recent first.
func (l *Ledger) ListAll(ctx context.Context) ([]*Record, error) {
	done := observeOp("list_all")
	defer done()
	return l.store.ListAll(ctx)
}

// ExportCSV writes the full ledger as delimited text, header included,
// most recent record first.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer) error {
	done := observeOp("export_csv")
	defer done()

	records, err := l.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			strconv.FormatFloat(rec.TotalAmount, 'f', -1, 64),
			strconv.Itoa(rec.ItemCount),
			strconv.FormatFloat(rec.DiscountPct, 'f', -1, 64),
			strconv.FormatFloat(rec.FraudScore, 'f', -1, 64),
			string(rec.FraudStatus),
			rec.EvidencePath,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record %d: %w", rec.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
