// Package evidence tracks photo capture for flagged transactions.
//
// When a sale is classified as fraud the operator is asked to photograph the
// situation at the register. Each flagged record opens a pending capture,
// keyed by its correlation ID, and stays pending until a photo is submitted
// and durably attached to the ledger row. Multiple captures may be pending
// at once; submitting against one never touches the others.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/posinsight/posinsight/internal/ledger"
	"github.com/posinsight/posinsight/internal/metrics"
	"github.com/posinsight/posinsight/internal/policy"
)

var (
	// ErrNoPending is returned when no capture is pending for the given
	// correlation ID.
	ErrNoPending = errors.New("no pending evidence capture")

	// ErrNotFlagged is returned when a capture is opened for a record
	// that was not classified as fraud.
	ErrNotFlagged = errors.New("record is not flagged")

	// ErrEmptyImage is returned for a submission with no image bytes.
	ErrEmptyImage = errors.New("empty image")
)

// PendingCapture is one flagged transaction awaiting a photo.
type PendingCapture struct {
	CorrelationID string    `json:"correlation_id"`
	RecordID      int64     `json:"record_id"`
	TotalAmount   float64   `json:"total_amount"`
	DiscountPct   float64   `json:"discount_pct"`
	FraudScore    float64   `json:"fraud_score"`
	CreatedAt     time.Time `json:"created_at"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Notifier receives capture lifecycle announcements. Nil-safe usage is the
// caller's job; Workflow accepts a nil notifier.
type Notifier interface {
	BroadcastEvidenceRequested(data map[string]interface{})
	BroadcastEvidenceResolved(data map[string]interface{})
}

// Workflow manages pending captures and persists submitted photos.
type Workflow struct {
	store    ledger.Store
	dir      string
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingCapture
}

// NewWorkflow creates a workflow storing photos under dir.
func NewWorkflow(store ledger.Store, dir string, notifier Notifier, logger *slog.Logger) *Workflow {
	return &Workflow{
		store:    store,
		dir:      dir,
		notifier: notifier,
		logger:   logger,
		pending:  make(map[string]*PendingCapture),
	}
}

// SetNotifier wires capture announcements in after construction. Call before
// serving traffic; not synchronized against concurrent captures.
func (w *Workflow) SetNotifier(n Notifier) {
	w.notifier = n
}

// Open arms a capture for a flagged record and announces it. Returns the
// correlation ID the operator submits against. Opening the same record twice
// replaces the earlier entry for that correlation ID.
func (w *Workflow) Open(rec *ledger.Record) (string, error) {
	if rec.FraudStatus != policy.VerdictFraud {
		return "", ErrNotFlagged
	}

	pc := &PendingCapture{
		CorrelationID: rec.CorrelationID(),
		RecordID:      rec.ID,
		TotalAmount:   rec.TotalAmount,
		DiscountPct:   rec.DiscountPct,
		FraudScore:    rec.FraudScore,
		CreatedAt:     rec.CreatedAt,
		OpenedAt:      time.Now(),
	}

	w.mu.Lock()
	w.pending[pc.CorrelationID] = pc
	n := len(w.pending)
	w.mu.Unlock()
	metrics.PendingCaptures.Set(float64(n))

	w.logger.Info("evidence capture opened",
		"record_id", pc.RecordID,
		"correlation_id", pc.CorrelationID,
	)
	if w.notifier != nil {
		w.notifier.BroadcastEvidenceRequested(map[string]interface{}{
			"correlation_id": pc.CorrelationID,
			"record_id":      pc.RecordID,
			"fraud_score":    pc.FraudScore,
			"total_amount":   pc.TotalAmount,
		})
	}
	return pc.CorrelationID, nil
}

// Submit persists the photo for a pending capture and attaches its path to
// the ledger row. The capture resolves only after both the file write and
// the ledger update succeed; on any failure it stays pending so the operator
// can retry.
func (w *Workflow) Submit(ctx context.Context, correlationID string, image []byte) (string, error) {
	if len(image) == 0 {
		metrics.EvidenceCapturesTotal.WithLabelValues("failure").Inc()
		return "", ErrEmptyImage
	}

	w.mu.Lock()
	pc, ok := w.pending[correlationID]
	w.mu.Unlock()
	if !ok {
		metrics.EvidenceCapturesTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("%w: %s", ErrNoPending, correlationID)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		metrics.EvidenceCapturesTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("create evidence dir: %w", err)
	}

	path := filepath.Join(w.dir, fmt.Sprintf("fraud_%d_%d.jpg", pc.CreatedAt.Unix(), pc.RecordID))
	if err := os.WriteFile(path, image, 0o644); err != nil {
		metrics.EvidenceCapturesTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("write evidence file: %w", err)
	}

	if err := w.store.AttachEvidence(ctx, pc.CreatedAt, path); err != nil {
		// Keep the capture pending and drop the orphaned file.
		_ = os.Remove(path)
		metrics.EvidenceCapturesTotal.WithLabelValues("failure").Inc()
		w.logger.Error("evidence attach failed",
			"record_id", pc.RecordID,
			"correlation_id", correlationID,
			"error", err,
		)
		return "", fmt.Errorf("attach evidence: %w", err)
	}

	w.mu.Lock()
	delete(w.pending, correlationID)
	n := len(w.pending)
	w.mu.Unlock()
	metrics.PendingCaptures.Set(float64(n))
	metrics.EvidenceCapturesTotal.WithLabelValues("success").Inc()

	w.logger.Info("evidence attached",
		"record_id", pc.RecordID,
		"correlation_id", correlationID,
		"path", path,
	)
	if w.notifier != nil {
		w.notifier.BroadcastEvidenceResolved(map[string]interface{}{
			"correlation_id": correlationID,
			"record_id":      pc.RecordID,
			"evidence_path":  path,
		})
	}
	return path, nil
}

// Pending lists captures still awaiting a photo, most recently opened first.
func (w *Workflow) Pending() []*PendingCapture {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*PendingCapture, 0, len(w.pending))
	for _, pc := range w.pending {
		cp := *pc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return out
}
