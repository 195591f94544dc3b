package evidence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/posinsight/posinsight/internal/ledger"
	"github.com/posinsight/posinsight/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu        sync.Mutex
	requested []map[string]interface{}
	resolved  []map[string]interface{}
}

func (n *recordingNotifier) BroadcastEvidenceRequested(data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, data)
}

func (n *recordingNotifier) BroadcastEvidenceResolved(data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, data)
}

func appendFlagged(t *testing.T, store *ledger.MemoryStore, createdAt time.Time) *ledger.Record {
	t.Helper()
	rec, err := store.Append(context.Background(), &ledger.Record{
		TotalAmount: 750000,
		ItemCount:   2,
		DiscountPct: 50,
		FraudScore:  0.88,
		FraudStatus: policy.VerdictFraud,
		CreatedAt:   createdAt,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return rec
}

func TestOpen_RejectsNormalRecord(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := NewWorkflow(store, t.TempDir(), nil, testLogger())

	_, err := w.Open(&ledger.Record{FraudStatus: policy.VerdictNormal})
	if !errors.Is(err, ErrNotFlagged) {
		t.Fatalf("Expected ErrNotFlagged, got %v", err)
	}
	if len(w.Pending()) != 0 {
		t.Error("Nothing should be pending")
	}
}

func TestSubmit_AttachesAndResolves(t *testing.T) {
	store := ledger.NewMemoryStore()
	notifier := &recordingNotifier{}
	dir := t.TempDir()
	w := NewWorkflow(store, dir, notifier, testLogger())

	rec := appendFlagged(t, store, time.Date(2026, 5, 2, 11, 30, 0, 0, time.UTC))
	corrID, err := w.Open(rec)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if corrID != rec.CorrelationID() {
		t.Errorf("Correlation ID mismatch: %s != %s", corrID, rec.CorrelationID())
	}

	pending := w.Pending()
	if len(pending) != 1 || pending[0].RecordID != rec.ID {
		t.Fatalf("Expected record %d pending, got %+v", rec.ID, pending)
	}

	image := []byte("jpeg bytes")
	path, err := w.Submit(context.Background(), corrID, image)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Evidence file missing: %v", err)
	}
	if !bytes.Equal(data, image) {
		t.Error("Evidence file content mismatch")
	}

	records, _ := store.ListAll(context.Background())
	if records[0].EvidencePath != path {
		t.Errorf("Expected evidence path %q on record, got %q", path, records[0].EvidencePath)
	}

	if len(w.Pending()) != 0 {
		t.Error("Capture should be resolved")
	}
	if len(notifier.requested) != 1 || len(notifier.resolved) != 1 {
		t.Errorf("Expected 1 requested + 1 resolved event, got %d/%d",
			len(notifier.requested), len(notifier.resolved))
	}

	// A second submit against the resolved capture must fail.
	if _, err := w.Submit(context.Background(), corrID, image); !errors.Is(err, ErrNoPending) {
		t.Errorf("Expected ErrNoPending on resubmit, got %v", err)
	}
}

func TestSubmit_UnknownCorrelationID(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := NewWorkflow(store, t.TempDir(), nil, testLogger())

	_, err := w.Submit(context.Background(), "2026-01-01T00:00:00Z", []byte("x"))
	if !errors.Is(err, ErrNoPending) {
		t.Fatalf("Expected ErrNoPending, got %v", err)
	}
}

func TestSubmit_EmptyImage(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := NewWorkflow(store, t.TempDir(), nil, testLogger())

	rec := appendFlagged(t, store, time.Now().UTC())
	corrID, _ := w.Open(rec)

	if _, err := w.Submit(context.Background(), corrID, nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("Expected ErrEmptyImage, got %v", err)
	}
	if len(w.Pending()) != 1 {
		t.Error("Capture should remain pending after rejected submission")
	}
}

func TestSubmit_AttachFailureKeepsPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	dir := t.TempDir()
	w := NewWorkflow(store, dir, nil, testLogger())

	// Flagged record that was never persisted, so the attach cannot find it.
	orphan := &ledger.Record{
		ID:          99,
		FraudScore:  0.95,
		FraudStatus: policy.VerdictFraud,
		CreatedAt:   time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	corrID, err := w.Open(orphan)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err = w.Submit(context.Background(), corrID, []byte("photo"))
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if len(w.Pending()) != 1 {
		t.Error("Capture should stay pending after attach failure")
	}

	// No orphaned file left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty evidence dir, found %d entries", len(entries))
	}
}

func TestSubmit_IndependentCaptures(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := NewWorkflow(store, t.TempDir(), nil, testLogger())

	first := appendFlagged(t, store, time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	second := appendFlagged(t, store, time.Date(2026, 7, 1, 9, 5, 0, 0, time.UTC))

	firstID, _ := w.Open(first)
	secondID, _ := w.Open(second)

	if _, err := w.Submit(context.Background(), secondID, []byte("photo-2")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	pending := w.Pending()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 capture still pending, got %d", len(pending))
	}
	if pending[0].CorrelationID != firstID {
		t.Errorf("Wrong capture resolved: still pending %s, want %s",
			pending[0].CorrelationID, firstID)
	}

	// Only the second record carries an evidence path.
	records, _ := store.ListAll(context.Background())
	for _, rec := range records {
		switch rec.ID {
		case first.ID:
			if rec.EvidencePath != "" {
				t.Error("First record should have no evidence yet")
			}
		case second.ID:
			if rec.EvidencePath == "" {
				t.Error("Second record should carry evidence path")
			}
		}
	}
}

func TestPending_MostRecentFirst(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := NewWorkflow(store, t.TempDir(), nil, testLogger())

	a := appendFlagged(t, store, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	b := appendFlagged(t, store, time.Date(2026, 8, 1, 10, 1, 0, 0, time.UTC))

	aID, _ := w.Open(a)
	time.Sleep(5 * time.Millisecond)
	bID, _ := w.Open(b)

	pending := w.Pending()
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending captures, got %d", len(pending))
	}
	if pending[0].CorrelationID != bID || pending[1].CorrelationID != aID {
		t.Error("Pending captures not ordered most recently opened first")
	}
}
