package ledger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/posinsight/posinsight/internal/policy"
)

func newTestRecord(status policy.Verdict, createdAt time.Time) *Record {
	return &Record{
		TotalAmount: 500000,
		ItemCount:   3,
		DiscountPct: 10,
		FraudScore:  0.10,
		FraudStatus: status,
		CreatedAt:   createdAt,
	}
}

func TestAppend_AssignsMonotonicIDs(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 10; i++ {
		rec, err := l.Append(ctx, newTestRecord(policy.VerdictNormal, time.Now()))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if rec.ID != lastID+1 {
			t.Fatalf("expected id %d, got %d", lastID+1, rec.ID)
		}
		lastID = rec.ID
	}
}

func TestAppend_DoesNotMutateInput(t *testing.T) {
	l := New(NewMemoryStore())

	in := newTestRecord(policy.VerdictNormal, time.Now())
	out, err := l.Append(context.Background(), in)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if in.ID != 0 {
		t.Errorf("input record mutated: id=%d", in.ID)
	}
	if out.ID == 0 {
		t.Error("returned record has no id")
	}
}

func TestListAll_MostRecentFirst(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, newTestRecord(policy.VerdictNormal, time.Now())); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	records, err := l.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].ID >= records[i-1].ID {
			t.Errorf("records not in descending id order: %d then %d", records[i-1].ID, records[i].ID)
		}
	}
}

func TestAttachEvidence_SetsPathOnce(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	ts := time.Now()

	if _, err := l.Append(ctx, newTestRecord(policy.VerdictFraud, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := l.AttachEvidence(ctx, ts, "fraud_photos/a.jpg"); err != nil {
		t.Fatalf("AttachEvidence failed: %v", err)
	}

	records, _ := l.ListAll(ctx)
	if records[0].EvidencePath != "fraud_photos/a.jpg" {
		t.Errorf("evidence path not set: %q", records[0].EvidencePath)
	}
}

func TestAttachEvidence_IdempotentFirstWriteWins(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	ts := time.Now()

	if _, err := l.Append(ctx, newTestRecord(policy.VerdictFraud, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := l.AttachEvidence(ctx, ts, "fraud_photos/a.jpg"); err != nil {
		t.Fatalf("first attach failed: %v", err)
	}
	// Retry with the same path is a no-op, not an error
	if err := l.AttachEvidence(ctx, ts, "fraud_photos/a.jpg"); err != nil {
		t.Fatalf("retry attach failed: %v", err)
	}
	// A different path after the first succeeds must also be a no-op
	if err := l.AttachEvidence(ctx, ts, "fraud_photos/b.jpg"); err != nil {
		t.Fatalf("second attach failed: %v", err)
	}

	records, _ := l.ListAll(ctx)
	if records[0].EvidencePath != "fraud_photos/a.jpg" {
		t.Errorf("first write did not win: %q", records[0].EvidencePath)
	}
}

func TestAttachEvidence_UnknownTimestamp(t *testing.T) {
	l := New(NewMemoryStore())

	err := l.AttachEvidence(context.Background(), time.Now(), "fraud_photos/a.jpg")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachEvidence_NormalRecordRejected(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	ts := time.Now()

	if _, err := l.Append(ctx, newTestRecord(policy.VerdictNormal, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err := l.AttachEvidence(ctx, ts, "fraud_photos/a.jpg")
	if !errors.Is(err, ErrNotFlagged) {
		t.Errorf("expected ErrNotFlagged, got %v", err)
	}
}

func TestAttachEvidence_MostRecentMatchWins(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()
	ts := time.Now()

	// Two records sharing a timestamp; attach must hit the later one
	if _, err := l.Append(ctx, newTestRecord(policy.VerdictNormal, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Append(ctx, newTestRecord(policy.VerdictFraud, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := l.AttachEvidence(ctx, ts, "fraud_photos/a.jpg"); err != nil {
		t.Fatalf("AttachEvidence failed: %v", err)
	}

	records, _ := l.ListAll(ctx)
	if records[0].EvidencePath != "fraud_photos/a.jpg" {
		t.Errorf("most recent record not updated: %+v", records[0])
	}
	if records[1].EvidencePath != "" {
		t.Errorf("older record must stay untouched: %+v", records[1])
	}
}

func TestAttachEvidence_ConcurrentSecondAttachIsNoop(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	ts := time.Now()

	if _, err := l.Append(ctx, newTestRecord(policy.VerdictFraud, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			path := "fraud_photos/concurrent_" + string(rune('a'+n)) + ".jpg"
			_ = l.AttachEvidence(ctx, ts, path)
		}(i)
	}
	wg.Wait()

	records, _ := l.ListAll(ctx)
	if records[0].EvidencePath == "" {
		t.Fatal("no attach succeeded")
	}
	// Whatever won, subsequent attaches must not have overwritten it
	first := records[0].EvidencePath
	if err := l.AttachEvidence(ctx, ts, "fraud_photos/late.jpg"); err != nil {
		t.Fatalf("late attach failed: %v", err)
	}
	records, _ = l.ListAll(ctx)
	if records[0].EvidencePath != first {
		t.Errorf("evidence overwritten: %q -> %q", first, records[0].EvidencePath)
	}
}

func TestExportCSV(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	rec := newTestRecord(policy.VerdictFraud, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	rec.FraudScore = 0.9
	if _, err := l.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var buf bytes.Buffer
	if err := l.ExportCSV(ctx, &buf); err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if lines[0] != "id,total_amount,item_count,discount_pct,fraud_score,fraud_status,evidence_path,created_at" {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "POTENSI FRAUD") {
		t.Errorf("expected verdict in row: %s", lines[1])
	}
	if !strings.HasPrefix(lines[1], "1,500000,3,10,0.9,") {
		t.Errorf("unexpected row prefix: %s", lines[1])
	}
}
