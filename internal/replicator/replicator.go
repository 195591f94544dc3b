// Package replicator appends scored records to a remote shared ledger.
//
// Replication is best-effort and strictly after local persistence: a failure
// here is reported to the operator but never rolls back the local write and
// never blocks returning the verdict. At-least-once semantics; the remote
// ledger is allowed to lag the local one.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/posinsight/posinsight/internal/circuitbreaker"
	"github.com/posinsight/posinsight/internal/ledger"
	"github.com/posinsight/posinsight/internal/metrics"
	"github.com/posinsight/posinsight/internal/policy"
	"github.com/posinsight/posinsight/internal/retry"
)

// ErrDisabled is returned when no remote sink is configured.
var ErrDisabled = errors.New("replication disabled")

// ErrCircuitOpen is returned when the remote ledger circuit is open and the
// append was not attempted.
var ErrCircuitOpen = errors.New("remote ledger circuit open")

// Row is one appended remote ledger row: the local record minus its id,
// with created_at as the join key. Field order matches the local CSV export.
type Row struct {
	TotalAmount float64        `json:"total_amount"`
	ItemCount   int            `json:"item_count"`
	DiscountPct float64        `json:"discount_pct"`
	FraudScore  float64        `json:"fraud_score"`
	FraudStatus policy.Verdict `json:"fraud_status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RowFromRecord projects a local record into its remote row.
func RowFromRecord(rec *ledger.Record) Row {
	return Row{
		TotalAmount: rec.TotalAmount,
		ItemCount:   rec.ItemCount,
		DiscountPct: rec.DiscountPct,
		FraudScore:  rec.FraudScore,
		FraudStatus: rec.FraudStatus,
		CreatedAt:   rec.CreatedAt,
	}
}

// Sink is an append-only row-oriented remote ledger.
type Sink interface {
	Append(ctx context.Context, row Row) error
}

// Replicator drives best-effort appends to a sink with bounded timeouts
// and limited retries.
type Replicator struct {
	sink        Sink
	logger      *slog.Logger
	timeout     time.Duration
	maxAttempts int
	breaker     *circuitbreaker.Breaker
}

// New creates a replicator. A nil sink disables replication.
func New(sink Sink, logger *slog.Logger, timeout time.Duration, maxAttempts int) *Replicator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Replicator{
		sink:        sink,
		logger:      logger,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		breaker:     circuitbreaker.New("remote_ledger", 5, 30*time.Second),
	}
}

// Enabled reports whether a sink is configured.
func (r *Replicator) Enabled() bool {
	return r.sink != nil
}

// Replicate appends one record to the remote ledger. Call only after the
// local append succeeded. Each attempt has its own bounded timeout; failures
// are counted, logged with the record id, and returned for the caller to
// report, never to abort the pipeline. A run of failed appends trips the
// circuit and later records are skipped until the remote recovers.
func (r *Replicator) Replicate(ctx context.Context, rec *ledger.Record) error {
	if r.sink == nil {
		return ErrDisabled
	}

	if !r.breaker.Allow() {
		metrics.ReplicationsTotal.WithLabelValues("skipped").Inc()
		r.logger.Warn("remote ledger replication skipped",
			"record_id", rec.ID,
			"reason", "circuit_open",
		)
		return fmt.Errorf("replicate record %d: %w", rec.ID, ErrCircuitOpen)
	}

	row := RowFromRecord(rec)
	err := retry.Do(ctx, r.maxAttempts, 500*time.Millisecond, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.sink.Append(attemptCtx, row)
	})
	if err != nil {
		r.breaker.RecordFailure()
		metrics.ReplicationsTotal.WithLabelValues("failure").Inc()
		r.logger.Warn("remote ledger replication failed",
			"record_id", rec.ID,
			"created_at", rec.CreatedAt,
			"error", err,
		)
		return fmt.Errorf("replicate record %d: %w", rec.ID, err)
	}

	r.breaker.RecordSuccess()
	metrics.ReplicationsTotal.WithLabelValues("success").Inc()
	return nil
}
