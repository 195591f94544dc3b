// Package analysis runs the scoring pipeline for point-of-sale transactions.
//
// A transaction flows through four stages: feature extraction, model
// scoring, policy classification, and durable ledger append. Flagged sales
// additionally open an evidence capture, and every persisted record is
// replicated to the remote ledger on a best-effort basis. The verdict is
// final once the local append succeeds; nothing downstream can change it.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/posinsight/posinsight/internal/evidence"
	"github.com/posinsight/posinsight/internal/features"
	"github.com/posinsight/posinsight/internal/ledger"
	"github.com/posinsight/posinsight/internal/metrics"
	"github.com/posinsight/posinsight/internal/model"
	"github.com/posinsight/posinsight/internal/policy"
	"github.com/posinsight/posinsight/internal/replicator"
	"github.com/posinsight/posinsight/internal/traces"
)

// Broadcaster pushes verdicts to connected consoles.
type Broadcaster interface {
	BroadcastScored(data map[string]interface{})
}

// Result is the outcome of analyzing one transaction.
type Result struct {
	Record        *ledger.Record `json:"record"`
	FraudScore    float64        `json:"fraud_score"`
	FraudStatus   policy.Verdict `json:"fraud_status"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Service wires the pipeline stages together.
type Service struct {
	engine     *model.Engine
	pol        policy.Policy
	led        *ledger.Ledger
	workflow   *evidence.Workflow
	replicator *replicator.Replicator
	hub        Broadcaster
	logger     *slog.Logger
}

// NewService creates an analysis service. workflow, replicator, and hub may
// be nil to disable the corresponding stage.
func NewService(engine *model.Engine, pol policy.Policy, led *ledger.Ledger,
	workflow *evidence.Workflow, repl *replicator.Replicator, hub Broadcaster,
	logger *slog.Logger) *Service {
	return &Service{
		engine:     engine,
		pol:        pol,
		led:        led,
		workflow:   workflow,
		replicator: repl,
		hub:        hub,
		logger:     logger,
	}
}

// Policy returns the classification policy in effect.
func (s *Service) Policy() policy.Policy {
	return s.pol
}

// Analyze scores one transaction and appends the verdict to the local
// ledger. The returned result reflects exactly what was persisted. An error
// means nothing durable happened and the caller should retry.
func (s *Service) Analyze(ctx context.Context, tx features.Transaction) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "analysis.analyze",
		traces.TotalAmount(tx.TotalAmount),
	)
	defer span.End()

	score, err := s.engine.Score(ctx, features.Build(tx))
	if err != nil {
		return nil, fmt.Errorf("score transaction: %w", err)
	}

	verdict := s.pol.Classify(score, tx.DiscountPct)
	metrics.TransactionsScoredTotal.WithLabelValues(string(verdict)).Inc()

	rec, err := s.led.Append(ctx, &ledger.Record{
		TotalAmount: tx.TotalAmount,
		ItemCount:   tx.ItemCount,
		DiscountPct: tx.DiscountPct,
		FraudScore:  score,
		FraudStatus: verdict,
	})
	if err != nil {
		return nil, fmt.Errorf("append record: %w", err)
	}

	span.SetAttributes(
		traces.RecordID(rec.ID),
		traces.FraudScore(score),
		traces.FraudStatus(string(verdict)),
	)
	s.logger.Info("transaction scored",
		"record_id", rec.ID,
		"fraud_score", score,
		"fraud_status", verdict,
	)

	result := &Result{
		Record:      rec,
		FraudScore:  score,
		FraudStatus: verdict,
	}

	if verdict == policy.VerdictFraud && s.workflow != nil {
		corrID, err := s.workflow.Open(rec)
		if err == nil {
			result.CorrelationID = corrID
		}
	}

	if s.hub != nil {
		s.hub.BroadcastScored(map[string]interface{}{
			"record_id":      rec.ID,
			"total_amount":   rec.TotalAmount,
			"item_count":     rec.ItemCount,
			"discount_pct":   rec.DiscountPct,
			"fraud_score":    score,
			"fraud_status":   string(verdict),
			"correlation_id": result.CorrelationID,
		})
	}

	// Remote replication happens after the verdict is durable and never
	// blocks the response.
	if s.replicator != nil && s.replicator.Enabled() {
		bg := context.WithoutCancel(ctx)
		go func() {
			_ = s.replicator.Replicate(bg, rec)
		}()
	}

	return result, nil
}
