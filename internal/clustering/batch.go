package clustering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/error-intel/internal/embedding"
	"github.com/miradorstack/error-intel/internal/models"
)

// BatchResult summarises an AssignBatch call.
type BatchResult struct {
	Assignments []models.Assignment `json:"assignments"`
	Created     int                 `json:"created"`
	Attached    int                 `json:"attached"`
	Merged      int                 `json:"merged"`
	Failed      int                 `json:"failed"`
	Incomplete  bool                `json:"incomplete"`
}

// AssignBatch assigns errors one at a time. Cancellation stops the loop and
// marks the result incomplete; per-error write failures are collected.
func (c *Clusterer) AssignBatch(ctx context.Context, errs []models.RawError) (BatchResult, error) {
	result := BatchResult{Assignments: make([]models.Assignment, 0, len(errs))}
	var failures []error
	for i := range errs {
		if ctx.Err() != nil {
			result.Incomplete = true
			break
		}
		assignment, err := c.Assign(ctx, &errs[i])
		if err != nil {
			result.Failed++
			failures = append(failures, err)
			continue
		}
		result.Assignments = append(result.Assignments, assignment)
		switch assignment.Outcome {
		case models.OutcomeCreatedNew:
			result.Created++
		case models.OutcomeAttachedExisting:
			result.Attached++
		case models.OutcomeMergedDuplicate:
			result.Merged++
		}
	}
	return result, errors.Join(failures...)
}

// ReconcileResult summarises a reconciliation pass.
type ReconcileResult struct {
	Signatures int  `json:"signatures"`
	Merged     int  `json:"merged"`
	Incomplete bool `json:"incomplete"`
}

// Reconcile merges every group of clusters sharing a signature into the
// oldest member of the group.
func (c *Clusterer) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	signatures, err := c.store.DuplicateSignatures(ctx)
	if err != nil {
		return result, fmt.Errorf("list duplicate signatures: %w", err)
	}
	for _, sig := range signatures {
		if ctx.Err() != nil {
			result.Incomplete = true
			break
		}
		group, err := c.store.ClustersBySignature(ctx, sig)
		if err != nil {
			return result, fmt.Errorf("load clusters for %s: %w", sig, err)
		}
		if len(group) < 2 {
			continue
		}
		if _, err := c.mergeInto(ctx, group[0], group[1:]); err != nil {
			return result, err
		}
		result.Signatures++
		result.Merged += len(group) - 1
	}
	if result.Merged > 0 {
		c.logger.Info("reconciled duplicate clusters", slog.Int("signatures", result.Signatures), slog.Int("merged", result.Merged))
	}
	return result, nil
}

// Retrain rebuilds the embedding model from a corpus of raw errors.
func (c *Clusterer) Retrain(ctx context.Context, corpus []models.RawError) error {
	if c.embedder == nil {
		return nil
	}
	docs := make([]embedding.Document, 0, len(corpus))
	for i, e := range corpus {
		if i%512 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		text := c.normalizer.Normalize(e.Message, e.StackTrace)
		docs = append(docs, embedding.Document{
			Text:          text.Canonical(),
			ExceptionType: e.ExceptionType,
			Source:        e.Source,
			StatusCode:    e.StatusCode,
		})
	}
	if err := c.embedder.Train(ctx, docs); err != nil {
		return fmt.Errorf("train embedder: %w", err)
	}
	return nil
}
