package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"specflow/internal/domain"
	"specflow/internal/engine/auth"
	"specflow/internal/events"
	"specflow/internal/metrics"
	"specflow/internal/sheet"
)

func (e Engine) GetDocument(ctx context.Context, subjectID string) (domain.SharedDocument, error) {
	stored, err := e.Repo.GetDocument(ctx, nil, subjectID)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	return stored.Shared()
}

// MergeResult is the corrected document and what the merge did.
type MergeResult struct {
	Document domain.SharedDocument
	Report   sheet.Report
}

// MergeDocument merges a candidate CSV into the stored document. A malformed candidate leaves the
// store untouched; the returned result then carries the unchanged document alongside the error.
func (e Engine) MergeDocument(ctx context.Context, p auth.Principal, subjectID, candidate string) (MergeResult, error) {
	if err := p.Validate(); err != nil {
		return MergeResult{}, err
	}
	log := e.log().With(zap.String("subject_id", subjectID), zap.String("actor_id", p.ActorID))
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, err
	}
	defer tx.Rollback()
	stored, err := e.Repo.GetDocument(ctx, tx, subjectID)
	if err != nil {
		return MergeResult{}, err
	}
	merged, rep, err := sheet.MergeText(stored.Content, candidate)
	if err != nil {
		if errors.Is(err, sheet.ErrMalformedCandidate) {
			metrics.Merges.WithLabelValues(metrics.ResultMalformed).Inc()
			log.Warn("malformed candidate rejected", zap.Error(err))
			return MergeResult{Document: shared(subjectID, merged, stored.UpdatedAt)}, err
		}
		metrics.Merges.WithLabelValues(metrics.ResultError).Inc()
		return MergeResult{}, err
	}
	content, err := sheet.Serialize(merged)
	if err != nil {
		return MergeResult{}, err
	}
	ts := e.stamp()
	if err := e.Repo.UpdateDocument(ctx, tx, subjectID, content, ts); err != nil {
		return MergeResult{}, err
	}
	payload := events.EventPayload{"applied": rep.Applied, "repaired": rep.Repaired, "dropped": rep.Dropped, "missing": rep.Missing}
	if err := e.events().Append(ctx, tx, "document.merge", subjectID, "document", subjectID, p.ActorID, payload); err != nil {
		return MergeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MergeResult{}, err
	}
	metrics.Merges.WithLabelValues(metrics.ResultOK).Inc()
	metrics.RepairedCells.Add(float64(rep.Repaired))
	if rep.Repaired > 0 {
		log.Info("protected cells repaired", zap.Int("repaired", rep.Repaired), zap.Int("dropped", rep.Dropped))
	}
	return MergeResult{Document: shared(subjectID, merged, ts), Report: rep}, nil
}

// EditCell sets one answer or source cell.
func (e Engine) EditCell(ctx context.Context, p auth.Principal, subjectID string, row, col int, value string) (domain.SharedDocument, error) {
	if err := p.Validate(); err != nil {
		return domain.SharedDocument{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	defer tx.Rollback()
	stored, err := e.Repo.GetDocument(ctx, tx, subjectID)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	doc, err := sheet.ParseStored(stored.Content)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	doc, err = sheet.SetCell(doc, row, col, value)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	content, err := sheet.Serialize(doc)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	ts := e.stamp()
	if err := e.Repo.UpdateDocument(ctx, tx, subjectID, content, ts); err != nil {
		return domain.SharedDocument{}, err
	}
	if err := e.events().Append(ctx, tx, "document.edit", subjectID, "document", subjectID, p.ActorID, events.EventPayload{"row": row, "col": col}); err != nil {
		return domain.SharedDocument{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SharedDocument{}, err
	}
	return shared(subjectID, doc, ts), nil
}

func shared(subjectID string, doc sheet.Document, updatedAt string) domain.SharedDocument {
	return domain.SharedDocument{SubjectID: subjectID, Rows: doc.Records(), UpdatedAt: updatedAt}
}
