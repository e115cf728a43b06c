package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"specflow/internal/domain"
	"specflow/internal/engine/auth"
	"specflow/internal/events"
	"specflow/internal/integration"
	"specflow/internal/metrics"
	"specflow/internal/repo"
	"specflow/internal/workflow"
)

// ErrAlreadyFinalized is returned, together with the recorded finalization, when a subject was
// finalized before.
var ErrAlreadyFinalized = errors.New("already finalized")

// errResumeFinalization marks a claim whose integration succeeded but whose workflow was never
// completed.
var errResumeFinalization = errors.New("finalization not completed")

// Finalize hands the approved document to the integration and completes the workflow. The
// integration runs at most once per subject: concurrent calls in this process share one
// attempt, and the finalizations row rejects repeats from any process. A failed integration call
// releases the claim so the requester can retry. When the integration succeeded but completing
// the workflow did not, a later call finishes the completion without calling the integration
// again.
func (e Engine) Finalize(ctx context.Context, p auth.Principal, subjectID string) (domain.Finalization, error) {
	if err := p.Require(domain.RoleInternal, "finalize"); err != nil {
		metrics.Finalizations.WithLabelValues(metrics.ResultRejected).Inc()
		return domain.Finalization{}, err
	}
	group := e.finalizing
	if group == nil {
		group = &singleflight.Group{}
	}
	v, err, _ := group.Do(subjectID, func() (any, error) {
		// the attempt is shared by every waiting caller
		return e.finalize(context.WithoutCancel(ctx), p, subjectID)
	})
	f, _ := v.(domain.Finalization)
	return f, err
}

func (e Engine) finalize(ctx context.Context, p auth.Principal, subjectID string) (domain.Finalization, error) {
	log := e.log().With(zap.String("subject_id", subjectID), zap.String("actor_id", p.ActorID))
	claim, payload, err := e.claimFinalization(ctx, p, subjectID)
	if errors.Is(err, errResumeFinalization) {
		log.Info("resuming finalization", zap.String("reference", claim.Reference))
		return e.finish(ctx, p, claim, log)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyFinalized):
			metrics.Finalizations.WithLabelValues(metrics.ResultDuplicate).Inc()
		case errors.Is(err, workflow.ErrInvalidTransition):
			metrics.Finalizations.WithLabelValues(metrics.ResultRejected).Inc()
		default:
			metrics.Finalizations.WithLabelValues(metrics.ResultError).Inc()
		}
		return claim, err
	}

	integrator := e.Integrator
	if integrator == nil {
		integrator = integration.Noop{}
	}
	ref, err := integrator.Submit(ctx, payload)
	if err != nil {
		metrics.Finalizations.WithLabelValues(metrics.ResultError).Inc()
		log.Error("integration failed, releasing finalization claim", zap.Error(err))
		if rerr := e.Repo.DeleteFinalization(context.WithoutCancel(ctx), nil, subjectID); rerr != nil {
			log.Error("release finalization claim", zap.Error(rerr))
		}
		return domain.Finalization{}, fmt.Errorf("integration: %w", err)
	}

	claim.Reference = ref
	claim.IntegratedAt = e.stamp()
	if err := e.Repo.MarkIntegrated(context.WithoutCancel(ctx), nil, subjectID, ref, claim.IntegratedAt); err != nil {
		metrics.Finalizations.WithLabelValues(metrics.ResultError).Inc()
		log.Error("record integration reference", zap.String("reference", ref), zap.Error(err))
		return domain.Finalization{}, err
	}
	return e.finish(ctx, p, claim, log)
}

// finish completes the workflow of an integrated claim. A failure leaves the claim in place for
// the next Finalize to resume.
func (e Engine) finish(ctx context.Context, p auth.Principal, claim domain.Finalization, log *zap.Logger) (domain.Finalization, error) {
	if err := e.completeFinalization(context.WithoutCancel(ctx), p, claim); err != nil {
		metrics.Finalizations.WithLabelValues(metrics.ResultError).Inc()
		log.Warn("finalization not completed", zap.Error(err))
		return domain.Finalization{}, err
	}
	metrics.Finalizations.WithLabelValues(metrics.ResultOK).Inc()
	log.Info("subject finalized", zap.String("reference", claim.Reference))
	return claim, nil
}

// claimFinalization checks the workflow awaits approval and inserts the finalizations row.
func (e Engine) claimFinalization(ctx context.Context, p auth.Principal, subjectID string) (domain.Finalization, integration.Finalized, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Finalization{}, integration.Finalized{}, err
	}
	defer tx.Rollback()
	wf, err := e.Repo.GetWorkflow(ctx, tx, subjectID)
	if err != nil {
		return domain.Finalization{}, integration.Finalized{}, err
	}
	if existing, err := e.Repo.GetFinalization(ctx, tx, subjectID); err == nil {
		if fin, _ := workflow.StepByID(wf, domain.StepFinalize); existing.IntegratedAt != "" && fin.Status != domain.StatusCompleted {
			return existing, integration.Finalized{}, errResumeFinalization
		}
		return existing, integration.Finalized{}, ErrAlreadyFinalized
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Finalization{}, integration.Finalized{}, err
	}
	if !workflow.AwaitingApproval(wf) {
		return domain.Finalization{}, integration.Finalized{}, &workflow.TransitionError{
			Step: domain.StepFinalize, Status: domain.StatusCompleted, Reason: "supplier feedback not completed or already finalized",
		}
	}
	stored, err := e.Repo.GetDocument(ctx, tx, subjectID)
	if err != nil {
		return domain.Finalization{}, integration.Finalized{}, err
	}
	doc, err := stored.Shared()
	if err != nil {
		return domain.Finalization{}, integration.Finalized{}, err
	}
	claim := domain.Finalization{SubjectID: subjectID, ActorID: p.ActorID, FinalizedAt: e.stamp()}
	if err := e.Repo.InsertFinalization(ctx, tx, claim); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return claim, integration.Finalized{}, ErrAlreadyFinalized
		}
		return domain.Finalization{}, integration.Finalized{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Finalization{}, integration.Finalized{}, err
	}
	return claim, integration.Finalized{
		SubjectID:   subjectID,
		ActorID:     p.ActorID,
		FinalizedAt: claim.FinalizedAt,
		Workflow:    wf,
		Rows:        doc.Rows,
	}, nil
}

func (e Engine) completeFinalization(ctx context.Context, p auth.Principal, claim domain.Finalization) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	wf, err := e.Repo.GetWorkflow(ctx, tx, claim.SubjectID)
	if err != nil {
		return err
	}
	if fin, _ := workflow.StepByID(wf, domain.StepFinalize); fin.Status != domain.StatusCompleted {
		wf, err = workflow.Advance(wf, domain.StepFinalize, domain.StatusCompleted, e.now())
		if err != nil {
			return err
		}
	}
	if err := e.Repo.PutWorkflow(ctx, tx, wf); err != nil {
		return err
	}
	if err := e.Repo.SetFinalizationReference(ctx, tx, claim.SubjectID, claim.Reference); err != nil {
		return err
	}
	payload := events.EventPayload{"reference": claim.Reference}
	if err := e.events().Append(ctx, tx, "subject.finalize", claim.SubjectID, "workflow", claim.SubjectID, p.ActorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// GetFinalization returns the finalization record of a subject.
func (e Engine) GetFinalization(ctx context.Context, subjectID string) (domain.Finalization, error) {
	return e.Repo.GetFinalization(ctx, nil, subjectID)
}
