package syncer

import (
	"context"

	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/engine/auth"
)

// Local serves a Syncer straight from a workspace engine, acting as Principal.
type Local struct {
	Engine    engine.Engine
	Principal auth.Principal
}

func (l Local) GetWorkflow(ctx context.Context, subjectID string) (domain.Workflow, error) {
	return l.Engine.GetWorkflow(ctx, subjectID)
}

func (l Local) PutWorkflow(ctx context.Context, subjectID string, isVisible bool, steps []domain.Step) (domain.Workflow, error) {
	return l.Engine.PutWorkflow(ctx, l.Principal, subjectID, isVisible, steps)
}

func (l Local) ListPendingApprovals(ctx context.Context) ([]domain.Workflow, error) {
	return l.Engine.ListPendingApprovals(ctx)
}
