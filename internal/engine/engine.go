package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"specflow/internal/config"
	"specflow/internal/domain"
	"specflow/internal/engine/auth"
	"specflow/internal/events"
	"specflow/internal/integration"
	"specflow/internal/logging"
	"specflow/internal/metrics"
	"specflow/internal/repo"
	"specflow/internal/sheet"
	"specflow/internal/workflow"
)

// ForbiddenError is returned when the caller's role may not perform an operation.
type ForbiddenError = auth.ForbiddenError

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Integrator integration.Integrator
	Logger     *zap.Logger

	finalizing *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Now:        time.Now,
		Integrator: integration.Noop{},
		Logger:     zap.NewNop(),
		finalizing: &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// events uses the engine clock unless a writer with its own clock was injected.
func (e Engine) events() events.Writer {
	if e.Events.Now != nil {
		return e.Events
	}
	return events.Writer{Now: e.now}
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// CreateSubject starts a workflow and its shared document from the configured template. The
// document creation is recorded as the subject's first interaction.
func (e Engine) CreateSubject(ctx context.Context, p auth.Principal, subjectID string) (domain.Workflow, error) {
	if err := p.Require(domain.RoleInternal, "create subjects"); err != nil {
		return domain.Workflow{}, err
	}
	if subjectID == "" {
		return domain.Workflow{}, errors.New("subject_id required")
	}
	cfg := e.cfg()
	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	wf := workflow.Create(subjectID, cfg.Workflow.Labels, now)
	doc := sheet.NewFromTemplate(cfg.Document.Template)
	content, err := sheet.Serialize(doc)
	if err != nil {
		return domain.Workflow{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Repo.InsertDocument(ctx, tx, repo.StoredDocument{SubjectID: subjectID, Content: content, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert document: %w", err)
	}
	creation := domain.Interaction{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Seq:       1,
		Role:      "assistant",
		Text:      fmt.Sprintf("Created specification sheet with %d questions.", len(doc.Rows)),
		ToolKind:  domain.ToolKindSheet,
		Parts: []domain.Part{
			{Type: domain.PartText, Text: "Drafted from the configured template."},
			{Type: "tool-invocation", ToolName: "createSheet", Data: map[string]any{"subject_id": subjectID, "rows": len(doc.Rows)}},
		},
		CreatedAt: ts,
	}
	if err := e.Repo.InsertInteraction(ctx, tx, creation); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.events().Append(ctx, tx, "subject.create", subjectID, "workflow", subjectID, p.ActorID, events.EventPayload{"questions": len(doc.Rows)}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	e.log().Info("subject created", zap.String("subject_id", subjectID), zap.String("actor_id", p.ActorID))
	return wf, nil
}

func (e Engine) GetWorkflow(ctx context.Context, subjectID string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, nil, subjectID)
}

// PutWorkflow replaces visibility and the whole step array. The new steps must have canonical
// shape and respect the order invariant, and every changed step must be permitted for the role.
// Concurrent writers are not detected: the last accepted write wins.
func (e Engine) PutWorkflow(ctx context.Context, p auth.Principal, subjectID string, isVisible bool, steps []domain.Step) (domain.Workflow, error) {
	if err := p.Validate(); err != nil {
		return domain.Workflow{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetWorkflow(ctx, tx, subjectID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := workflow.ValidateSteps(steps); err != nil {
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	changed := workflow.ChangedSteps(prev.Steps, steps)
	if len(changed) > 0 && workflow.IsTerminal(prev) {
		err := &workflow.TransitionError{Step: changed[0], Reason: "workflow already finalized"}
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	if err := auth.CanTransition(e.cfg(), p, changed...); err != nil {
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	if isVisible != prev.IsVisible && p.Role != domain.RoleInternal {
		return domain.Workflow{}, &ForbiddenError{Role: p.Role, Action: "change visibility"}
	}
	if err := requireFinalizeRoute(prev.Steps, steps); err != nil {
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	next := prev.Clone()
	next.IsVisible = isVisible
	next.Steps = workflow.Normalize(prev.Steps, steps, e.cfg().Workflow.Labels, e.now())
	next.UpdatedAt = e.stamp()
	if err := e.Repo.PutWorkflow(ctx, tx, next); err != nil {
		return domain.Workflow{}, err
	}
	payload := events.EventPayload{"changed": changed, "is_visible": isVisible}
	if err := e.events().Append(ctx, tx, "workflow.put", subjectID, "workflow", subjectID, p.ActorID, payload); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	metrics.Transitions.WithLabelValues(metrics.ResultOK).Add(float64(len(changed)))
	return next, nil
}

// Advance moves one step to a new status.
func (e Engine) Advance(ctx context.Context, p auth.Principal, subjectID string, stepID domain.StepID, status domain.StepStatus) (domain.Workflow, error) {
	if err := auth.CanTransition(e.cfg(), p, stepID); err != nil {
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetWorkflow(ctx, tx, subjectID)
	if err != nil {
		return domain.Workflow{}, err
	}
	next, err := workflow.Advance(prev, stepID, status, e.now())
	if err != nil {
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	if err := requireFinalizeRoute(prev.Steps, next.Steps); err != nil {
		e.rejected(subjectID, err)
		return domain.Workflow{}, err
	}
	if err := e.Repo.PutWorkflow(ctx, tx, next); err != nil {
		return domain.Workflow{}, err
	}
	payload := events.EventPayload{"step": stepID, "status": status}
	if err := e.events().Append(ctx, tx, "workflow.advance", subjectID, "step", string(stepID), p.ActorID, payload); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	metrics.Transitions.WithLabelValues(metrics.ResultOK).Inc()
	e.log().Debug("step advanced", zap.String("subject_id", subjectID), zap.String("step", string(stepID)), zap.String("status", string(status)))
	return next, nil
}

// requireFinalizeRoute keeps finalize completion behind Finalize so the integration runs.
func requireFinalizeRoute(before, after []domain.Step) error {
	i := workflow.Index(domain.StepFinalize)
	if i >= len(after) || after[i].Status != domain.StatusCompleted {
		return nil
	}
	if i < len(before) && before[i].Status == domain.StatusCompleted {
		return nil
	}
	return &workflow.TransitionError{Step: domain.StepFinalize, Status: domain.StatusCompleted, Reason: "use finalize to complete the workflow"}
}

func (e Engine) rejected(subjectID string, err error) {
	metrics.Transitions.WithLabelValues(metrics.ResultRejected).Inc()
	e.log().Info("transition rejected", zap.String("subject_id", subjectID), zap.Error(err))
}

// ListVisibleWorkflows returns workflows currently shown to suppliers.
func (e Engine) ListVisibleWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, nil, repo.WorkflowFilters{VisibleOnly: true})
}

// ListWorkflows returns every workflow, newest first.
func (e Engine) ListWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, nil, repo.WorkflowFilters{Limit: limit})
}

// ListPendingApprovals returns workflows whose supplier feedback is in and that still await
// finalization.
func (e Engine) ListPendingApprovals(ctx context.Context) ([]domain.Workflow, error) {
	all, err := e.Repo.ListWorkflows(ctx, nil, repo.WorkflowFilters{})
	if err != nil {
		return nil, err
	}
	res := []domain.Workflow{}
	for _, wf := range all {
		if workflow.AwaitingApproval(wf) {
			res = append(res, wf)
		}
	}
	return res, nil
}

// Submit records that the supplier handed in its answers and completes the feedback step.
func (e Engine) Submit(ctx context.Context, p auth.Principal, subjectID string) (domain.Workflow, error) {
	if err := p.Require(domain.RoleExternal, "submit"); err != nil {
		return domain.Workflow{}, err
	}
	if err := auth.CanTransition(e.cfg(), p, domain.StepFeedback); err != nil {
		return domain.Workflow{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetWorkflow(ctx, tx, subjectID)
	if err != nil {
		return domain.Workflow{}, err
	}
	next := prev
	if fb, _ := workflow.StepByID(prev, domain.StepFeedback); fb.Status != domain.StatusCompleted {
		next, err = workflow.Advance(prev, domain.StepFeedback, domain.StatusCompleted, e.now())
		if err != nil {
			e.rejected(subjectID, err)
			return domain.Workflow{}, err
		}
	}
	next = next.Clone()
	next.Submitted = true
	next.UpdatedAt = e.stamp()
	if err := e.Repo.PutWorkflow(ctx, tx, next); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.events().Append(ctx, tx, "subject.submit", subjectID, "workflow", subjectID, p.ActorID, nil); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	e.log().Info("answers submitted", zap.String("subject_id", subjectID), zap.String("actor_id", p.ActorID))
	return next, nil
}
