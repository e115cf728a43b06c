package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"specflow/internal/domain"
	"specflow/internal/engine/auth"
	"specflow/internal/events"
	"specflow/internal/projector"
)

var interactionRoles = map[string]bool{"user": true, "assistant": true, "tool": true}

// AppendInteraction stores an interaction at the next sequence number of its subject.
func (e Engine) AppendInteraction(ctx context.Context, p auth.Principal, in domain.Interaction) (domain.Interaction, error) {
	if err := p.Validate(); err != nil {
		return domain.Interaction{}, err
	}
	if !interactionRoles[in.Role] {
		return domain.Interaction{}, fmt.Errorf("unknown interaction role %q", in.Role)
	}
	for i, part := range in.Parts {
		if part.Type == "" {
			return domain.Interaction{}, fmt.Errorf("parts[%d].type required", i)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Interaction{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkflow(ctx, tx, in.SubjectID); err != nil {
		return domain.Interaction{}, err
	}
	seq, err := e.Repo.NextSeq(ctx, tx, in.SubjectID)
	if err != nil {
		return domain.Interaction{}, err
	}
	in.Seq = seq
	in.Synthetic = false
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = e.stamp()
	if err := e.Repo.InsertInteraction(ctx, tx, in); err != nil {
		return domain.Interaction{}, err
	}
	payload := events.EventPayload{"seq": seq, "role": in.Role, "tool_kind": in.ToolKind}
	if err := e.events().Append(ctx, tx, "interaction.append", in.SubjectID, "interaction", in.ID, p.ActorID, payload); err != nil {
		return domain.Interaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Interaction{}, err
	}
	return in, nil
}

// History returns the unfiltered interaction log. It contains the requester's drafting and is
// therefore restricted to the internal role; suppliers read through ProjectView.
func (e Engine) History(ctx context.Context, p auth.Principal, subjectID string) ([]domain.Interaction, error) {
	if err := p.Require(domain.RoleInternal, "read the raw history"); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetWorkflow(ctx, nil, subjectID); err != nil {
		return nil, err
	}
	return e.Repo.ListInteractions(ctx, nil, subjectID)
}

// View is a projected history with the mode that produced it.
type View struct {
	SubjectID string
	Mode      projector.ViewMode
	Items     []domain.Interaction
}

// ProjectView returns the slice of history the caller's role may see.
func (e Engine) ProjectView(ctx context.Context, p auth.Principal, subjectID string, flags projector.Flags) (View, error) {
	if err := p.Validate(); err != nil {
		return View{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return View{}, err
	}
	defer tx.Rollback()
	wf, err := e.Repo.GetWorkflow(ctx, tx, subjectID)
	if err != nil {
		return View{}, err
	}
	history, err := e.Repo.ListInteractions(ctx, tx, subjectID)
	if err != nil {
		return View{}, err
	}
	cfg := e.cfg()
	mode := projector.Mode(p.Role, wf, flags)
	items := projector.ProjectMode(mode, subjectID, history, projector.Texts{Welcome: cfg.Views.WelcomeText, Approval: cfg.Views.ApprovalText})
	return View{SubjectID: subjectID, Mode: mode, Items: items}, nil
}
