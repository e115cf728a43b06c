// Package projector decides which slice of a subject's interaction history each role sees.
// Both roles read the same history; the supplier must never see the requester's drafting and the
// requester's approval screen shows only the document under decision.
//
// Project is pure and performs no I/O.
package projector

import (
	"specflow/internal/domain"
	"specflow/internal/workflow"
)

// ViewMode is computed once per render from the workflow and the acting party.
type ViewMode int

const (
	// ViewFull is the requester's unfiltered transcript.
	ViewFull ViewMode = iota
	// ViewApproval is the requester's single-screen approval decision.
	ViewApproval
	// ViewSupplier is the supplier's slice starting at document creation.
	ViewSupplier
)

func (m ViewMode) String() string {
	switch m {
	case ViewApproval:
		return "approval"
	case ViewSupplier:
		return "supplier"
	default:
		return "full"
	}
}

// Flags are the request-scoped inputs that can put the requester into approval mode.
type Flags struct {
	// ApprovalRequested is set when the caller explicitly asks for the approval screen.
	ApprovalRequested bool
}

// Texts holds the fixed framing messages.
type Texts struct {
	Welcome  string
	Approval string
}

const (
	welcomeID  = "framing-welcome"
	approvalID = "framing-approval"
)

// Mode picks the view variant.
func Mode(role domain.Role, wf domain.Workflow, flags Flags) ViewMode {
	if role == domain.RoleExternal {
		return ViewSupplier
	}
	if flags.ApprovalRequested {
		return ViewApproval
	}
	// a finalized subject goes back to the full transcript
	if wf.Submitted && workflow.AwaitingApproval(wf) {
		return ViewApproval
	}
	return ViewFull
}

// Project returns the interactions visible to role. The history slice is not modified.
func Project(wf domain.Workflow, role domain.Role, history []domain.Interaction, flags Flags, texts Texts) []domain.Interaction {
	return ProjectMode(Mode(role, wf, flags), wf.SubjectID, history, texts)
}

// ProjectMode applies an already computed view mode.
func ProjectMode(mode ViewMode, subjectID string, history []domain.Interaction, texts Texts) []domain.Interaction {
	switch mode {
	case ViewSupplier:
		idx := CreationIndex(history)
		if idx < 0 {
			return []domain.Interaction{}
		}
		out := []domain.Interaction{
			framing(welcomeID, subjectID, history[idx], texts.Welcome),
			structural(history[idx]),
		}
		for _, it := range history[idx+1:] {
			out = append(out, clone(it))
		}
		return out
	case ViewApproval:
		idx := CreationIndex(history)
		if idx < 0 {
			return []domain.Interaction{}
		}
		return []domain.Interaction{
			framing(approvalID, subjectID, history[idx], texts.Approval),
			structural(history[idx]),
		}
	default:
		out := make([]domain.Interaction, len(history))
		for i, it := range history {
			out[i] = clone(it)
		}
		return out
	}
}

// CreationIndex returns the position of the first document-creation record, or -1.
func CreationIndex(history []domain.Interaction) int {
	for i, it := range history {
		if it.ToolKind == domain.ToolKindSheet {
			return i
		}
	}
	return -1
}

// framing borrows the creation record's position so the synthetic message sorts with it.
func framing(id, subjectID string, anchor domain.Interaction, text string) domain.Interaction {
	return domain.Interaction{
		ID:        id,
		SubjectID: subjectID,
		Seq:       anchor.Seq,
		Role:      "assistant",
		Text:      text,
		Parts:     []domain.Part{{Type: domain.PartText, Text: text}},
		Synthetic: true,
		CreatedAt: anchor.CreatedAt,
	}
}

// structural keeps the creation record's non-text parts. Its free text was written for the
// requester and is dropped.
func structural(it domain.Interaction) domain.Interaction {
	out := clone(it)
	out.Text = ""
	out.Parts = nil
	for _, p := range it.Parts {
		if p.Structural() {
			out.Parts = append(out.Parts, clonePart(p))
		}
	}
	return out
}

func clone(it domain.Interaction) domain.Interaction {
	out := it
	if it.Parts != nil {
		out.Parts = make([]domain.Part, len(it.Parts))
		for i, p := range it.Parts {
			out.Parts[i] = clonePart(p)
		}
	}
	return out
}

func clonePart(p domain.Part) domain.Part {
	if p.Data != nil {
		data := make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			data[k] = v
		}
		p.Data = data
	}
	return p
}
