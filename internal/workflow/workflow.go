// Package workflow holds the specification lifecycle state machine. Everything here is pure:
// functions take a Workflow value and return a new one, so callers decide when to persist.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"specflow/internal/domain"
)

// Order is the canonical lifecycle order. Stored step arrays are validated against it,
// never the other way round.
var Order = []domain.StepID{
	domain.StepPrepare,
	domain.StepReview,
	domain.StepSend,
	domain.StepFeedback,
	domain.StepFinalize,
}

// DefaultLabels are used when configuration does not override a step label.
var DefaultLabels = map[domain.StepID]string{
	domain.StepPrepare:  "Prepare specification",
	domain.StepReview:   "Internal review",
	domain.StepSend:     "Send to supplier",
	domain.StepFeedback: "Supplier feedback",
	domain.StepFinalize: "Approve and finalize",
}

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError describes a rejected step change.
type TransitionError struct {
	Step   domain.StepID
	Status domain.StepStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.Step, e.Status, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Index returns the canonical position of id, or -1.
func Index(id domain.StepID) int {
	for i, s := range Order {
		if s == id {
			return i
		}
	}
	return -1
}

// ValidStatus reports whether s is a known step status.
func ValidStatus(s domain.StepStatus) bool {
	switch s {
	case domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted:
		return true
	}
	return false
}

// Create returns a new workflow with every step pending.
func Create(subjectID string, labels map[domain.StepID]string, now time.Time) domain.Workflow {
	steps := make([]domain.Step, len(Order))
	for i, id := range Order {
		steps[i] = domain.Step{ID: id, Label: label(labels, id), Status: domain.StatusPending}
	}
	return domain.Workflow{
		SubjectID: subjectID,
		Steps:     steps,
		UpdatedAt: now.UTC().Format(time.RFC3339),
	}
}

func label(labels map[domain.StepID]string, id domain.StepID) string {
	if l, ok := labels[id]; ok && l != "" {
		return l
	}
	return DefaultLabels[id]
}

// Advance sets the status of one step. The input workflow is never modified; on error the
// returned workflow is the unchanged input.
func Advance(wf domain.Workflow, stepID domain.StepID, status domain.StepStatus, now time.Time) (domain.Workflow, error) {
	if err := ValidateSteps(wf.Steps); err != nil {
		return wf, err
	}
	idx := Index(stepID)
	if idx < 0 {
		return wf, &TransitionError{Step: stepID, Status: status, Reason: "unknown step"}
	}
	if !ValidStatus(status) {
		return wf, &TransitionError{Step: stepID, Status: status, Reason: "unknown status"}
	}
	if IsTerminal(wf) {
		return wf, &TransitionError{Step: stepID, Status: status, Reason: "workflow already finalized"}
	}
	if status == domain.StatusPending {
		for _, later := range wf.Steps[idx+1:] {
			if later.Status != domain.StatusPending {
				return wf, &TransitionError{Step: stepID, Status: status, Reason: fmt.Sprintf("later step %s is %s", later.ID, later.Status)}
			}
		}
	} else {
		for _, earlier := range wf.Steps[:idx] {
			if earlier.Status == domain.StatusPending {
				return wf, &TransitionError{Step: stepID, Status: status, Reason: fmt.Sprintf("earlier step %s is still pending", earlier.ID)}
			}
		}
	}

	out := wf.Clone()
	step := &out.Steps[idx]
	step.Status = status
	if status != domain.StatusPending {
		step.Timestamp = stamp(step.Timestamp, now)
	}
	out.UpdatedAt = now.UTC().Format(time.RFC3339)
	return out, nil
}

// stamp keeps timestamps monotonic: a clock reading earlier than the stored value is ignored.
func stamp(existing *string, now time.Time) *string {
	ts := now.UTC().Format(time.RFC3339)
	if existing != nil {
		if prev, err := time.Parse(time.RFC3339, *existing); err == nil && prev.After(now) {
			return existing
		}
	}
	return &ts
}

// ActiveStep returns the first in-progress step, else the first pending one. ok is false once
// every step is completed.
func ActiveStep(wf domain.Workflow) (domain.Step, bool) {
	for _, s := range wf.Steps {
		if s.Status == domain.StatusInProgress {
			return s, true
		}
	}
	for _, s := range wf.Steps {
		if s.Status == domain.StatusPending {
			return s, true
		}
	}
	return domain.Step{}, false
}

// IsTerminal reports whether every step is completed.
func IsTerminal(wf domain.Workflow) bool {
	if len(wf.Steps) == 0 {
		return false
	}
	for _, s := range wf.Steps {
		if s.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// StepByID returns the step with the given id.
func StepByID(wf domain.Workflow, id domain.StepID) (domain.Step, bool) {
	for _, s := range wf.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Step{}, false
}

// AwaitingApproval reports whether supplier feedback is in and finalize has not completed.
func AwaitingApproval(wf domain.Workflow) bool {
	fb, ok := StepByID(wf, domain.StepFeedback)
	if !ok || fb.Status != domain.StatusCompleted {
		return false
	}
	fin, ok := StepByID(wf, domain.StepFinalize)
	return ok && fin.Status != domain.StatusCompleted
}

// ValidateSteps checks shape (five canonical ids, once each, in order, known statuses) and the
// order invariant.
func ValidateSteps(steps []domain.Step) error {
	if len(steps) != len(Order) {
		return &TransitionError{Reason: fmt.Sprintf("expected %d steps, got %d", len(Order), len(steps))}
	}
	seenPending := false
	for i, s := range steps {
		if s.ID != Order[i] {
			return &TransitionError{Step: s.ID, Status: s.Status, Reason: fmt.Sprintf("step %d must be %s", i, Order[i])}
		}
		if !ValidStatus(s.Status) {
			return &TransitionError{Step: s.ID, Status: s.Status, Reason: "unknown status"}
		}
		if s.Status == domain.StatusPending {
			seenPending = true
			continue
		}
		if seenPending {
			return &TransitionError{Step: s.ID, Status: s.Status, Reason: "preceded by a pending step"}
		}
	}
	return nil
}

// ChangedSteps lists the ids whose status differs between two step arrays of canonical shape.
func ChangedSteps(before, after []domain.Step) []domain.StepID {
	var changed []domain.StepID
	for i := range after {
		if i >= len(before) || before[i].Status != after[i].Status {
			changed = append(changed, after[i].ID)
		}
	}
	return changed
}

// Normalize prepares a full-replace step array for storage: labels come from configuration,
// steps whose status changed are stamped, and no timestamp moves backwards relative to prev.
func Normalize(prev, steps []domain.Step, labels map[domain.StepID]string, now time.Time) []domain.Step {
	out := make([]domain.Step, len(steps))
	for i, s := range steps {
		s.Label = label(labels, s.ID)
		var old *domain.Step
		if i < len(prev) && prev[i].ID == s.ID {
			old = &prev[i]
		}
		switch {
		case s.Status == domain.StatusPending:
		case old == nil || old.Status != s.Status || s.Timestamp == nil:
			var base *string
			if old != nil {
				base = old.Timestamp
			}
			s.Timestamp = stamp(base, now)
		}
		if old != nil && old.Timestamp != nil {
			s.Timestamp = later(old.Timestamp, s.Timestamp)
		}
		if s.Timestamp != nil {
			ts := *s.Timestamp
			s.Timestamp = &ts
		}
		out[i] = s
	}
	return out
}

func later(a, b *string) *string {
	if b == nil {
		return a
	}
	ta, errA := time.Parse(time.RFC3339, *a)
	tb, errB := time.Parse(time.RFC3339, *b)
	if errA != nil || errB != nil {
		return b
	}
	if ta.After(tb) {
		return a
	}
	return b
}
