package workflow_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specflow/internal/domain"
	"specflow/internal/workflow"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCreate(t *testing.T) {
	wf := workflow.Create("spec-1", map[domain.StepID]string{domain.StepSend: "Mail it"}, t0)
	require.Len(t, wf.Steps, 5)
	assert.False(t, wf.IsVisible)
	for i, s := range wf.Steps {
		assert.Equal(t, workflow.Order[i], s.ID)
		assert.Equal(t, domain.StatusPending, s.Status)
		assert.Nil(t, s.Timestamp)
	}
	assert.Equal(t, "Mail it", wf.Steps[2].Label)
	assert.Equal(t, workflow.DefaultLabels[domain.StepPrepare], wf.Steps[0].Label)
}

func TestActiveStepAfterPartialProgress(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	var err error
	wf, err = workflow.Advance(wf, domain.StepPrepare, domain.StatusCompleted, t0)
	require.NoError(t, err)
	wf, err = workflow.Advance(wf, domain.StepReview, domain.StatusCompleted, t0)
	require.NoError(t, err)
	wf, err = workflow.Advance(wf, domain.StepSend, domain.StatusInProgress, t0)
	require.NoError(t, err)

	active, ok := workflow.ActiveStep(wf)
	require.True(t, ok)
	assert.Equal(t, domain.StepSend, active.ID)
}

func TestAdvanceOutOfOrderRejected(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	before := wf.Clone()

	out, err := workflow.Advance(wf, domain.StepSend, domain.StatusInProgress, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrInvalidTransition))
	var te *workflow.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StepSend, te.Step)
	assert.Equal(t, before, out)
	assert.Equal(t, before, wf)
}

func TestActiveStepFallsBackToPendingAndTerminal(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	active, ok := workflow.ActiveStep(wf)
	require.True(t, ok)
	assert.Equal(t, domain.StepPrepare, active.ID)

	for _, id := range workflow.Order {
		var err error
		wf, err = workflow.Advance(wf, id, domain.StatusCompleted, t0)
		require.NoError(t, err)
	}
	_, ok = workflow.ActiveStep(wf)
	assert.False(t, ok)
	assert.True(t, workflow.IsTerminal(wf))

	_, err := workflow.Advance(wf, domain.StepFinalize, domain.StatusInProgress, t0)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestAdvanceRejectsUnknownInputs(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	_, err := workflow.Advance(wf, "ship", domain.StatusCompleted, t0)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	_, err = workflow.Advance(wf, domain.StepPrepare, "done", t0)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestAdvanceBackToPendingBlockedByLaterSteps(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	wf, _ = workflow.Advance(wf, domain.StepPrepare, domain.StatusCompleted, t0)
	wf, _ = workflow.Advance(wf, domain.StepReview, domain.StatusInProgress, t0)

	_, err := workflow.Advance(wf, domain.StepPrepare, domain.StatusPending, t0)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	wf, err = workflow.Advance(wf, domain.StepReview, domain.StatusPending, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, wf.Steps[1].Status)
	require.NotNil(t, wf.Steps[1].Timestamp, "timestamp survives going back to pending")
}

func TestTimestampMonotonic(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	later := t0.Add(time.Hour)
	wf, err := workflow.Advance(wf, domain.StepPrepare, domain.StatusInProgress, later)
	require.NoError(t, err)
	wf, err = workflow.Advance(wf, domain.StepPrepare, domain.StatusCompleted, t0)
	require.NoError(t, err)
	assert.Equal(t, later.Format(time.RFC3339), *wf.Steps[0].Timestamp)
}

func TestOrderInvariantUnderRandomAdvances(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []domain.StepStatus{domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted}
	for run := 0; run < 200; run++ {
		wf := workflow.Create("spec-1", nil, t0)
		for i := 0; i < 30; i++ {
			id := workflow.Order[rng.Intn(len(workflow.Order))]
			st := statuses[rng.Intn(len(statuses))]
			next, err := workflow.Advance(wf, id, st, t0.Add(time.Duration(i)*time.Minute))
			if err != nil {
				require.ErrorIs(t, err, workflow.ErrInvalidTransition)
				require.Equal(t, wf, next)
				continue
			}
			wf = next
			require.NoError(t, workflow.ValidateSteps(wf.Steps))
		}
	}
}

func TestValidateSteps(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	require.NoError(t, workflow.ValidateSteps(wf.Steps))

	swapped := wf.Clone()
	swapped.Steps[0], swapped.Steps[1] = swapped.Steps[1], swapped.Steps[0]
	assert.ErrorIs(t, workflow.ValidateSteps(swapped.Steps), workflow.ErrInvalidTransition)

	assert.ErrorIs(t, workflow.ValidateSteps(wf.Steps[:4]), workflow.ErrInvalidTransition)

	gap := wf.Clone()
	gap.Steps[2].Status = domain.StatusCompleted
	assert.ErrorIs(t, workflow.ValidateSteps(gap.Steps), workflow.ErrInvalidTransition)
}

func TestNormalizeKeepsTimestampsMonotonic(t *testing.T) {
	prev := workflow.Create("spec-1", nil, t0)
	prev, _ = workflow.Advance(prev, domain.StepPrepare, domain.StatusInProgress, t0.Add(time.Hour))

	incoming := prev.Clone()
	early := t0.Format(time.RFC3339)
	incoming.Steps[0].Timestamp = &early
	incoming.Steps[0].Status = domain.StatusCompleted
	incoming.Steps[0].Label = "ignored"

	out := workflow.Normalize(prev.Steps, incoming.Steps, nil, t0)
	assert.Equal(t, t0.Add(time.Hour).Format(time.RFC3339), *out[0].Timestamp)
	assert.Equal(t, workflow.DefaultLabels[domain.StepPrepare], out[0].Label)
	assert.Equal(t, []domain.StepID{domain.StepPrepare}, workflow.ChangedSteps(prev.Steps, out))
}

func TestAwaitingApproval(t *testing.T) {
	wf := workflow.Create("spec-1", nil, t0)
	assert.False(t, workflow.AwaitingApproval(wf))
	for _, id := range workflow.Order[:4] {
		wf, _ = workflow.Advance(wf, id, domain.StatusCompleted, t0)
	}
	assert.True(t, workflow.AwaitingApproval(wf))
	wf, _ = workflow.Advance(wf, domain.StepFinalize, domain.StatusCompleted, t0)
	assert.False(t, workflow.AwaitingApproval(wf))
}
