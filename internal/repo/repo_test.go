package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"specflow/internal/db"
	"specflow/internal/domain"
	"specflow/internal/migrate"
	"specflow/internal/repo"
	"specflow/internal/workflow"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestWorkflowRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	wf := workflow.Create("spec-1", nil, now)
	wf, err := workflow.Advance(wf, domain.StepPrepare, domain.StatusCompleted, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertWorkflow(ctx, nil, wf); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertWorkflow(ctx, nil, wf); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	got, err := r.GetWorkflow(ctx, nil, "spec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Steps[0].Status != domain.StatusCompleted || got.Steps[0].Timestamp == nil {
		t.Fatalf("steps not persisted: %+v", got.Steps[0])
	}
	if _, err := r.GetWorkflow(ctx, nil, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.PutWorkflow(ctx, nil, domain.Workflow{SubjectID: "missing", Steps: wf.Steps}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on put, got %v", err)
	}
}

func TestListWorkflowsVisibleOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		if err := r.InsertWorkflow(ctx, nil, workflow.Create(id, nil, now)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.SetVisible(ctx, nil, "b", true, now.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	all, err := r.ListWorkflows(ctx, nil, repo.WorkflowFilters{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v %d", err, len(all))
	}
	visible, err := r.ListWorkflows(ctx, nil, repo.WorkflowFilters{VisibleOnly: true})
	if err != nil || len(visible) != 1 || visible[0].SubjectID != "b" {
		t.Fatalf("list visible: %v %+v", err, visible)
	}
}

func TestInteractionsAndPins(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := r.InsertWorkflow(ctx, nil, workflow.Create("spec-1", nil, now)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		seq, err := r.NextSeq(ctx, nil, "spec-1")
		if err != nil {
			t.Fatal(err)
		}
		if seq != int64(i+1) {
			t.Fatalf("seq %d, want %d", seq, i+1)
		}
		it := domain.Interaction{ID: "it-" + string(rune('a'+i)), SubjectID: "spec-1", Seq: seq, Role: "user", Text: "hi", CreatedAt: now.Format(time.RFC3339)}
		if i == 1 {
			it.ToolKind = domain.ToolKindSheet
			it.Parts = []domain.Part{{Type: "tool-invocation", ToolName: "createSheet"}}
		}
		if err := r.InsertInteraction(ctx, nil, it); err != nil {
			t.Fatal(err)
		}
	}
	list, err := r.ListInteractions(ctx, nil, "spec-1")
	if err != nil || len(list) != 2 {
		t.Fatalf("list interactions: %v %d", err, len(list))
	}
	if list[0].Parts != nil || list[1].Parts[0].ToolName != "createSheet" {
		t.Fatalf("parts not decoded: %+v", list)
	}

	if err := r.UpsertPin(ctx, nil, domain.Pin{ActorID: "alice", SubjectID: "spec-1", PinnedAt: now.Format(time.RFC3339)}); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.CountPins(ctx, nil, "spec-1"); n != 1 {
		t.Fatalf("pins %d", n)
	}
	removed, err := r.DeletePin(ctx, nil, "alice")
	if err != nil || !removed {
		t.Fatalf("delete pin: %v %v", err, removed)
	}
	if _, err := r.GetPin(ctx, nil, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected pin gone, got %v", err)
	}
}

func TestFinalizationClaimedOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := r.InsertWorkflow(ctx, nil, workflow.Create("spec-1", nil, now)); err != nil {
		t.Fatal(err)
	}
	f := domain.Finalization{SubjectID: "spec-1", ActorID: "alice", FinalizedAt: now.Format(time.RFC3339)}
	if err := r.InsertFinalization(ctx, nil, f); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertFinalization(ctx, nil, f); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestAPIKeyRole(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "bob", Role: domain.RoleExternal, KeyHash: repo.HashAPIKey("secret")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != domain.RoleExternal || got.ActorID != "bob" {
		t.Fatalf("unexpected key %+v", got)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "x", Role: "admin", KeyHash: "h"}); err == nil {
		t.Fatal("expected role validation error")
	}
}
