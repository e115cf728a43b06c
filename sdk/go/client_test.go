package specflowsdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specflow/internal/config"
	"specflow/internal/db"
	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/migrate"
	"specflow/internal/repo"
	"specflow/internal/server"
	"specflow/internal/sheet"
	"specflow/internal/syncer"
	"specflow/internal/workflow"
	specflowsdk "specflow/sdk/go"
)

const secret = "sdk-secret"

func newClients(t *testing.T) (internal, external *specflowsdk.Client) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	require.NoError(t, e.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", ActorID: "supplier", Role: domain.RoleExternal, KeyHash: repo.HashAPIKey("supplier-key"),
	}))
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.SignToken(secret, "alice", domain.RoleInternal, time.Hour)
	require.NoError(t, err)
	internal = specflowsdk.New(srv.URL)
	internal.BearerToken = token
	external = specflowsdk.New(srv.URL)
	external.APIKey = "supplier-key"
	return internal, external
}

func TestClientRoundTrip(t *testing.T) {
	internal, external := newClients(t)
	ctx := context.Background()

	_, err := internal.GetWorkflow(ctx, "spec-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.True(t, specflowsdk.IsNotFound(err))

	_, err = internal.CreateSubject(ctx, "spec-1")
	require.NoError(t, err)
	_, err = internal.CreateSubject(ctx, "spec-1")
	require.ErrorIs(t, err, repo.ErrAlreadyExists)

	_, err = internal.Advance(ctx, "spec-1", domain.StepSend, domain.StatusCompleted)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = external.MergeDocument(ctx, "spec-1", "1,\"Q1,A\n2,Q2,A2,Agent")
	require.ErrorIs(t, err, sheet.ErrMalformedCandidate)
	var apiErr *specflowsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Details, "document")

	me, err := external.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleExternal, me.Role)

	pin, err := internal.Pin(ctx, "spec-1")
	require.NoError(t, err)
	assert.Equal(t, "spec-1", pin.SubjectID)
	visible, err := external.ListVisibleWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, visible, 1)

	events, err := internal.Events(ctx, "spec-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "pin.set", events[0].Type)
}

func TestClientDrivesSyncer(t *testing.T) {
	internal, _ := newClients(t)
	ctx := context.Background()
	_, err := internal.CreateSubject(ctx, "spec-1")
	require.NoError(t, err)

	var remote syncer.Remote = internal
	s := syncer.New(remote, syncer.Options{WorkflowInterval: time.Hour, WriteTimeout: 5 * time.Second})
	wf, err := s.Advance(ctx, "spec-1", domain.StepPrepare, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Steps[0].Status)

	_, err = s.Advance(ctx, "spec-1", domain.StepFeedback, domain.StatusInProgress)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	stored, err := internal.GetWorkflow(ctx, "spec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Steps[0].Status)
	assert.False(t, s.Snapshot("spec-1").Pending)
}
