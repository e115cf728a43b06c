package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specflow/internal/app"
	"specflow/internal/config"
	"specflow/internal/domain"
	"specflow/internal/engine/auth"
	"specflow/internal/integration"
)

func TestOpenWorkspace(t *testing.T) {
	dir := t.TempDir()
	yml := "integration:\n  url: http://127.0.0.1:1/hook\n  timeout: 2s\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	ws, err := app.Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, isWebhook := ws.Engine.Integrator.(integration.Webhook)
	assert.True(t, isWebhook)

	_, err = ws.Engine.CreateSubject(context.Background(), auth.Principal{ActorID: "alice", Role: domain.RoleInternal}, "spec-1")
	require.NoError(t, err)

	again, err := app.Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer again.Close()
	wf, err := again.Engine.GetWorkflow(context.Background(), "spec-1")
	require.NoError(t, err)
	assert.Equal(t, "spec-1", wf.SubjectID)
}
