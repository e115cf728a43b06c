package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specflow/internal/config"
	"specflow/internal/integration"
)

func TestWebhookSignsAndReturnsReference(t *testing.T) {
	var got integration.Finalized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !integration.Verify("s3cret", body, r.Header.Get(integration.SignatureHeader)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reference":"ERP-42"}`))
	}))
	defer srv.Close()

	in := integration.FromConfig(config.IntegrationConfig{URL: srv.URL, Secret: "s3cret", Timeout: time.Second}, nil)
	ref, err := in.Submit(context.Background(), integration.Finalized{SubjectID: "spec-1", Rows: [][]string{{"1", "Q", "A", "S"}}})
	require.NoError(t, err)
	assert.Equal(t, "ERP-42", ref)
	assert.Equal(t, "spec-1", got.SubjectID)
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	in := integration.Webhook{URL: srv.URL}
	_, err := in.Submit(context.Background(), integration.Finalized{SubjectID: "spec-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFromConfigWithoutURLIsNoop(t *testing.T) {
	in := integration.FromConfig(config.IntegrationConfig{}, nil)
	_, ok := in.(integration.Noop)
	assert.True(t, ok)
}
