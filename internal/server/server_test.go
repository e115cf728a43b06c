package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"specflow/internal/config"
	"specflow/internal/db"
	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/engine/auth"
	"specflow/internal/integration"
	"specflow/internal/migrate"
	"specflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	Engine   engine.Engine
	client   *http.Client
	internal map[string]string
	external map[string]string
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	if err := e.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "key-1", ActorID: "bob", Role: domain.RoleExternal, KeyHash: repo.HashAPIKey("supplier-key"),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	token, err := SignToken(testSecret, "alice", domain.RoleInternal, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		client:   &http.Client{},
		internal: map[string]string{"Authorization": "Bearer " + token},
		external: map[string]string{"X-Api-Key": "supplier-key"},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s", code, env.Error.Code)
	}
	return env
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows", nil, map[string]string{"X-Api-Key": "wrong"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, srv.external)
	var who WhoAmIResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &who) != nil || who.Role != domain.RoleExternal || who.ActorID != "bob" {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
}

func TestSubjectLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/subjects/spec-1"

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects", map[string]any{"subject_id": "spec-1"}, srv.external)
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects", map[string]any{"subject_id": "spec-1"}, srv.internal)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create subject %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects", map[string]any{"subject_id": "spec-1"}, srv.internal)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, base+"/workflow/advance", map[string]any{"step": "review", "status": "completed"}, srv.internal)
	env := expectError(t, res, data, http.StatusConflict, "invalid_transition")
	if env.Error.Details["step"] != "review" {
		t.Fatalf("details should name the step: %+v", env.Error.Details)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/workflow/advance", map[string]any{"step": "prepare", "status": "completed"}, srv.external)
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	for _, step := range []string{"prepare", "review", "send"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/workflow/advance", map[string]any{"step": step, "status": "completed"}, srv.internal)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance %s: %d %s", step, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/document/merge", map[string]any{"content": "1,\"Q1,A\n2,Q2,A2,Agent"}, srv.external)
	env = expectError(t, res, data, http.StatusUnprocessableEntity, "malformed_candidate")
	if _, ok := env.Error.Details["document"]; !ok {
		t.Fatalf("malformed merge should carry the document: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/document/merge", map[string]any{"content": "id,question,answer,source\n1,Changed,Cocoa butter,Label\n"}, srv.external)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("merge %d: %s", res.StatusCode, string(data))
	}
	var merged MergeResponse
	if err := json.Unmarshal(data, &merged); err != nil {
		t.Fatal(err)
	}
	if merged.Report.Repaired != 1 || merged.Document.Rows[1][2] != "Cocoa butter" {
		t.Fatalf("unexpected merge response %+v", merged)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/history", nil, srv.external)
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodGet, base+"/view", nil, srv.external)
	var view ViewResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &view) != nil || view.Mode != "supplier" || len(view.Items) != 2 {
		t.Fatalf("supplier view: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/submit", nil, srv.external)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows?pending_approval=true", nil, srv.internal)
	var list ListWorkflowsResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &list) != nil || len(list.Items) != 1 {
		t.Fatalf("pending approvals: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/view", nil, srv.internal)
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &view) != nil || view.Mode != "approval" {
		t.Fatalf("approval view: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/finalize", nil, srv.internal)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/finalize", nil, srv.internal)
	expectError(t, res, data, http.StatusConflict, "already_finalized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/subjects/missing/workflow", nil, srv.internal)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?subject_id=spec-1&limit=3", nil, srv.internal)
	var events paginatedEvents
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &events) != nil || len(events.Items) != 3 || events.NextCursor == "" {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	if events.Items[0].Type != "subject.finalize" {
		t.Fatalf("latest event should be finalize, got %s", events.Items[0].Type)
	}
}

func TestCorruptStoredDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/subjects/spec-1"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects", map[string]any{"subject_id": "spec-1"}, srv.internal)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create subject %d: %s", res.StatusCode, string(data))
	}
	if err := srv.Engine.Repo.UpdateDocument(context.Background(), nil, "spec-1", "1,\"unterminated", time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("corrupt document: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/document", nil, srv.internal)
	expectError(t, res, data, http.StatusInternalServerError, "document_corrupt")
	res, data = doJSON(t, client, http.MethodPost, base+"/document/merge", map[string]any{"content": "1,Q1,A1,Agent\n"}, srv.external)
	expectError(t, res, data, http.StatusInternalServerError, "document_corrupt")
}

func TestPutWorkflowAndPins(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	if _, err := srv.Engine.CreateSubject(context.Background(), auth.Principal{ActorID: "alice", Role: domain.RoleInternal}, "spec-1"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/pin", map[string]any{"subject_id": "spec-1"}, srv.internal)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pin %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows?visible=true", nil, srv.external)
	var list ListWorkflowsResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &list) != nil || len(list.Items) != 1 {
		t.Fatalf("visible: %d %s", res.StatusCode, string(data))
	}

	wf := list.Items[0]
	wf.Steps[0].Status = domain.StatusInProgress
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/subjects/spec-1/workflow", PutWorkflowRequest{IsVisible: true, Steps: wf.Steps}, srv.internal)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put workflow %d: %s", res.StatusCode, string(data))
	}
	wf.Steps[2].Status = domain.StatusCompleted
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/subjects/spec-1/workflow", PutWorkflowRequest{IsVisible: true, Steps: wf.Steps}, srv.internal)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/pin", nil, srv.internal)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unpin %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/pin", nil, srv.internal)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "specflow_") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "merge-document") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestWebhookDispatcherDeliversMatchingEvents(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !integration.Verify("hook-secret", body, r.Header.Get(integration.SignatureHeader)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		mu.Lock()
		types = append(types, r.Header.Get("X-Specflow-Event"))
		mu.Unlock()
	}))
	defer receiver.Close()

	srv, cleanup := newTestServer(t)
	defer cleanup()
	e := srv.Engine
	cfg := *config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: receiver.URL, Events: []string{"pin.set"}, Secret: "hook-secret"}}
	e.Config = &cfg
	d := newWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatal("dispatcher should be active")
	}
	ctx := context.Background()
	d.cursorFor(ctx, 0)

	alice := auth.Principal{ActorID: "alice", Role: domain.RoleInternal}
	if _, err := e.CreateSubject(ctx, alice, "spec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PinSubject(ctx, alice, "spec-1"); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 1 || types[0] != "pin.set" {
		t.Fatalf("expected one pin.set delivery, got %v", types)
	}
}
