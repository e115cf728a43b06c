package specflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/repo"
	"specflow/internal/sheet"
	"specflow/internal/workflow"
)

// Client is a minimal specflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses. It matches the server-side sentinels for its code, so callers
// can use errors.Is(err, repo.ErrNotFound) and friends over the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case repo.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case repo.ErrAlreadyExists:
		return e.Code == "conflict"
	case workflow.ErrInvalidTransition:
		return e.Code == "invalid_transition"
	case sheet.ErrMalformedCandidate:
		return e.Code == "malformed_candidate"
	case sheet.ErrProtectedColumn:
		return e.Code == "protected_column"
	case sheet.ErrCorruptDocument:
		return e.Code == "document_corrupt"
	case engine.ErrAlreadyFinalized:
		return e.Code == "already_finalized"
	}
	return false
}

// MergeResult is the merge response.
type MergeResult struct {
	Document domain.SharedDocument `json:"document"`
	Report   sheet.Report          `json:"report"`
}

// View is a role-projected history.
type View struct {
	SubjectID string               `json:"subject_id"`
	Mode      string               `json:"mode"`
	Items     []domain.Interaction `json:"items"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Caller identifies the authenticated principal.
type Caller struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type workflowList struct {
	Items []domain.Workflow `json:"items"`
}

// CreateSubject starts a workflow and its document.
func (c *Client) CreateSubject(ctx context.Context, subjectID string) (domain.Workflow, error) {
	var resp domain.Workflow
	err := c.do(ctx, http.MethodPost, "subjects", map[string]any{"subject_id": subjectID}, &resp)
	return resp, err
}

// GetWorkflow fetches a workflow. A missing subject matches repo.ErrNotFound.
func (c *Client) GetWorkflow(ctx context.Context, subjectID string) (domain.Workflow, error) {
	var resp domain.Workflow
	err := c.do(ctx, http.MethodGet, subjectPath(subjectID, "workflow"), nil, &resp)
	return resp, err
}

// PutWorkflow replaces visibility and the full steps array.
func (c *Client) PutWorkflow(ctx context.Context, subjectID string, isVisible bool, steps []domain.Step) (domain.Workflow, error) {
	body := map[string]any{"is_visible": isVisible, "steps": steps}
	var resp domain.Workflow
	err := c.do(ctx, http.MethodPut, subjectPath(subjectID, "workflow"), body, &resp)
	return resp, err
}

// Advance moves one step server-side.
func (c *Client) Advance(ctx context.Context, subjectID string, step domain.StepID, status domain.StepStatus) (domain.Workflow, error) {
	body := map[string]any{"step": step, "status": status}
	var resp domain.Workflow
	err := c.do(ctx, http.MethodPost, subjectPath(subjectID, "workflow/advance"), body, &resp)
	return resp, err
}

// ListVisibleWorkflows returns the workflows shown to suppliers.
func (c *Client) ListVisibleWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	var resp workflowList
	err := c.do(ctx, http.MethodGet, "workflows?visible=true", nil, &resp)
	return resp.Items, err
}

// ListPendingApprovals returns workflows awaiting finalization.
func (c *Client) ListPendingApprovals(ctx context.Context) ([]domain.Workflow, error) {
	var resp workflowList
	err := c.do(ctx, http.MethodGet, "workflows?pending_approval=true", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetDocument(ctx context.Context, subjectID string) (domain.SharedDocument, error) {
	var resp domain.SharedDocument
	err := c.do(ctx, http.MethodGet, subjectPath(subjectID, "document"), nil, &resp)
	return resp, err
}

// MergeDocument merges candidate CSV text into the stored document. A malformed candidate matches
// sheet.ErrMalformedCandidate and carries the unchanged document in Details.
func (c *Client) MergeDocument(ctx context.Context, subjectID, content string) (MergeResult, error) {
	var resp MergeResult
	err := c.do(ctx, http.MethodPost, subjectPath(subjectID, "document/merge"), map[string]any{"content": content}, &resp)
	return resp, err
}

func (c *Client) EditCell(ctx context.Context, subjectID string, row int, column, value string) (domain.SharedDocument, error) {
	body := map[string]any{"row": row, "column": column, "value": value}
	var resp domain.SharedDocument
	err := c.do(ctx, http.MethodPatch, subjectPath(subjectID, "document/cells"), body, &resp)
	return resp, err
}

func (c *Client) AppendInteraction(ctx context.Context, subjectID string, in domain.Interaction) (domain.Interaction, error) {
	body := map[string]any{"role": in.Role, "text": in.Text, "tool_kind": in.ToolKind, "parts": in.Parts}
	if in.ID != "" {
		body["id"] = in.ID
	}
	var resp domain.Interaction
	err := c.do(ctx, http.MethodPost, subjectPath(subjectID, "history"), body, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, subjectID string) ([]domain.Interaction, error) {
	var resp struct {
		Items []domain.Interaction `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, subjectPath(subjectID, "history"), nil, &resp)
	return resp.Items, err
}

// View returns the history projected for the caller's role.
func (c *Client) View(ctx context.Context, subjectID string, approval bool) (View, error) {
	endpoint := subjectPath(subjectID, "view")
	if approval {
		endpoint += "?approval=true"
	}
	var resp View
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, subjectID string) (domain.Workflow, error) {
	var resp domain.Workflow
	err := c.do(ctx, http.MethodPost, subjectPath(subjectID, "submit"), nil, &resp)
	return resp, err
}

// Finalize approves the subject. A repeat call matches engine.ErrAlreadyFinalized.
func (c *Client) Finalize(ctx context.Context, subjectID string) (domain.Finalization, error) {
	var resp domain.Finalization
	err := c.do(ctx, http.MethodPost, subjectPath(subjectID, "finalize"), nil, &resp)
	return resp, err
}

func (c *Client) Pin(ctx context.Context, subjectID string) (domain.Pin, error) {
	var resp domain.Pin
	err := c.do(ctx, http.MethodPut, "pin", map[string]any{"subject_id": subjectID}, &resp)
	return resp, err
}

func (c *Client) GetPin(ctx context.Context) (domain.Pin, error) {
	var resp domain.Pin
	err := c.do(ctx, http.MethodGet, "pin", nil, &resp)
	return resp, err
}

func (c *Client) Unpin(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "pin", nil, nil)
}

// Me reports who the server thinks the caller is.
func (c *Client) Me(ctx context.Context) (Caller, error) {
	var resp Caller
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, subjectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, subjectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, subjectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if subjectID != "" {
		q.Set("subject_id", subjectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func subjectPath(subjectID, rest string) string {
	return fmt.Sprintf("subjects/%s/%s", url.PathEscape(subjectID), rest)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
