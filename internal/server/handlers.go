package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/projector"
	"specflow/internal/repo"
	"specflow/internal/sheet"
)

type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerSubjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-subject",
		Method:      http.MethodPost,
		Path:        "/subjects",
		Summary:     "Create a subject with its workflow and answer sheet",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateSubjectRequest `json:"body"`
	}) (*bodyOutput[domain.Workflow], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.CreateSubject(ctx, p, strings.TrimSpace(input.Body.SubjectID))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/workflow",
		Summary:     "Get a subject's workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*bodyOutput[domain.Workflow], error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		wf, err := e.GetWorkflow(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-workflow",
		Method:      http.MethodPut,
		Path:        "/subjects/{subject_id}/workflow",
		Summary:     "Replace visibility and the full step array",
		Description: "Last writer wins; no version check is performed.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SubjectID string             `path:"subject_id"`
		Body      PutWorkflowRequest `json:"body"`
	}) (*bodyOutput[domain.Workflow], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.PutWorkflow(ctx, p, input.SubjectID, input.Body.IsVisible, input.Body.Steps)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/workflow/advance",
		Summary:     "Move one step to a new status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SubjectID string         `path:"subject_id"`
		Body      AdvanceRequest `json:"body"`
	}) (*bodyOutput[domain.Workflow], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.Advance(ctx, p, input.SubjectID, input.Body.Step, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-answers",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/submit",
		Summary:     "Supplier submits its answers",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*bodyOutput[domain.Workflow], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.Submit(ctx, p, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Description: "visible=true lists subjects shown to suppliers; pending_approval=true lists subjects awaiting finalization.",
	}, func(ctx context.Context, input *struct {
		Visible         bool `query:"visible"`
		PendingApproval bool `query:"pending_approval"`
		Limit           int  `query:"limit" default:"50"`
	}) (*bodyOutput[ListWorkflowsResponse], error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			items []domain.Workflow
			err   error
		)
		switch {
		case input.PendingApproval:
			items, err = e.ListPendingApprovals(ctx)
		case input.Visible:
			items, err = e.ListVisibleWorkflows(ctx)
		default:
			items, err = e.ListWorkflows(ctx, normalizeLimit(input.Limit))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ListWorkflowsResponse{Items: nonNilSlice(items)}), nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/document",
		Summary:     "Get the shared answer sheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*bodyOutput[domain.SharedDocument], error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		doc, err := e.GetDocument(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(doc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-document",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/document/merge",
		Summary:     "Merge a candidate sheet into the stored one",
		Description: "Protected id/question cells are always restored from the stored document. A candidate that cannot be parsed returns 422 with the unchanged document in details.",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SubjectID string       `path:"subject_id"`
		Body      MergeRequest `json:"body"`
	}) (*bodyOutput[MergeResponse], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.MergeDocument(ctx, p, input.SubjectID, input.Body.Content)
		if err != nil {
			if errors.Is(err, sheet.ErrMalformedCandidate) {
				return nil, newAPIError(http.StatusUnprocessableEntity, "malformed_candidate", err.Error(), map[string]any{"document": res.Document})
			}
			return nil, handleError(err)
		}
		return reply(MergeResponse{Document: res.Document, Report: res.Report}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-cell",
		Method:      http.MethodPatch,
		Path:        "/subjects/{subject_id}/document/cells",
		Summary:     "Set one answer or source cell",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string          `path:"subject_id"`
		Body      EditCellRequest `json:"body"`
	}) (*bodyOutput[domain.SharedDocument], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.EditCell(ctx, p, input.SubjectID, input.Body.Row, columnIndex(input.Body.Column), input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(doc), nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/history",
		Summary:     "Raw interaction history (internal only)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*bodyOutput[HistoryResponse], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, p, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(HistoryResponse{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-interaction",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/history",
		Summary:     "Append an interaction",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SubjectID string                   `path:"subject_id"`
		Body      AppendInteractionRequest `json:"body"`
	}) (*bodyOutput[domain.Interaction], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.AppendInteraction(ctx, p, domain.Interaction{
			ID:        input.Body.ID,
			SubjectID: input.SubjectID,
			Role:      input.Body.Role,
			Text:      input.Body.Text,
			ToolKind:  input.Body.ToolKind,
			Parts:     input.Body.Parts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-view",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/view",
		Summary:     "History as the caller's role may see it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
		Approval  bool   `query:"approval" doc:"Request the approval screen (internal role only)"`
	}) (*bodyOutput[ViewResponse], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.ProjectView(ctx, p, input.SubjectID, projector.Flags{ApprovalRequested: input.Approval})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(viewResponse(view)), nil
	})
}

func registerFinalize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize-subject",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/finalize",
		Summary:     "Approve and hand the sheet to the integration",
		Description: "Triggers the integration at most once per subject. Repeats return 409 already_finalized with the recorded finalization in details.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*bodyOutput[domain.Finalization], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.Finalize(ctx, p, input.SubjectID)
		if err != nil {
			if errors.Is(err, engine.ErrAlreadyFinalized) {
				return nil, newAPIError(http.StatusConflict, "already_finalized", err.Error(), map[string]any{"finalization": f})
			}
			return nil, handleError(err)
		}
		return reply(f), nil
	})
}

func registerPins(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pin",
		Method:      http.MethodGet,
		Path:        "/pin",
		Summary:     "The caller's pinned subject",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Pin], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pin, err := e.PinnedSubject(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pin), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-pin",
		Method:      http.MethodPut,
		Path:        "/pin",
		Summary:     "Pin a subject and show it to suppliers",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body PinRequest `json:"body"`
	}) (*bodyOutput[domain.Pin], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pin, err := e.PinSubject(ctx, p, input.Body.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pin), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-pin",
		Method:      http.MethodDelete,
		Path:        "/pin",
		Summary:     "Release the caller's pin",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Pin], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pin, err := e.UnpinSubject(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pin), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events (internal only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SubjectID string `query:"subject_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := p.Require(domain.RoleInternal, "read events"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{SubjectID: input.SubjectID, Type: input.Type, Cursor: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Role: p.Role, Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOutput[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, strings.TrimSpace(input.Body.ActorID), input.Body.Role, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}
