package server

import (
	"encoding/json"

	"specflow/internal/domain"
	"specflow/internal/engine"
	"specflow/internal/sheet"
)

// Request payloads

type CreateSubjectRequest struct {
	SubjectID string `json:"subject_id" minLength:"1"`
}

type PutWorkflowRequest struct {
	IsVisible bool          `json:"is_visible"`
	Steps     []domain.Step `json:"steps"`
}

type AdvanceRequest struct {
	Step   domain.StepID     `json:"step" enum:"prepare,review,send,feedback,finalize"`
	Status domain.StepStatus `json:"status" enum:"pending,in-progress,completed"`
}

type MergeRequest struct {
	Content string `json:"content" doc:"Candidate CSV text with the full answer sheet"`
}

type EditCellRequest struct {
	Row    int    `json:"row" minimum:"0" doc:"Zero-based data row index, header excluded"`
	Column string `json:"column" enum:"answer,source"`
	Value  string `json:"value"`
}

type AppendInteractionRequest struct {
	ID       string        `json:"id,omitempty"`
	Role     string        `json:"role" enum:"user,assistant,tool"`
	Text     string        `json:"text,omitempty"`
	ToolKind string        `json:"tool_kind,omitempty"`
	Parts    []domain.Part `json:"parts,omitempty"`
}

type PinRequest struct {
	SubjectID string `json:"subject_id" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID string      `json:"actor_id" minLength:"1"`
	Role    domain.Role `json:"role" enum:"internal,external"`
}

// Response payloads

type ListWorkflowsResponse struct {
	Items []domain.Workflow `json:"items"`
}

type MergeResponse struct {
	Document domain.SharedDocument `json:"document"`
	Report   sheet.Report          `json:"report"`
}

type HistoryResponse struct {
	Items []domain.Interaction `json:"items"`
}

type ViewResponse struct {
	SubjectID string               `json:"subject_id"`
	Mode      string               `json:"mode" enum:"full,approval,supplier"`
	Items     []domain.Interaction `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	SubjectID  string          `json:"subject_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SubjectID:  evt.SubjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func viewResponse(v engine.View) ViewResponse {
	return ViewResponse{SubjectID: v.SubjectID, Mode: v.Mode.String(), Items: nonNilSlice(v.Items)}
}

func columnIndex(name string) int {
	switch name {
	case "answer":
		return sheet.ColAnswer
	case "source":
		return sheet.ColSource
	}
	return -1
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
