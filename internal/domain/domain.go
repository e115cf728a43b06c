package domain

// Role identifies which party is acting on a subject.
type Role string

const (
	RoleInternal Role = "internal"
	RoleExternal Role = "external"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleInternal || r == RoleExternal
}

type StepID string

const (
	StepPrepare  StepID = "prepare"
	StepReview   StepID = "review"
	StepSend     StepID = "send"
	StepFeedback StepID = "feedback"
	StepFinalize StepID = "finalize"
)

type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in-progress"
	StatusCompleted  StepStatus = "completed"
)

type Step struct {
	ID        StepID     `json:"id" enum:"prepare,review,send,feedback,finalize"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status" enum:"pending,in-progress,completed"`
	Timestamp *string    `json:"timestamp,omitempty" format:"date-time"`
}

type Workflow struct {
	SubjectID string `json:"subject_id"`
	IsVisible bool   `json:"is_visible"`
	Submitted bool   `json:"submitted"`
	Steps     []Step `json:"steps"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy so callers can mutate steps without aliasing.
func (w Workflow) Clone() Workflow {
	out := w
	out.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		if s.Timestamp != nil {
			ts := *s.Timestamp
			s.Timestamp = &ts
		}
		out.Steps[i] = s
	}
	return out
}

type SharedDocument struct {
	SubjectID string     `json:"subject_id"`
	Rows      [][]string `json:"rows"`
	UpdatedAt string     `json:"updated_at,omitempty" format:"date-time"`
}

// Part is one element of an interaction. Anything that is not plain text is structural.
type Part struct {
	Type     string         `json:"type" enum:"text,tool-invocation,data"`
	Text     string         `json:"text,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

const PartText = "text"

// Structural reports whether the part carries something other than free text.
func (p Part) Structural() bool {
	return p.Type != PartText
}

type Interaction struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Seq       int64  `json:"seq"`
	Role      string `json:"role" enum:"user,assistant,tool"`
	Text      string `json:"text,omitempty"`
	ToolKind  string `json:"tool_kind,omitempty"`
	Parts     []Part `json:"parts,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ToolKindSheet marks the interaction that created the shared document.
const ToolKindSheet = "sheet"

type Pin struct {
	ActorID   string `json:"actor_id"`
	SubjectID string `json:"subject_id"`
	PinnedAt  string `json:"pinned_at" format:"date-time"`
}

// Finalization is the claim row of a subject. IntegratedAt is set once the integration accepted
// the document.
type Finalization struct {
	SubjectID    string `json:"subject_id"`
	ActorID      string `json:"actor_id"`
	FinalizedAt  string `json:"finalized_at" format:"date-time"`
	Reference    string `json:"reference,omitempty"`
	IntegratedAt string `json:"integrated_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SubjectID  string `json:"subject_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
