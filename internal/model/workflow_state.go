package model

import "time"

// Status is the lifecycle state of a child collector workflow.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusCollecting   Status = "collecting"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// ChildState is the queryable/continue-as-new-carried state of one
// (program_id, event_type) collector. It is restored verbatim across
// continue-as-new and refreshed from the store on a cold start.
type ChildState struct {
	Status                Status    `json:"status"`
	ProgramID             string    `json:"programId"`
	EventType             EventType `json:"eventType"`
	TargetCount           uint64    `json:"targetCount"`
	TotalCollected        uint64    `json:"totalCollected"`
	SignaturesProcessed   uint64    `json:"signaturesProcessed"`
	SignaturesWithErrors  uint64    `json:"signaturesWithErrors"`
	TransactionsProcessed uint64    `json:"transactionsProcessed"`
	EventsInserted        uint64    `json:"eventsInserted"`
	DuplicatesSkipped     uint64    `json:"duplicatesSkipped"`
	LastSignature         string    `json:"lastSignature"`
	IterationCount        uint64    `json:"iterationCount"`
	StartedAt             time.Time `json:"startedAt"`
	LastUpdateAt          time.Time `json:"lastUpdateAt"`
	ErrorMessage          string    `json:"errorMessage,omitempty"`
}

// Done reports whether the child has reached a terminal status.
func (s *ChildState) Done() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

// ChildRef is how the parent orchestrator remembers a child by
// reference rather than embedding its full state.
type ChildRef struct {
	WorkflowID   string    `json:"workflowId"`
	RunID        string    `json:"runId"`
	EventType    EventType `json:"eventType"`
	StartedAt    time.Time `json:"startedAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	FinalStatus  Status    `json:"finalStatus,omitempty"`
}

// ParentState is the parent orchestrator's queryable snapshot.
type ParentState struct {
	Status    Status              `json:"status"`
	Children  map[EventType]ChildRef `json:"children"`
	StartedAt time.Time           `json:"startedAt"`
}
