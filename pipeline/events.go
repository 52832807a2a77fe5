package pipeline

import (
	"context"
	"time"

	"github.com/glimte/docflow-go/contracts"
)

// EventPublisher delivers pipeline lifecycle events to interested systems.
// Publishing is best-effort: the engine logs publish failures and keeps
// going.
type EventPublisher interface {
	Publish(ctx context.Context, event contracts.Event) error
}

// StageCompletedEvent is published after every stage execution, failed ones
// included.
type StageCompletedEvent struct {
	contracts.BaseEvent

	SessionID  string              `json:"sessionId"`
	DocumentID string              `json:"documentId"`
	Stage      contracts.StageName `json:"stage"`
	StageIndex int                 `json:"stageIndex"`
	Success    bool                `json:"success"`
	Confidence float64             `json:"confidence"`
	Duration   time.Duration       `json:"duration"`
	Error      string              `json:"error,omitempty"`

	CompletedStages int `json:"completedStages"`
	TotalStages     int `json:"totalStages"`
}

// NewStageCompletedEvent creates a stage completed event from the record and
// the stage's result.
func NewStageCompletedEvent(record *contracts.ProcessingRecord, result *contracts.StageResult) *StageCompletedEvent {
	return &StageCompletedEvent{
		BaseEvent: contracts.BaseEvent{
			BaseMessage: contracts.NewBaseMessage("StageCompletedEvent"),
			AggregateID: record.SessionID,
			Sequence:    record.Version,
			Source:      "pipeline",
		},
		SessionID:       record.SessionID,
		DocumentID:      record.Document.ID,
		Stage:           result.Stage,
		StageIndex:      result.Stage.Index(),
		Success:         result.Success,
		Confidence:      result.Confidence,
		Duration:        result.Duration,
		Error:           result.Error,
		CompletedStages: len(record.StageResults),
		TotalStages:     len(contracts.StageSequence),
	}
}

// ReviewRequestedEvent is published when a run suspends for human review.
type ReviewRequestedEvent struct {
	contracts.BaseEvent

	SessionID  string                   `json:"sessionId"`
	DocumentID string                   `json:"documentId"`
	ReviewID   string                   `json:"reviewId"`
	Priority   contracts.ReviewPriority `json:"priority"`
	Reasons    []string                 `json:"reasons"`
	DueAt      time.Time                `json:"dueAt"`
}

// NewReviewRequestedEvent creates a review requested event from a suspended
// record.
func NewReviewRequestedEvent(record *contracts.ProcessingRecord) *ReviewRequestedEvent {
	event := &ReviewRequestedEvent{
		BaseEvent: contracts.BaseEvent{
			BaseMessage: contracts.NewBaseMessage("ReviewRequestedEvent"),
			AggregateID: record.SessionID,
			Sequence:    record.Version,
			Source:      "pipeline",
		},
		SessionID:  record.SessionID,
		DocumentID: record.Document.ID,
	}
	if req := record.ReviewRequest; req != nil {
		event.ReviewID = req.ReviewID
		event.Priority = req.Priority
		event.Reasons = req.Reasons
		event.DueAt = req.DueAt
	}
	return event
}

// RunFinishedEvent is published when a run terminates, whatever the outcome.
type RunFinishedEvent struct {
	contracts.BaseEvent

	SessionID  string                 `json:"sessionId"`
	DocumentID string                 `json:"documentId"`
	Status     contracts.RecordStatus `json:"status"`
	Reason     TerminateReason        `json:"reason"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
	Duration   time.Duration          `json:"duration"`

	CompletedStages int      `json:"completedStages"`
	FailedStages    int      `json:"failedStages"`
	TotalStages     int      `json:"totalStages"`
	ErrorLog        []string `json:"errorLog,omitempty"`
}

// NewRunFinishedEvent creates a run finished event for a terminating record.
func NewRunFinishedEvent(record *contracts.ProcessingRecord, reason TerminateReason) *RunFinishedEvent {
	finishedAt := time.Now().UTC()
	if record.CompletedAt != nil {
		finishedAt = *record.CompletedAt
	}
	event := &RunFinishedEvent{
		BaseEvent: contracts.BaseEvent{
			BaseMessage: contracts.NewBaseMessage("RunFinishedEvent"),
			AggregateID: record.SessionID,
			Sequence:    record.Version,
			Source:      "pipeline",
		},
		SessionID:   record.SessionID,
		DocumentID:  record.Document.ID,
		Status:      record.Status,
		Reason:      reason,
		StartedAt:   record.StartedAt,
		FinishedAt:  finishedAt,
		Duration:    finishedAt.Sub(record.StartedAt),
		TotalStages: len(contracts.StageSequence),
		ErrorLog:    record.ErrorLog,
	}
	for _, result := range record.StageResults {
		if result.Success {
			event.CompletedStages++
		} else {
			event.FailedStages++
		}
	}
	return event
}
