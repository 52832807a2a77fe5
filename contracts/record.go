package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordStatus represents the lifecycle status of a processing record.
type RecordStatus string

const (
	StatusPending            RecordStatus = "pending"
	StatusRunning            RecordStatus = "running"
	StatusCompleted          RecordStatus = "completed"
	StatusFailed             RecordStatus = "failed"
	StatusAwaitingHumanInput RecordStatus = "awaiting_human_input"
	StatusHumanInputReceived RecordStatus = "human_input_received"
)

// IsTerminal reports whether the status marks a finished run.
func (s RecordStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HistoryPhase classifies a history entry.
type HistoryPhase string

const (
	PhaseStarted   HistoryPhase = "started"
	PhaseCompleted HistoryPhase = "completed"
	PhaseFailed    HistoryPhase = "failed"
	PhaseSkipped   HistoryPhase = "skipped"
)

// Document is the input handed to the pipeline. Content is already-extracted
// text; binary parsing happens upstream.
type Document struct {
	ID         string            `json:"id"`
	FileName   string            `json:"fileName"`
	FileType   string            `json:"fileType"`
	Content    string            `json:"content"`
	SizeBytes  int64             `json:"sizeBytes"`
	UploadedAt time.Time         `json:"uploadedAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// StageResult is the outcome of one stage execution. Exactly one result per
// stage per run; a re-entered stage overwrites its previous result.
type StageResult struct {
	Stage       StageName      `json:"stage"`
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	Confidence  float64        `json:"confidence"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completedAt"`
}

// HistoryEntry records one phase transition of one stage. History is
// append-only; entries are never modified or removed.
type HistoryEntry struct {
	Stage     StageName    `json:"stage"`
	Phase     HistoryPhase `json:"phase"`
	Timestamp time.Time    `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
}

// ReviewPriority orders pending human reviews.
type ReviewPriority string

const (
	PriorityUrgent ReviewPriority = "urgent"
	PriorityHigh   ReviewPriority = "high"
	PriorityMedium ReviewPriority = "medium"
	PriorityLow    ReviewPriority = "low"
)

// DueOffset returns how long a reviewer has to act on a request of this
// priority.
func (p ReviewPriority) DueOffset() time.Duration {
	switch p {
	case PriorityUrgent:
		return 2 * time.Hour
	case PriorityHigh:
		return 8 * time.Hour
	case PriorityMedium:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// ReviewRequest is created by the human review stage when a record needs a
// human decision before the run can finish.
type ReviewRequest struct {
	ReviewID        string         `json:"reviewId"`
	Reasons         []string       `json:"reasons"`
	Priority        ReviewPriority `json:"priority"`
	RequiredActions []string       `json:"requiredActions"`
	Context         map[string]any `json:"context,omitempty"`
	AssignedTo      string         `json:"assignedTo,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	DueAt           time.Time      `json:"dueAt"`
}

// FeedbackDecision is a reviewer's verdict on a suspended record.
type FeedbackDecision string

const (
	DecisionApprove  FeedbackDecision = "approve"
	DecisionReject   FeedbackDecision = "reject"
	DecisionModify   FeedbackDecision = "modify"
	DecisionEscalate FeedbackDecision = "escalate"
)

// IsValid reports whether d is a known decision.
func (d FeedbackDecision) IsValid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionModify, DecisionEscalate:
		return true
	}
	return false
}

// HumanFeedback carries a reviewer's decision back into a suspended run.
type HumanFeedback struct {
	ReviewID      string           `json:"reviewId"`
	Reviewer      string           `json:"reviewer"`
	Decision      FeedbackDecision `json:"decision"`
	Comments      string           `json:"comments,omitempty"`
	Modifications map[string]any   `json:"modifications,omitempty"`
	SubmittedAt   time.Time        `json:"submittedAt"`
}

// ProcessingRecord is the single record a document carries through the
// pipeline. Stages never mutate each other's output: each stage writes under
// its own namespace in Derived and owns exactly one entry in StageResults.
type ProcessingRecord struct {
	SessionID           string                     `json:"sessionId"`
	Document            Document                   `json:"document"`
	Status              RecordStatus               `json:"status"`
	CurrentStage        StageName                  `json:"currentStage,omitempty"`
	RequiresHumanReview bool                       `json:"requiresHumanReview"`
	StageResults        map[StageName]*StageResult `json:"stageResults"`
	History             []HistoryEntry             `json:"history"`
	Derived             map[string]map[string]any  `json:"derived"`
	ReviewRequest       *ReviewRequest             `json:"reviewRequest,omitempty"`
	Feedback            *HumanFeedback             `json:"feedback,omitempty"`
	ErrorLog            []string                   `json:"errorLog,omitempty"`
	Config              ProcessingConfig           `json:"config"`
	StartedAt           time.Time                  `json:"startedAt"`
	CompletedAt         *time.Time                 `json:"completedAt,omitempty"`
	LastModified        time.Time                  `json:"lastModified"`
	Version             int64                      `json:"version"`
}

// NewProcessingRecord creates a fresh record for doc with a generated session
// ID and Pending status.
func NewProcessingRecord(doc Document) *ProcessingRecord {
	now := time.Now().UTC()
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = now
	}
	return &ProcessingRecord{
		SessionID:    uuid.New().String(),
		Document:     doc,
		Status:       StatusPending,
		Config:       DefaultProcessingConfig(),
		StageResults: make(map[StageName]*StageResult),
		History:      make([]HistoryEntry, 0, 2*len(StageSequence)),
		Derived:      make(map[string]map[string]any),
		StartedAt:    now,
		LastModified: now,
		Version:      1,
	}
}

// AppendHistory adds an entry to the record's history.
func (r *ProcessingRecord) AppendHistory(stage StageName, phase HistoryPhase, errMsg string) {
	r.History = append(r.History, HistoryEntry{
		Stage:     stage,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	})
}

// SetResult records the outcome of a stage execution.
func (r *ProcessingRecord) SetResult(res *StageResult) {
	if r.StageResults == nil {
		r.StageResults = make(map[StageName]*StageResult)
	}
	r.StageResults[res.Stage] = res
}

// ResultFor returns the stage result for stage, or nil if the stage has not
// produced one.
func (r *ProcessingRecord) ResultFor(stage StageName) *StageResult {
	return r.StageResults[stage]
}

// SetDerived stores values under the stage's namespace in the derived data
// map, merging with anything already there.
func (r *ProcessingRecord) SetDerived(stage StageName, values map[string]any) {
	if r.Derived == nil {
		r.Derived = make(map[string]map[string]any)
	}
	ns := r.Derived[string(stage)]
	if ns == nil {
		ns = make(map[string]any, len(values))
		r.Derived[string(stage)] = ns
	}
	for k, v := range values {
		ns[k] = v
	}
}

// DerivedFor returns the derived data namespace for stage; the returned map
// may be nil.
func (r *ProcessingRecord) DerivedFor(stage StageName) map[string]any {
	if r.Derived == nil {
		return nil
	}
	return r.Derived[string(stage)]
}

// RecordError appends a stage error to the error log.
func (r *ProcessingRecord) RecordError(stage StageName, errMsg string) {
	r.ErrorLog = append(r.ErrorLog, fmt.Sprintf("%s: %s", stage, errMsg))
}

// Clone returns a deep copy of the record via JSON round-trip, so callers can
// hand out snapshots without exposing internal maps and slices.
func (r *ProcessingRecord) Clone() (*ProcessingRecord, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var cp ProcessingRecord
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &cp, nil
}
