package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/docflow-go/checkpoint"
	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/internal/reliability"
)

// Engine drives processing records through the stage sequence. It is safe
// for concurrent use; each run operates on its own record.
type Engine struct {
	checkpointer   checkpoint.Checkpointer
	coordinator    *Coordinator
	stages         map[contracts.StageName]Stage
	publisher      EventPublisher
	saveRetry      reliability.RetryPolicy
	procConfig     contracts.ProcessingConfig
	maxTransitions int
	logger         *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventPublisher attaches a lifecycle event publisher. Publishing is
// best-effort and never fails a run.
func WithEventPublisher(publisher EventPublisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithSaveRetryPolicy overrides the retry policy used for checkpoint saves.
func WithSaveRetryPolicy(policy reliability.RetryPolicy) EngineOption {
	return func(e *Engine) {
		if policy != nil {
			e.saveRetry = policy
		}
	}
}

// WithProcessingConfig sets the configuration snapshot copied onto every
// record the engine starts.
func WithProcessingConfig(cfg contracts.ProcessingConfig) EngineOption {
	return func(e *Engine) {
		e.procConfig = cfg
	}
}

// WithMaxTransitions caps the number of routing decisions per run, as a
// guard against a record that routes in circles.
func WithMaxTransitions(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxTransitions = n
		}
	}
}

// NewEngine creates an engine persisting through checkpointer.
func NewEngine(checkpointer checkpoint.Checkpointer, opts ...EngineOption) (*Engine, error) {
	if checkpointer == nil {
		return nil, fmt.Errorf("checkpointer cannot be nil")
	}

	e := &Engine{
		checkpointer:   checkpointer,
		stages:         make(map[contracts.StageName]Stage),
		procConfig:     contracts.DefaultProcessingConfig(),
		saveRetry:      reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		maxTransitions: 4 * len(contracts.StageSequence),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.coordinator = NewCoordinator(e.logger)
	return e, nil
}

// RegisterStage adds a stage implementation. Each stage name can be
// registered once.
func (e *Engine) RegisterStage(stage Stage) error {
	if stage == nil {
		return fmt.Errorf("stage cannot be nil")
	}
	name := stage.Name()
	if !name.IsValid() {
		return fmt.Errorf("unknown stage name %q", name)
	}
	if _, exists := e.stages[name]; exists {
		return fmt.Errorf("stage %s already registered", name)
	}
	e.stages[name] = stage
	return nil
}

// RegisterStages adds several stages, stopping at the first error.
func (e *Engine) RegisterStages(stages ...Stage) error {
	for _, s := range stages {
		if err := e.RegisterStage(s); err != nil {
			return err
		}
	}
	return nil
}

// Start creates a record for doc and runs it until the pipeline terminates
// or suspends for human review. The returned record is the final persisted
// state.
func (e *Engine) Start(ctx context.Context, doc contracts.Document) (*contracts.ProcessingRecord, error) {
	if doc.Content == "" {
		return nil, fmt.Errorf("document content cannot be empty")
	}

	record := contracts.NewProcessingRecord(doc)
	record.Config = e.procConfig
	e.logger.Info("run started",
		"sessionId", record.SessionID,
		"documentId", record.Document.ID,
		"fileName", doc.FileName,
	)

	if err := e.persist(ctx, record); err != nil {
		return nil, err
	}
	return e.run(ctx, record)
}

// Resume injects reviewer feedback into a suspended session and continues
// the run loop. Returns ErrSessionNotFound for unknown sessions and
// ErrInvalidFeedback when the session is not awaiting input or the feedback
// does not match the pending review.
func (e *Engine) Resume(ctx context.Context, sessionID string, feedback contracts.HumanFeedback) (*contracts.ProcessingRecord, error) {
	record, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if record.Status != contracts.StatusAwaitingHumanInput {
		return nil, fmt.Errorf("session %s has status %s: %w", sessionID, record.Status, ErrInvalidFeedback)
	}
	if !feedback.Decision.IsValid() {
		return nil, fmt.Errorf("unknown decision %q: %w", feedback.Decision, ErrInvalidFeedback)
	}
	if record.ReviewRequest != nil && feedback.ReviewID != "" && feedback.ReviewID != record.ReviewRequest.ReviewID {
		return nil, fmt.Errorf("feedback review %s does not match pending review %s: %w",
			feedback.ReviewID, record.ReviewRequest.ReviewID, ErrInvalidFeedback)
	}

	if feedback.SubmittedAt.IsZero() {
		feedback.SubmittedAt = time.Now().UTC()
	}
	record.Feedback = &feedback
	record.Status = contracts.StatusHumanInputReceived

	e.logger.Info("run resumed",
		"sessionId", record.SessionID,
		"decision", feedback.Decision,
		"reviewer", feedback.Reviewer,
	)

	if err := e.persist(ctx, record); err != nil {
		return nil, err
	}
	return e.run(ctx, record)
}

// Record returns the latest persisted state for a session.
func (e *Engine) Record(ctx context.Context, sessionID string) (*contracts.ProcessingRecord, error) {
	return e.load(ctx, sessionID)
}

// Status returns the status projection for a session.
func (e *Engine) Status(ctx context.Context, sessionID string) (*StatusReport, error) {
	record, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report := ProjectStatus(record)
	return &report, nil
}

// ReviewContext is what a reviewer sees for a suspended session: the pending
// request plus a snapshot of what the pipeline has derived so far.
type ReviewContext struct {
	SessionID string                    `json:"sessionId"`
	Document  contracts.Document        `json:"document"`
	Request   contracts.ReviewRequest   `json:"request"`
	Derived   map[string]map[string]any `json:"derived,omitempty"`
	ErrorLog  []string                  `json:"errorLog,omitempty"`
	Status    contracts.RecordStatus    `json:"status"`
}

// ReviewContext returns the pending review for a suspended session, or
// ErrNoReviewPending when nothing awaits a reviewer.
func (e *Engine) ReviewContext(ctx context.Context, sessionID string) (*ReviewContext, error) {
	record, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record.Status != contracts.StatusAwaitingHumanInput || record.ReviewRequest == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoReviewPending)
	}
	return &ReviewContext{
		SessionID: record.SessionID,
		Document:  record.Document,
		Request:   *record.ReviewRequest,
		Derived:   record.Derived,
		ErrorLog:  record.ErrorLog,
		Status:    record.Status,
	}, nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (*contracts.ProcessingRecord, error) {
	record, err := e.checkpointer.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, engineErr("load", sessionID, err)
	}
	return record, nil
}

// run is the decide/execute/persist loop. The record is checkpointed after
// every stage transition, so a crash never loses more than the stage in
// flight.
func (e *Engine) run(ctx context.Context, record *contracts.ProcessingRecord) (*contracts.ProcessingRecord, error) {
	for transitions := 0; ; transitions++ {
		if transitions >= e.maxTransitions {
			return record, engineErr("route", record.SessionID,
				fmt.Errorf("exceeded %d transitions without terminating", e.maxTransitions))
		}
		if err := ctx.Err(); err != nil {
			return record, engineErr("run", record.SessionID, err)
		}

		action := e.coordinator.Decide(record)
		if action.Kind == ActionTerminate {
			e.applyTermination(record, action.Reason)
			if err := e.persist(ctx, record); err != nil {
				return record, err
			}
			if action.Reason == ReasonSuspended || action.Reason == ReasonEscalated {
				e.publish(ctx, NewReviewRequestedEvent(record))
			} else {
				e.publish(ctx, NewRunFinishedEvent(record, action.Reason))
			}
			e.logger.Info("run terminated",
				"sessionId", record.SessionID,
				"reason", action.Reason,
				"status", record.Status,
			)
			return record, nil
		}

		stage, ok := e.stages[action.Stage]
		if !ok {
			return record, engineErr("resolve stage", record.SessionID,
				fmt.Errorf("no implementation registered for stage %s", action.Stage))
		}

		// Sequential flow bypasses the review stage; note the skip in
		// the history ledger.
		if action.Stage == contracts.StageAuditLearning &&
			record.CurrentStage == contracts.StageAnomalyDetection &&
			!record.RequiresHumanReview {
			record.AppendHistory(contracts.StageHumanReview, contracts.PhaseSkipped, "")
		}

		record.CurrentStage = action.Stage
		if record.Status == contracts.StatusPending || record.Status == contracts.StatusHumanInputReceived {
			record.Status = contracts.StatusRunning
		}

		result := executeStage(ctx, stage, record, e.logger)
		if !result.Success && isFatalFailure(action.Stage) {
			record.Status = contracts.StatusFailed
		}
		if action.Stage == contracts.StageAuditLearning {
			resolveTerminal(record)
		}

		if err := e.persist(ctx, record); err != nil {
			return record, err
		}
		e.publish(ctx, NewStageCompletedEvent(record, result))
	}
}

// isFatalFailure reports whether a failure in stage fails the whole run. The
// three early stages are load-bearing for everything downstream; a failed
// terminal stage marks the run failed so the router can close it out.
func isFatalFailure(stage contracts.StageName) bool {
	switch stage {
	case contracts.StageIngestion, contracts.StageClassification, contracts.StageExtraction,
		contracts.StageAuditLearning:
		return true
	}
	return false
}

// resolveTerminal fixes the record's final status once the terminal stage
// has run. A rejected review fails the run; an earlier fatal failure keeps
// it failed; everything else completes. CompletedAt is set exactly once,
// here.
func resolveTerminal(record *contracts.ProcessingRecord) {
	rejected := record.Feedback != nil && record.Feedback.Decision == contracts.DecisionReject
	if record.Status != contracts.StatusFailed {
		if rejected {
			record.Status = contracts.StatusFailed
		} else {
			record.Status = contracts.StatusCompleted
		}
	}
	if record.CompletedAt == nil {
		now := time.Now().UTC()
		record.CompletedAt = &now
	}
}

func (e *Engine) applyTermination(record *contracts.ProcessingRecord, reason TerminateReason) {
	now := time.Now().UTC()
	switch reason {
	case ReasonSuspended:
		record.Status = contracts.StatusAwaitingHumanInput
	case ReasonEscalated:
		// Stays suspended so a later resume can re-decide.
		record.Status = contracts.StatusAwaitingHumanInput
	case ReasonCompleted:
		if !record.Status.IsTerminal() {
			record.Status = contracts.StatusCompleted
		}
		if record.CompletedAt == nil {
			record.CompletedAt = &now
		}
	}
}

func (e *Engine) persist(ctx context.Context, record *contracts.ProcessingRecord) error {
	record.Version++
	record.LastModified = time.Now().UTC()

	err := reliability.Retry(ctx, e.saveRetry, func() error {
		return e.checkpointer.Save(ctx, record)
	})
	if err != nil {
		return engineErr("checkpoint", record.SessionID, err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, event contracts.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("event publish failed",
			"eventType", event.GetType(),
			"aggregateId", event.GetAggregateID(),
			"error", err,
		)
	}
}
