package pipeline

import (
	"log/slog"

	"github.com/glimte/docflow-go/contracts"
)

// ActionKind discriminates the NextAction union.
type ActionKind int

const (
	// ActionRunStage instructs the engine to execute a named stage.
	ActionRunStage ActionKind = iota
	// ActionTerminate instructs the engine to stop the run loop.
	ActionTerminate
)

// TerminateReason says why a run loop stops.
type TerminateReason string

const (
	// ReasonCompleted ends a run whose terminal stage has resolved a final status.
	ReasonCompleted TerminateReason = "completed"
	// ReasonSuspended parks a run until a reviewer submits feedback.
	ReasonSuspended TerminateReason = "suspended"
	// ReasonEscalated re-suspends a run a reviewer escalated; a later
	// resume with a fresh decision picks it back up.
	ReasonEscalated TerminateReason = "escalated"
)

// NextAction is the coordinator's routing decision: run a stage, or
// terminate with a reason. Stage is only meaningful for ActionRunStage,
// Reason only for ActionTerminate.
type NextAction struct {
	Kind   ActionKind
	Stage  contracts.StageName
	Reason TerminateReason
}

// RunStage builds a run-stage action.
func RunStage(stage contracts.StageName) NextAction {
	return NextAction{Kind: ActionRunStage, Stage: stage}
}

// Terminate builds a terminate action.
func Terminate(reason TerminateReason) NextAction {
	return NextAction{Kind: ActionTerminate, Reason: reason}
}

// Coordinator decides what happens next for a processing record. Decide is a
// pure function of the record; the coordinator holds no per-run state.
type Coordinator struct {
	logger *slog.Logger
}

// NewCoordinator creates a coordinator. A nil logger falls back to the
// default slog logger.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// Decide returns the next action for record. Rules are checked in order and
// the first match wins.
func (c *Coordinator) Decide(record *contracts.ProcessingRecord) NextAction {
	action := c.decide(record)
	c.logger.Debug("routing decision",
		"sessionId", record.SessionID,
		"currentStage", record.CurrentStage,
		"status", record.Status,
		"kind", action.Kind,
		"nextStage", action.Stage,
		"reason", action.Reason,
	)
	return action
}

func (c *Coordinator) decide(record *contracts.ProcessingRecord) NextAction {
	// Rule 1: a fresh record starts at the beginning of the sequence.
	if record.CurrentStage == "" {
		return RunStage(contracts.StageIngestion)
	}

	// Rule 2: the terminal stage has resolved a final status.
	if record.Status.IsTerminal() && record.CurrentStage == contracts.StageAuditLearning {
		return Terminate(ReasonCompleted)
	}

	// Rule 3: a review is required and no feedback has arrived yet. Either
	// route into the review stage, or suspend if we are already there.
	if record.RequiresHumanReview && record.Feedback == nil {
		if record.CurrentStage != contracts.StageHumanReview {
			return RunStage(contracts.StageHumanReview)
		}
		return Terminate(ReasonSuspended)
	}

	// Rule 4: reviewer feedback routes the run. Freshly submitted feedback
	// runs the review stage once more so the decision is recorded and
	// Modify corrections are applied before anything routes onward; the
	// engine flips the status to Running on that execution, so this fires
	// exactly once per resume.
	if record.RequiresHumanReview && record.Feedback != nil {
		if record.Status == contracts.StatusHumanInputReceived {
			return RunStage(contracts.StageHumanReview)
		}
		switch record.Feedback.Decision {
		case contracts.DecisionReject:
			return RunStage(contracts.StageAuditLearning)
		case contracts.DecisionEscalate:
			return Terminate(ReasonEscalated)
		default:
			// Approve and Modify continue after the review stage.
			return RunStage(sequentialNext(contracts.StageHumanReview))
		}
	}

	// Rule 5: a failed record goes to audit before terminating.
	if record.Status == contracts.StatusFailed {
		return RunStage(contracts.StageAuditLearning)
	}

	// Rule 6: sequential flow driven by the current stage's result.
	if record.CurrentStage.IsValid() {
		result := record.ResultFor(record.CurrentStage)
		if result == nil {
			return RunStage(record.CurrentStage)
		}
		if !result.Success && !record.CurrentStage.SoftFailable() {
			return RunStage(contracts.StageAuditLearning)
		}
		return RunStage(sequentialNext(record.CurrentStage))
	}

	// Rule 7: anything unaccounted for ends in audit.
	return RunStage(contracts.StageAuditLearning)
}

// sequentialNext returns the stage after s for sequential flow. The review
// stage is never scheduled sequentially: rule 3 routes into it when the
// review flag is raised, so plain sequential flow jumps past it to audit.
func sequentialNext(s contracts.StageName) contracts.StageName {
	next, ok := contracts.NextStage(s)
	if !ok || next == contracts.StageHumanReview {
		return contracts.StageAuditLearning
	}
	return next
}
