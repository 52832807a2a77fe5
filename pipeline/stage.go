package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/docflow-go/contracts"
)

// StageOutcome is what a stage hands back to the engine on success. The
// engine folds it into the record's stage result and derived data.
type StageOutcome struct {
	// Data becomes the stage result's data payload.
	Data map[string]any
	// Derived is merged into the record's derived data under the stage's
	// own namespace.
	Derived map[string]any
	// Confidence is the stage's confidence in its own output, 0 to 1.
	Confidence float64
	// RequiresHumanReview raises the record's review flag. The flag is
	// sticky: once raised no stage can lower it.
	RequiresHumanReview bool
	// ReviewRequest, when set, becomes the record's pending review request.
	ReviewRequest *contracts.ReviewRequest
}

// Stage processes one step of the pipeline. Implementations may read the
// whole record but must confine writes to their outcome; the engine owns
// history, results and status bookkeeping.
type Stage interface {
	// Name returns the stage's position in the sequence.
	Name() contracts.StageName

	// Execute performs the stage's work. A returned error marks the stage
	// failed on the record; it never aborts the run loop. An outcome
	// returned alongside an error contributes its Data and Derived values
	// but nothing else.
	Execute(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName contracts.StageName
	Fn        func(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error)
}

// Name implements Stage.
func (f StageFunc) Name() contracts.StageName { return f.StageName }

// Execute implements Stage.
func (f StageFunc) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error) {
	return f.Fn(ctx, record)
}

// executeStage runs one stage against the record under the execution
// contract: a Started history entry before the work, exactly one stage
// result, a Completed or Failed entry after, panics converted to failures,
// and a sticky review flag.
func executeStage(ctx context.Context, stage Stage, record *contracts.ProcessingRecord, logger *slog.Logger) *contracts.StageResult {
	name := stage.Name()
	record.AppendHistory(name, contracts.PhaseStarted, "")

	start := time.Now().UTC()
	outcome, err := runRecovered(ctx, stage, record)
	elapsed := time.Since(start)

	result := &contracts.StageResult{
		Stage:       name,
		Duration:    elapsed,
		CompletedAt: time.Now().UTC(),
	}

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		// A failing stage may still hand back partial findings, e.g.
		// validation keeps its corrected fields alongside the errors.
		if outcome != nil {
			result.Data = outcome.Data
			if outcome.Derived != nil {
				record.SetDerived(name, outcome.Derived)
			}
		}
		record.SetResult(result)
		record.RecordError(name, err.Error())
		record.AppendHistory(name, contracts.PhaseFailed, err.Error())
		logger.Warn("stage failed",
			"sessionId", record.SessionID,
			"stage", name,
			"error", err,
			"duration", elapsed,
		)
		return result
	}

	result.Success = true
	if outcome != nil {
		result.Data = outcome.Data
		result.Confidence = outcome.Confidence
		if outcome.Derived != nil {
			record.SetDerived(name, outcome.Derived)
		}
		if outcome.RequiresHumanReview {
			record.RequiresHumanReview = true
		}
		if outcome.ReviewRequest != nil {
			record.ReviewRequest = outcome.ReviewRequest
		}
	}
	record.SetResult(result)
	record.AppendHistory(name, contracts.PhaseCompleted, "")
	logger.Info("stage completed",
		"sessionId", record.SessionID,
		"stage", name,
		"confidence", result.Confidence,
		"duration", elapsed,
	)
	return result
}

// runRecovered invokes the stage, converting panics into errors so a buggy
// stage degrades into a failed result instead of tearing down the engine.
func runRecovered(ctx context.Context, stage Stage, record *contracts.ProcessingRecord) (outcome *StageOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return stage.Execute(ctx, record)
}
