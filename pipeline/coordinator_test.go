package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/docflow-go/contracts"
)

func newTestRecord() *contracts.ProcessingRecord {
	return contracts.NewProcessingRecord(contracts.Document{Content: "hello world"})
}

func withResult(record *contracts.ProcessingRecord, stage contracts.StageName, success bool) *contracts.ProcessingRecord {
	record.CurrentStage = stage
	record.SetResult(&contracts.StageResult{Stage: stage, Success: success})
	return record
}

func TestCoordinatorDecide(t *testing.T) {
	c := NewCoordinator(nil)

	t.Run("Fresh record routes to ingestion", func(t *testing.T) {
		action := c.Decide(newTestRecord())
		assert.Equal(t, RunStage(contracts.StageIngestion), action)
	})

	t.Run("Terminal status at audit stage terminates", func(t *testing.T) {
		record := newTestRecord()
		record.CurrentStage = contracts.StageAuditLearning
		record.Status = contracts.StatusCompleted
		assert.Equal(t, Terminate(ReasonCompleted), c.Decide(record))

		record.Status = contracts.StatusFailed
		assert.Equal(t, Terminate(ReasonCompleted), c.Decide(record))
	})

	t.Run("Terminal status elsewhere does not terminate", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageExtraction, false)
		record.Status = contracts.StatusFailed
		assert.Equal(t, RunStage(contracts.StageAuditLearning), c.Decide(record))
	})

	t.Run("Review flag routes into the review stage", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageAnomalyDetection, true)
		record.RequiresHumanReview = true
		assert.Equal(t, RunStage(contracts.StageHumanReview), c.Decide(record))
	})

	t.Run("Review flag at the review stage suspends", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageHumanReview, true)
		record.RequiresHumanReview = true
		assert.Equal(t, Terminate(ReasonSuspended), c.Decide(record))
	})

	t.Run("Fresh feedback runs the review stage first", func(t *testing.T) {
		for _, d := range []contracts.FeedbackDecision{
			contracts.DecisionApprove,
			contracts.DecisionReject,
			contracts.DecisionModify,
			contracts.DecisionEscalate,
		} {
			record := withResult(newTestRecord(), contracts.StageHumanReview, true)
			record.RequiresHumanReview = true
			record.Status = contracts.StatusHumanInputReceived
			record.Feedback = &contracts.HumanFeedback{Decision: d}
			assert.Equal(t, RunStage(contracts.StageHumanReview), c.Decide(record), d)
		}
	})

	t.Run("Processed feedback decisions route the run", func(t *testing.T) {
		decide := func(d contracts.FeedbackDecision) NextAction {
			record := withResult(newTestRecord(), contracts.StageHumanReview, true)
			record.RequiresHumanReview = true
			record.Status = contracts.StatusRunning
			record.Feedback = &contracts.HumanFeedback{Decision: d}
			return c.Decide(record)
		}

		assert.Equal(t, RunStage(contracts.StageAuditLearning), decide(contracts.DecisionReject))
		assert.Equal(t, Terminate(ReasonEscalated), decide(contracts.DecisionEscalate))
		assert.Equal(t, RunStage(contracts.StageAuditLearning), decide(contracts.DecisionApprove))
		assert.Equal(t, RunStage(contracts.StageAuditLearning), decide(contracts.DecisionModify))
	})

	t.Run("Stage without a result is about to run", func(t *testing.T) {
		record := newTestRecord()
		record.CurrentStage = contracts.StageClassification
		record.Status = contracts.StatusRunning
		assert.Equal(t, RunStage(contracts.StageClassification), c.Decide(record))
	})

	t.Run("Soft failure continues with the next stage", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageValidation, false)
		record.Status = contracts.StatusRunning
		assert.Equal(t, RunStage(contracts.StageRuleEvaluation), c.Decide(record))

		record = withResult(newTestRecord(), contracts.StageRuleEvaluation, false)
		record.Status = contracts.StatusRunning
		assert.Equal(t, RunStage(contracts.StageAnomalyDetection), c.Decide(record))
	})

	t.Run("Soft failure on the last advisory stage goes to audit", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageAnomalyDetection, false)
		record.Status = contracts.StatusRunning
		assert.Equal(t, RunStage(contracts.StageAuditLearning), c.Decide(record))
	})

	t.Run("Hard failure short-circuits to audit", func(t *testing.T) {
		for _, stage := range []contracts.StageName{contracts.StageIngestion, contracts.StageClassification, contracts.StageExtraction} {
			record := withResult(newTestRecord(), stage, false)
			record.Status = contracts.StatusRunning
			assert.Equal(t, RunStage(contracts.StageAuditLearning), c.Decide(record), "stage %s", stage)
		}
	})

	t.Run("Success advances through the sequence", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageIngestion, true)
		record.Status = contracts.StatusRunning
		assert.Equal(t, RunStage(contracts.StageClassification), c.Decide(record))
	})

	t.Run("Sequential flow never schedules the review stage", func(t *testing.T) {
		record := withResult(newTestRecord(), contracts.StageAnomalyDetection, true)
		record.Status = contracts.StatusRunning
		assert.Equal(t, RunStage(contracts.StageAuditLearning), c.Decide(record))
	})

	t.Run("Unknown current stage falls back to audit", func(t *testing.T) {
		record := newTestRecord()
		record.CurrentStage = contracts.StageName("bogus")
		record.Status = contracts.StatusRunning
		record.SetResult(&contracts.StageResult{Stage: "bogus", Success: true})
		assert.Equal(t, RunStage(contracts.StageAuditLearning), c.Decide(record))
	})
}
