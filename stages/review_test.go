package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/docflow-go/contracts"
)

func reviewableRecord() *contracts.ProcessingRecord {
	record := classifiedRecord("invoice", map[string]any{
		"invoice_number": "INV-1",
		"total_amount":   25000.0,
		"vendor_name":    "Acme Corp",
	})
	passStage(record, contracts.StageValidation, 0.9)
	passStage(record, contracts.StageRuleEvaluation, 0.9)
	passStage(record, contracts.StageAnomalyDetection, 0.9)
	record.SetDerived(contracts.StageRuleEvaluation, map[string]any{
		"actionsRequired": []any{
			map[string]any{"ruleId": "invoice_amount_limit", "action": "flag_for_review", "priority": float64(1)},
		},
		"rulesTriggered":   []any{map[string]any{"ruleId": "invoice_amount_limit"}},
		"complianceStatus": "warning",
		"riskLevel":        "high",
	})
	record.RequiresHumanReview = true
	return record
}

func TestHumanReviewRequest(t *testing.T) {
	ctx := context.Background()
	stage := NewHumanReview(nil)

	t.Run("builds a request with reasons and due date", func(t *testing.T) {
		record := reviewableRecord()

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		require.NotNil(t, outcome.ReviewRequest)
		request := outcome.ReviewRequest
		assert.NotEmpty(t, request.ReviewID)
		assert.NotEmpty(t, request.Reasons)
		assert.True(t, outcome.RequiresHumanReview)
		assert.True(t, request.DueAt.After(request.CreatedAt))
		assert.Contains(t, request.RequiredActions, "verify_extracted_data")
	})

	t.Run("priority-1 rule actions raise priority to high", func(t *testing.T) {
		record := reviewableRecord()

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Equal(t, contracts.PriorityHigh, outcome.ReviewRequest.Priority)
		assert.InDelta(t, 8*time.Hour.Hours(), outcome.ReviewRequest.DueAt.Sub(outcome.ReviewRequest.CreatedAt).Hours(), 0.1)
	})

	t.Run("critical anomalies force urgent priority", func(t *testing.T) {
		record := reviewableRecord()
		record.SetDerived(contracts.StageAnomalyDetection, map[string]any{
			"anomalies": []any{
				map[string]any{"anomalyType": "detection_error", "severity": "critical"},
			},
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Equal(t, contracts.PriorityUrgent, outcome.ReviewRequest.Priority)
		assert.Contains(t, outcome.ReviewRequest.RequiredActions, "review_anomalies")
	})

	t.Run("low confidence adds its reason and action", func(t *testing.T) {
		record := reviewableRecord()
		record.SetResult(&contracts.StageResult{
			Stage:      contracts.StageExtraction,
			Success:    true,
			Confidence: 0.2,
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Contains(t, outcome.ReviewRequest.RequiredActions, "verify_low_confidence_extractions")
		assert.Contains(t, outcome.ReviewRequest.Reasons, "Low extraction confidence (0.20)")
	})

	t.Run("default reason when nothing specific is wrong", func(t *testing.T) {
		record := classifiedRecord("other", map[string]any{"note": "fine"})
		record.RequiresHumanReview = true

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)
		assert.Equal(t, []string{"Manual review requested"}, outcome.ReviewRequest.Reasons)
	})
}

func TestHumanReviewFeedback(t *testing.T) {
	ctx := context.Background()
	stage := NewHumanReview(nil)

	t.Run("approve passes through without modifications", func(t *testing.T) {
		record := reviewableRecord()
		record.Feedback = &contracts.HumanFeedback{
			ReviewID: "r-1",
			Reviewer: "lee",
			Decision: contracts.DecisionApprove,
		}

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Nil(t, outcome.ReviewRequest)
		assert.Equal(t, "approve", outcome.Derived["decision"])
		assert.Equal(t, false, outcome.Derived["modificationsApplied"])
	})

	t.Run("modify merges reviewer corrections over working fields", func(t *testing.T) {
		record := reviewableRecord()
		record.Feedback = &contracts.HumanFeedback{
			ReviewID: "r-2",
			Reviewer: "lee",
			Decision: contracts.DecisionModify,
			Modifications: map[string]any{
				"total_amount": 24000.0,
				"po_number":    "PO-77",
			},
		}

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Equal(t, true, outcome.Derived["modificationsApplied"])
		fields := outcome.Derived["fields"].(map[string]any)
		assert.Equal(t, 24000.0, fields["total_amount"])
		assert.Equal(t, "PO-77", fields["po_number"])
		assert.Equal(t, "INV-1", fields["invoice_number"])
	})

	t.Run("rejects unknown decision", func(t *testing.T) {
		record := reviewableRecord()
		record.Feedback = &contracts.HumanFeedback{Decision: "shrug"}

		_, err := stage.Execute(ctx, record)
		assert.Error(t, err)
	})
}
