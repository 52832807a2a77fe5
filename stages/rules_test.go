package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/docflow-go/contracts"
)

func TestRuleEvaluation(t *testing.T) {
	ctx := context.Background()
	stage := NewRuleEvaluation(nil, nil)

	t.Run("fails without working data", func(t *testing.T) {
		_, err := stage.Execute(ctx, testRecord("content"))
		assert.Error(t, err)
	})

	t.Run("clean small invoice is compliant", func(t *testing.T) {
		record := classifiedRecord("invoice", map[string]any{
			"invoice_number": "INV-1",
			"total_amount":   500.0,
			"vendor_name":    "Acme Corp",
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Equal(t, "compliant", outcome.Derived["complianceStatus"])
		assert.Equal(t, "low", outcome.Derived["riskLevel"])
		assert.False(t, outcome.RequiresHumanReview)
		assert.InDelta(t, 1.0, outcome.Confidence, 0.001)
	})

	t.Run("high invoice amount flags review", func(t *testing.T) {
		record := classifiedRecord("invoice", map[string]any{
			"invoice_number": "INV-2",
			"total_amount":   25000.0,
			"vendor_name":    "Acme Corp",
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.True(t, outcome.RequiresHumanReview)
		assert.Equal(t, "warning", outcome.Derived["complianceStatus"])
		assert.Equal(t, "high", outcome.Derived["riskLevel"])
		triggered := outcome.Derived["rulesTriggered"].([]any)
		require.Len(t, triggered, 1)
		assert.Equal(t, "invoice_amount_limit", triggered[0].(map[string]any)["ruleId"])
	})

	t.Run("unapproved vendor is non compliant", func(t *testing.T) {
		record := classifiedRecord("invoice", map[string]any{
			"invoice_number": "INV-3",
			"total_amount":   500.0,
			"vendor_name":    "Shady Vendor",
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.Equal(t, "non_compliant", outcome.Derived["complianceStatus"])
		assert.True(t, outcome.RequiresHumanReview)
	})

	t.Run("overdue invoice severity scales with age", func(t *testing.T) {
		now := time.Now().UTC()
		slightlyOverdue := classifiedRecord("invoice", map[string]any{
			"invoice_number": "INV-4",
			"total_amount":   100.0,
			"vendor_name":    "Acme Corp",
			"due_date":       now.AddDate(0, 0, -5).Format("2006-01-02"),
		})
		longOverdue := classifiedRecord("invoice", map[string]any{
			"invoice_number": "INV-5",
			"total_amount":   100.0,
			"vendor_name":    "Acme Corp",
			"due_date":       now.AddDate(0, 0, -90).Format("2006-01-02"),
		})

		severityOf := func(record *contracts.ProcessingRecord) string {
			outcome, err := stage.Execute(ctx, record)
			require.NoError(t, err)
			for _, item := range outcome.Derived["rulesTriggered"].([]any) {
				trigger := item.(map[string]any)
				if trigger["ruleId"] == "invoice_due_date" {
					return trigger["severity"].(string)
				}
			}
			return ""
		}

		assert.Equal(t, "medium", severityOf(slightlyOverdue))
		assert.Equal(t, "high", severityOf(longOverdue))
	})

	t.Run("large contract requires executive approval", func(t *testing.T) {
		record := classifiedRecord("contract", map[string]any{
			"parties":        "Acme and Beta",
			"effective_date": "2024-01-01",
			"contract_value": 75000.0,
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.True(t, outcome.RequiresHumanReview)
		recs := outcome.Derived["recommendations"].([]any)
		assert.Contains(t, recs, any("Document requires executive-level approval"))
	})

	t.Run("missing critical fields triggers for any known type", func(t *testing.T) {
		record := classifiedRecord("financial_statement", map[string]any{
			"company_name": "Acme Corp",
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		var details string
		for _, item := range outcome.Derived["rulesTriggered"].([]any) {
			trigger := item.(map[string]any)
			if trigger["ruleId"] == "missing_critical_fields" {
				details = trigger["details"].(string)
			}
		}
		assert.Contains(t, details, "total_assets")
		assert.Contains(t, details, "period_ending")
	})

	t.Run("low extraction confidence requires manual review", func(t *testing.T) {
		record := classifiedRecord("other", map[string]any{"note": "sparse"})
		record.SetResult(&contracts.StageResult{
			Stage:      contracts.StageExtraction,
			Success:    true,
			Confidence: 0.3,
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		assert.True(t, outcome.RequiresHumanReview)
		var ids []string
		for _, item := range outcome.Derived["rulesTriggered"].([]any) {
			ids = append(ids, item.(map[string]any)["ruleId"].(string))
		}
		assert.Contains(t, ids, "low_confidence_data")
	})

	t.Run("confidence drops per triggered rule", func(t *testing.T) {
		record := classifiedRecord("invoice", map[string]any{
			"total_amount": 25000.0,
			"vendor_name":  "Shady Vendor",
		})

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		triggered := outcome.Derived["rulesTriggered"].([]any)
		assert.InDelta(t, 1.0-0.1*float64(len(triggered)), outcome.Confidence, 0.001)
	})
}
