package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/docflow-go/contracts"
)

type stubExtractor struct {
	result *Extraction
	err    error
}

func (e *stubExtractor) Extract(ctx context.Context, content, documentType string, metadata map[string]string) (*Extraction, error) {
	return e.result, e.err
}

func extractableRecord(content, docType string) *contracts.ProcessingRecord {
	record := testRecord(content)
	passStage(record, contracts.StageIngestion, 0.9)
	passStage(record, contracts.StageClassification, 0.85)
	record.SetDerived(contracts.StageClassification, map[string]any{"documentType": docType})
	return record
}

func TestExtractionFallback(t *testing.T) {
	ctx := context.Background()
	stage := NewExtraction(nil, nil)

	t.Run("requires completed classification", func(t *testing.T) {
		_, err := stage.Execute(ctx, testRecord("content"))
		assert.Error(t, err)
	})

	t.Run("parses labeled lines into canonical fields", func(t *testing.T) {
		content := "Invoice Number: INV-2024-001\n" +
			"Vendor: Acme Corp\n" +
			"Subtotal: $1,000.00\n" +
			"Tax: $80.00\n" +
			"Total: $1,080.00\n" +
			"Due Date: 2024-02-15\n"
		record := extractableRecord(content, "invoice")

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		fields, ok := outcome.Derived["fields"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "INV-2024-001", fields["invoice_number"])
		assert.Equal(t, "Acme Corp", fields["vendor_name"])
		assert.Equal(t, 1000.0, fields["subtotal"])
		assert.Equal(t, 80.0, fields["tax_amount"])
		assert.Equal(t, 1080.0, fields["total_amount"])
		assert.Equal(t, "2024-02-15", fields["due_date"])
	})

	t.Run("collects pattern matches capped at five", func(t *testing.T) {
		content := "contact a@x.com b@x.com c@x.com d@x.com e@x.com f@x.com about amounts $10.00 $20.00"
		record := extractableRecord(content, "other")

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)

		fields := outcome.Derived["fields"].(map[string]any)
		emails, ok := fields["email_matches"].([]any)
		require.True(t, ok)
		assert.Len(t, emails, 5)
		currency := fields["currency_matches"].([]any)
		assert.Len(t, currency, 2)
	})

	t.Run("labeled fields raise confidence above the floor", func(t *testing.T) {
		sparse := fallbackExtract("just words and the number 42")
		rich := fallbackExtract("Invoice Number: INV-1\nVendor: Acme\nTotal: $100.00\nDue Date: 2024-01-01")
		assert.Greater(t, rich.Confidence, sparse.Confidence)
	})

	t.Run("first labeled value wins for a repeated key", func(t *testing.T) {
		result := fallbackExtract("Total: $100.00\nTotal: $999.00")
		assert.Equal(t, 100.0, result.Fields["total_amount"])
	})

	t.Run("organizations grouped from name fields", func(t *testing.T) {
		result := fallbackExtract("Vendor: Acme Corp\nCustomer: Beta LLC")
		orgs, ok := result.Entities["organizations"].([]any)
		require.True(t, ok)
		assert.Len(t, orgs, 2)
	})
}

func TestExtractionBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("backend result wins", func(t *testing.T) {
		backend := &stubExtractor{result: &Extraction{
			Fields:     map[string]any{"patient_name": "Jo Doe"},
			Confidence: 0.9,
			Method:     "model",
		}}
		stage := NewExtraction(backend, nil)
		record := extractableRecord("Patient: Jo Doe", "medical_record")

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)
		fields := outcome.Derived["fields"].(map[string]any)
		assert.Equal(t, "Jo Doe", fields["patient_name"])
		assert.Equal(t, "model", outcome.Derived["extractionMethod"])
	})

	t.Run("backend failure falls back to rules", func(t *testing.T) {
		backend := &stubExtractor{err: errors.New("model unavailable")}
		stage := NewExtraction(backend, nil)
		record := extractableRecord("Total: $50.00", "invoice")

		outcome, err := stage.Execute(ctx, record)
		require.NoError(t, err)
		assert.Equal(t, "rule_based_fallback", outcome.Derived["extractionMethod"])
	})
}

func TestCanonicalFieldName(t *testing.T) {
	cases := map[string]string{
		"Invoice No":     "invoice_number",
		"Vendor":         "vendor_name",
		"Bill To":        "customer_name",
		"Amount Due":     "total_amount",
		"Sub-Total":      "subtotal",
		"Expiry Date":    "expiration_date",
		"Period Ending":  "period_ending",
		"Some Odd Label": "some_odd_label",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalFieldName(in), in)
	}
	assert.Equal(t, "", canonicalFieldName("  "))
}
