package stages

import (
	"time"

	"github.com/glimte/docflow-go/contracts"
)

func testRecord(content string) *contracts.ProcessingRecord {
	record := contracts.NewProcessingRecord(contracts.Document{
		ID:       "doc-1",
		FileName: "document.txt",
		FileType: "txt",
		Content:  content,
	})
	return record
}

func passStage(record *contracts.ProcessingRecord, stage contracts.StageName, confidence float64) {
	record.SetResult(&contracts.StageResult{
		Stage:       stage,
		Success:     true,
		Confidence:  confidence,
		CompletedAt: time.Now().UTC(),
	})
}

func failStageResult(record *contracts.ProcessingRecord, stage contracts.StageName, msg string) {
	record.SetResult(&contracts.StageResult{
		Stage:       stage,
		Success:     false,
		Error:       msg,
		CompletedAt: time.Now().UTC(),
	})
}

// classifiedRecord is a record that already passed ingestion, classification
// and extraction with the given document type and fields.
func classifiedRecord(docType string, fields map[string]any) *contracts.ProcessingRecord {
	record := testRecord("Invoice Number: INV-100\nTotal: $50.00\nsome plain document body text here")
	passStage(record, contracts.StageIngestion, 0.9)
	passStage(record, contracts.StageClassification, 0.85)
	passStage(record, contracts.StageExtraction, 0.8)
	record.SetDerived(contracts.StageClassification, map[string]any{"documentType": docType})
	record.SetDerived(contracts.StageExtraction, map[string]any{"fields": fields})
	return record
}
