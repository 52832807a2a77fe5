package pipeline

import (
	"time"

	"github.com/glimte/docflow-go/contracts"
)

// StatusReport is a read-only projection of a processing record for status
// queries and streaming. It never exposes the record's internal maps.
type StatusReport struct {
	SessionID           string                   `json:"sessionId"`
	DocumentID          string                   `json:"documentId"`
	Status              contracts.RecordStatus   `json:"status"`
	CurrentStage        contracts.StageName      `json:"currentStage,omitempty"`
	PhaseIndex          int                      `json:"phaseIndex"`
	CompletedStages     int                      `json:"completedStages"`
	FailedStages        int                      `json:"failedStages"`
	TotalStages         int                      `json:"totalStages"`
	ProgressPercent     float64                  `json:"progressPercent"`
	OverallConfidence   float64                  `json:"overallConfidence"`
	EstimatedRemaining  time.Duration            `json:"estimatedRemaining"`
	RequiresHumanReview bool                     `json:"requiresHumanReview"`
	PendingReview       *contracts.ReviewRequest `json:"pendingReview,omitempty"`
	ErrorCount          int                      `json:"errorCount"`
	StartedAt           time.Time                `json:"startedAt"`
	CompletedAt         *time.Time               `json:"completedAt,omitempty"`
	LastModified        time.Time                `json:"lastModified"`
}

// ProjectStatus derives a status report from a record.
//
// Progress counts stages with a result against the full sequence. The
// remaining-time estimate multiplies the stages still ahead by the mean
// duration of the stages already run. Overall confidence is the mean of
// stage confidences, excluding the terminal audit stage which reports on the
// run rather than the document.
func ProjectStatus(record *contracts.ProcessingRecord) StatusReport {
	total := len(contracts.StageSequence)
	report := StatusReport{
		SessionID:           record.SessionID,
		DocumentID:          record.Document.ID,
		Status:              record.Status,
		CurrentStage:        record.CurrentStage,
		PhaseIndex:          record.CurrentStage.Index(),
		TotalStages:         total,
		RequiresHumanReview: record.RequiresHumanReview,
		ErrorCount:          len(record.ErrorLog),
		StartedAt:           record.StartedAt,
		CompletedAt:         record.CompletedAt,
		LastModified:        record.LastModified,
	}

	if record.Status == contracts.StatusAwaitingHumanInput {
		report.PendingReview = record.ReviewRequest
	}

	var totalDuration time.Duration
	var confidenceSum float64
	confidenceCount := 0
	for _, result := range record.StageResults {
		if result.Success {
			report.CompletedStages++
		} else {
			report.FailedStages++
		}
		totalDuration += result.Duration
		if result.Stage != contracts.StageAuditLearning {
			confidenceSum += result.Confidence
			confidenceCount++
		}
	}

	executed := len(record.StageResults)
	if total > 0 {
		report.ProgressPercent = float64(executed) / float64(total) * 100
	}
	if confidenceCount > 0 {
		report.OverallConfidence = confidenceSum / float64(confidenceCount)
	}
	if executed > 0 && executed < total && !record.Status.IsTerminal() {
		avg := totalDuration / time.Duration(executed)
		report.EstimatedRemaining = avg * time.Duration(total-executed)
	}
	return report
}
