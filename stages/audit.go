package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// AuditLearningStage closes every run. It assembles the audit record from
// everything the earlier stages left on the record: per-stage performance,
// data quality, business impact, human interaction and collected issues.
type AuditLearningStage struct {
	logger *slog.Logger
}

// NewAuditLearning creates the audit stage.
func NewAuditLearning(logger *slog.Logger) *AuditLearningStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLearningStage{logger: logger.With("stage", contracts.StageAuditLearning)}
}

// Name implements pipeline.Stage.
func (s *AuditLearningStage) Name() contracts.StageName { return contracts.StageAuditLearning }

// Execute implements pipeline.Stage.
func (s *AuditLearningStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	auditID := uuid.New().String()
	now := time.Now().UTC()

	performance := stagePerformance(record)
	quality := dataQuality(record)
	impact := businessImpact(record, now)
	interaction := humanInteraction(record)
	issues := collectIssues(record)
	insights := learningInsights(record, performance)

	auditRecord := map[string]any{
		"auditId":   auditID,
		"timestamp": now.Format(time.RFC3339),
		"documentInfo": map[string]any{
			"documentId":    record.Document.ID,
			"documentType":  documentType(record),
			"fileType":      record.Document.FileType,
			"sizeBytes":     record.Document.SizeBytes,
			"contentLength": len(record.Document.Content),
		},
		"sessionInfo": map[string]any{
			"sessionId":      record.SessionID,
			"status":         string(record.Status),
			"startedAt":      record.StartedAt.Format(time.RFC3339),
			"elapsedSeconds": now.Sub(record.StartedAt).Seconds(),
		},
		"stagePerformance": performance,
		"dataQuality":      quality,
		"businessImpact":   impact,
		"humanInteraction": interaction,
		"errorsAndIssues":  issues,
		"learningInsights": insights,
	}

	s.logger.Info("audit record assembled",
		"sessionId", record.SessionID,
		"auditId", auditID,
		"reviewRequired", record.RequiresHumanReview,
		"errorCount", len(record.ErrorLog),
	)

	return &pipeline.StageOutcome{
		Confidence: 1.0,
		Data: map[string]any{
			"auditId":        auditID,
			"reviewRequired": record.RequiresHumanReview,
			"errorCount":     len(record.ErrorLog),
		},
		Derived: map[string]any{
			"auditId":     auditID,
			"auditRecord": auditRecord,
		},
	}, nil
}

// stagePerformance summarizes every executed stage plus an overall rollup.
func stagePerformance(record *contracts.ProcessingRecord) map[string]any {
	performance := make(map[string]any)
	successful := 0
	total := 0
	confidenceSum := 0.0
	totalSeconds := 0.0

	for _, stage := range contracts.StageSequence {
		result := record.ResultFor(stage)
		if result == nil {
			continue
		}
		total++
		if result.Success {
			successful++
		}
		confidenceSum += result.Confidence
		totalSeconds += result.Duration.Seconds()
		performance[string(stage)] = map[string]any{
			"success":    result.Success,
			"confidence": result.Confidence,
			"seconds":    result.Duration.Seconds(),
			"error":      result.Error,
		}
	}

	avg := 0.0
	rate := 0.0
	if total > 0 {
		avg = confidenceSum / float64(total)
		rate = float64(successful) / float64(total)
	}
	performance["overall"] = map[string]any{
		"successRate":       rate,
		"averageConfidence": avg,
		"totalSeconds":      totalSeconds,
		"stagesCompleted":   successful,
		"stagesTotal":       total,
	}
	return performance
}

func dataQuality(record *contracts.ProcessingRecord) map[string]any {
	extractionConf := stageConfidence(record, contracts.StageExtraction)
	validationConf := stageConfidence(record, contracts.StageValidation)

	fields := workingFields(record)
	nonNull := 0
	for _, v := range fields {
		if v != nil && v != "" {
			nonNull++
		}
	}
	completeness := 0.0
	if len(fields) > 0 {
		completeness = float64(nonNull) / float64(len(fields))
	}

	validationDerived := record.DerivedFor(contracts.StageValidation)
	isValid := false
	if v, ok := validationDerived["isValid"].(bool); ok {
		isValid = v
	}

	return map[string]any{
		"fieldsExtracted":    len(fields),
		"nonNullFields":      nonNull,
		"dataCompleteness":   completeness,
		"isValid":            isValid,
		"validationErrors":   len(getSlice(validationDerived, "errors")),
		"validationWarnings": len(getSlice(validationDerived, "warnings")),
		"combinedConfidence": (extractionConf + validationConf) / 2,
	}
}

func businessImpact(record *contracts.ProcessingRecord, now time.Time) map[string]any {
	rules := record.DerivedFor(contracts.StageRuleEvaluation)
	anomalies := record.DerivedFor(contracts.StageAnomalyDetection)

	anomalyImpact := "low"
	critical, high := anomalySeverityCounts(record)
	switch {
	case critical > 0:
		anomalyImpact = "critical"
	case high > 0:
		anomalyImpact = "high"
	case len(getSlice(anomalies, "anomalies")) > 0:
		anomalyImpact = "medium"
	}

	automationRate := 1.0
	if record.RequiresHumanReview {
		automationRate = 0.5
	}

	return map[string]any{
		"complianceStatus": getString(rules, "complianceStatus"),
		"riskLevel":        getString(rules, "riskLevel"),
		"rulesTriggered":   len(getSlice(rules, "rulesTriggered")),
		"anomaliesImpact":  anomalyImpact,
		"processingEfficiency": map[string]any{
			"elapsedSeconds": now.Sub(record.StartedAt).Seconds(),
			"reviewRequired": record.RequiresHumanReview,
			"automationRate": automationRate,
			"errorCount":     len(record.ErrorLog),
		},
	}
}

func humanInteraction(record *contracts.ProcessingRecord) map[string]any {
	interaction := map[string]any{
		"reviewRequired":   record.RequiresHumanReview,
		"requestCreated":   record.ReviewRequest != nil,
		"feedbackProvided": record.Feedback != nil,
	}
	if record.Feedback != nil {
		interaction["reviewOutcome"] = string(record.Feedback.Decision)
		interaction["reviewer"] = record.Feedback.Reviewer
		if record.ReviewRequest != nil && !record.Feedback.SubmittedAt.IsZero() {
			interaction["reviewSeconds"] = record.Feedback.SubmittedAt.Sub(record.ReviewRequest.CreatedAt).Seconds()
		}
	}
	return interaction
}

func collectIssues(record *contracts.ProcessingRecord) map[string]any {
	var stageFailures []any
	for _, stage := range contracts.StageSequence {
		if result := record.ResultFor(stage); result != nil && !result.Success {
			stageFailures = append(stageFailures, map[string]any{
				"stage": string(stage),
				"error": result.Error,
			})
		}
	}

	var ruleViolations []any
	for _, a := range getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "actionsRequired") {
		action, _ := asMap(a)
		if p, ok := getFloat(action, "priority"); ok && int(p) <= 2 {
			ruleViolations = append(ruleViolations, action)
		}
	}

	return map[string]any{
		"processingErrors":       toAnySlice(record.ErrorLog),
		"validationErrors":       getSlice(record.DerivedFor(contracts.StageValidation), "errors"),
		"businessRuleViolations": ruleViolations,
		"anomalies":              getSlice(record.DerivedFor(contracts.StageAnomalyDetection), "anomalies"),
		"stageFailures":          stageFailures,
	}
}

// learningInsights names the patterns this run exhibits and where the
// pipeline could do better next time.
func learningInsights(record *contracts.ProcessingRecord, performance map[string]any) map[string]any {
	var patterns []string
	if docType := documentType(record); docType != "other" {
		patterns = append(patterns, "Document type: "+docType)
	}
	if record.RequiresHumanReview {
		patterns = append(patterns, "Required human review")
	}
	if len(record.ErrorLog) > 0 {
		patterns = append(patterns, "Processing errors encountered")
	}
	overall, _ := asMap(performance["overall"])
	if avg, ok := getFloat(overall, "averageConfidence"); ok {
		if avg < 0.7 {
			patterns = append(patterns, "Low confidence processing")
		} else if avg > 0.9 {
			patterns = append(patterns, "High confidence processing")
		}
	}

	var improvements []string
	if stageConfidence(record, contracts.StageExtraction) < 0.8 {
		improvements = append(improvements, "Improve extraction accuracy")
	}
	if len(getSlice(record.DerivedFor(contracts.StageValidation), "errors")) > 0 {
		improvements = append(improvements, "Enhance data validation rules")
	}
	if len(getSlice(record.DerivedFor(contracts.StageAnomalyDetection), "anomalies")) > 3 {
		improvements = append(improvements, "Review anomaly detection thresholds")
	}

	return map[string]any{
		"patternsIdentified":       toAnySlice(patterns),
		"improvementOpportunities": toAnySlice(improvements),
	}
}
