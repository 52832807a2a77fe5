package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// HumanReviewStage runs in two phases. Without feedback it builds the review
// request that suspends the run; with feedback it applies the reviewer's
// decision, folding field modifications into its own namespace so the stages
// after it see the corrected values.
type HumanReviewStage struct {
	logger *slog.Logger
}

// NewHumanReview creates the review stage.
func NewHumanReview(logger *slog.Logger) *HumanReviewStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &HumanReviewStage{logger: logger.With("stage", contracts.StageHumanReview)}
}

// Name implements pipeline.Stage.
func (s *HumanReviewStage) Name() contracts.StageName { return contracts.StageHumanReview }

// Execute implements pipeline.Stage.
func (s *HumanReviewStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	if record.Feedback != nil {
		return s.processFeedback(record)
	}
	return s.buildRequest(record)
}

func (s *HumanReviewStage) buildRequest(record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	reasons := reviewReasons(record)
	priority := reviewPriority(record)
	actions := requiredActions(record)
	now := time.Now().UTC()
	dueAt := now.Add(priority.DueOffset())

	request := &contracts.ReviewRequest{
		ReviewID:        uuid.New().String(),
		Reasons:         reasons,
		Priority:        priority,
		RequiredActions: actions,
		Context:         reviewContext(record),
		CreatedAt:       now,
		DueAt:           dueAt,
	}

	s.logger.Info("review request created",
		"sessionId", record.SessionID,
		"reviewId", request.ReviewID,
		"priority", priority,
		"dueAt", dueAt,
	)

	return &pipeline.StageOutcome{
		Confidence:          1.0,
		RequiresHumanReview: true,
		ReviewRequest:       request,
		Data: map[string]any{
			"reviewId": request.ReviewID,
			"priority": string(priority),
			"reasons":  toAnySlice(reasons),
		},
		Derived: map[string]any{
			"reviewId":        request.ReviewID,
			"priority":        string(priority),
			"reasons":         toAnySlice(reasons),
			"requiredActions": toAnySlice(actions),
			"dueAt":           dueAt.Format(time.RFC3339),
		},
	}, nil
}

func (s *HumanReviewStage) processFeedback(record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	feedback := record.Feedback
	if !feedback.Decision.IsValid() {
		return nil, fmt.Errorf("unknown review decision %q", feedback.Decision)
	}

	derived := map[string]any{
		"decision":             string(feedback.Decision),
		"reviewer":             feedback.Reviewer,
		"comments":             feedback.Comments,
		"modificationsApplied": false,
	}

	if feedback.Decision == contracts.DecisionModify && len(feedback.Modifications) > 0 {
		fields := make(map[string]any)
		for k, v := range workingFields(record) {
			fields[k] = v
		}
		for k, v := range feedback.Modifications {
			fields[k] = v
		}
		derived["fields"] = fields
		derived["modificationsApplied"] = true
	}

	s.logger.Info("reviewer feedback processed",
		"sessionId", record.SessionID,
		"decision", feedback.Decision,
		"reviewer", feedback.Reviewer,
	)

	return &pipeline.StageOutcome{
		Confidence: 1.0,
		Data: map[string]any{
			"decision":             string(feedback.Decision),
			"modificationsApplied": derived["modificationsApplied"],
		},
		Derived: derived,
	}, nil
}

// reviewReasons explains why the run stopped for a human.
func reviewReasons(record *contracts.ProcessingRecord) []string {
	var reasons []string
	cfg := record.Config

	extractionConf := stageConfidence(record, contracts.StageExtraction)
	if extractionConf < cfg.RequireReviewThreshold {
		reasons = append(reasons, fmt.Sprintf("Low extraction confidence (%.2f)", extractionConf))
	}

	if v := record.ResultFor(contracts.StageValidation); v != nil && !v.Success {
		errorCount := len(getSlice(record.DerivedFor(contracts.StageValidation), "errors"))
		reasons = append(reasons, fmt.Sprintf("Data validation failed (%d errors)", errorCount))
	}

	if n := reviewRuleActionCount(record); n > 0 {
		reasons = append(reasons, fmt.Sprintf("Business rules require review (%d rules triggered)", n))
	}

	critical, high := anomalySeverityCounts(record)
	if critical > 0 || high > 0 {
		reasons = append(reasons, fmt.Sprintf("Anomalies detected (%d critical, %d high severity)", critical, high))
	}

	if len(record.ErrorLog) > 0 {
		reasons = append(reasons, fmt.Sprintf("Processing errors occurred (%d errors)", len(record.ErrorLog)))
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "Manual review requested")
	}
	return reasons
}

// reviewPriority maps the severity of what was found onto a queue priority.
func reviewPriority(record *contracts.ProcessingRecord) contracts.ReviewPriority {
	critical, _ := anomalySeverityCounts(record)
	if critical > 0 {
		return contracts.PriorityUrgent
	}

	cfg := record.Config
	minConf := min(
		stageConfidence(record, contracts.StageExtraction),
		stageConfidence(record, contracts.StageValidation),
	)
	if minConf < cfg.EscalationThreshold {
		return contracts.PriorityHigh
	}
	if minConf < cfg.RequireReviewThreshold {
		return contracts.PriorityMedium
	}

	for _, a := range getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "actionsRequired") {
		action, _ := asMap(a)
		if p, ok := getFloat(action, "priority"); ok && int(p) == 1 {
			return contracts.PriorityHigh
		}
	}
	return contracts.PriorityMedium
}

func requiredActions(record *contracts.ProcessingRecord) []string {
	seen := map[string]bool{"verify_extracted_data": true}

	if v := record.ResultFor(contracts.StageValidation); v != nil && !v.Success {
		seen["correct_validation_errors"] = true
	}
	for _, a := range getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "actionsRequired") {
		action, _ := asMap(a)
		switch getString(action, "action") {
		case "require_approval":
			seen["approve_document"] = true
		case "require_executive_approval":
			seen["escalate_for_executive_approval"] = true
		}
	}
	if len(getSlice(record.DerivedFor(contracts.StageAnomalyDetection), "anomalies")) > 0 {
		seen["review_anomalies"] = true
	}
	if stageConfidence(record, contracts.StageExtraction) < record.Config.RequireReviewThreshold {
		seen["verify_low_confidence_extractions"] = true
	}

	actions := make([]string, 0, len(seen))
	for action := range seen {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// reviewContext is the snapshot handed to the reviewer alongside the request.
func reviewContext(record *contracts.ProcessingRecord) map[string]any {
	completed := 0
	confidenceSum := 0.0
	scored := 0
	for _, result := range record.StageResults {
		if result.Success {
			completed++
		}
		confidenceSum += result.Confidence
		scored++
	}
	overall := 0.0
	if scored > 0 {
		overall = confidenceSum / float64(scored)
	}

	return map[string]any{
		"documentInfo": map[string]any{
			"id":            record.Document.ID,
			"type":          documentType(record),
			"fileType":      record.Document.FileType,
			"contentLength": len(record.Document.Content),
		},
		"processingSummary": map[string]any{
			"stagesCompleted":   completed,
			"overallConfidence": overall,
		},
		"extractedFields":    workingFields(record),
		"validationErrors":   getSlice(record.DerivedFor(contracts.StageValidation), "errors"),
		"validationWarnings": getSlice(record.DerivedFor(contracts.StageValidation), "warnings"),
		"businessRuleIssues": map[string]any{
			"rulesTriggered":   len(getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "rulesTriggered")),
			"complianceStatus": getString(record.DerivedFor(contracts.StageRuleEvaluation), "complianceStatus"),
			"riskLevel":        getString(record.DerivedFor(contracts.StageRuleEvaluation), "riskLevel"),
			"actionsRequired":  getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "actionsRequired"),
		},
		"anomalies":       getSlice(record.DerivedFor(contracts.StageAnomalyDetection), "anomalies"),
		"recommendations": reviewerRecommendations(record),
	}
}

func reviewerRecommendations(record *contracts.ProcessingRecord) []any {
	var recs []string

	if stageConfidence(record, contracts.StageExtraction) < 0.7 {
		recs = append(recs, "Pay special attention to extracted data accuracy due to low confidence")
	}
	if v := record.ResultFor(contracts.StageValidation); v != nil && !v.Success {
		recs = append(recs, "Review and correct validation errors before approval")
	}
	critical, high := anomalySeverityCounts(record)
	if critical > 0 || high > 0 {
		recs = append(recs, "Investigate high-severity anomalies before proceeding")
	}
	for _, r := range getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "recommendations") {
		if text, ok := asString(r); ok {
			recs = append(recs, text)
		}
	}
	return toAnySlice(recs)
}

func reviewRuleActionCount(record *contracts.ProcessingRecord) int {
	count := 0
	for _, a := range getSlice(record.DerivedFor(contracts.StageRuleEvaluation), "actionsRequired") {
		action, _ := asMap(a)
		if strings.Contains(strings.ToLower(getString(action, "action")), "review") {
			count++
		}
	}
	return count
}

func anomalySeverityCounts(record *contracts.ProcessingRecord) (critical, high int) {
	for _, a := range getSlice(record.DerivedFor(contracts.StageAnomalyDetection), "anomalies") {
		anomaly, _ := asMap(a)
		switch getString(anomaly, "severity") {
		case "critical":
			critical++
		case "high":
			high++
		}
	}
	return critical, high
}
