package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// RuleKind groups business rules by what a trigger means.
type RuleKind string

const (
	RuleKindValidation   RuleKind = "validation"
	RuleKindCompliance   RuleKind = "compliance"
	RuleKindApproval     RuleKind = "approval"
	RuleKindNotification RuleKind = "notification"
	RuleKindDataQuality  RuleKind = "data_quality"
)

// RuleInput is the evaluation context handed to every rule predicate.
type RuleInput struct {
	Fields               map[string]any
	DocumentType         string
	ExtractionConfidence float64
	Config               contracts.ProcessingConfig
	Now                  time.Time
}

// RuleTrigger is a fired rule's verdict.
type RuleTrigger struct {
	Details    string
	Severity   string
	Confidence float64
}

// BusinessRule is one typed predicate. AppliesTo limits the rule to a single
// document type; empty applies everywhere.
type BusinessRule struct {
	ID        string
	Name      string
	Kind      RuleKind
	Action    string
	Priority  int
	AppliesTo string
	Check     func(in RuleInput) *RuleTrigger
}

// reviewActions are the rule actions that force a human into the loop.
var reviewActions = map[string]bool{
	"flag_for_review":            true,
	"require_approval":           true,
	"require_executive_approval": true,
	"require_manual_review":      true,
}

var actionRecommendations = map[string]string{
	"flag_for_review":            "Document requires manual review due to high value or risk",
	"require_approval":           "Document requires approval before processing",
	"require_executive_approval": "Document requires executive-level approval",
	"send_expiration_warning":    "Send expiration warning notification",
	"require_audit":              "Financial statement requires professional audit",
	"flag_incomplete":            "Document is incomplete - missing critical information",
	"require_manual_review":      "Low confidence extraction requires manual verification",
}

// criticalFields lists what each document type must carry to be actionable.
var criticalFields = map[string][]string{
	"invoice":             {"invoice_number", "total_amount", "vendor_name"},
	"contract":            {"parties", "effective_date", "contract_value"},
	"financial_statement": {"company_name", "total_assets", "period_ending"},
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []BusinessRule {
	return []BusinessRule{
		{
			ID: "invoice_amount_limit", Name: "Invoice Amount Limit Check",
			Kind: RuleKindValidation, Action: "flag_for_review", Priority: 1, AppliesTo: "invoice",
			Check: func(in RuleInput) *RuleTrigger {
				total, ok := getFloat(in.Fields, "total_amount")
				if !ok || total <= 10000 {
					return nil
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("invoice amount $%.2f exceeds limit of $10000", total),
					Severity:   "high",
					Confidence: 1.0,
				}
			},
		},
		{
			ID: "invoice_due_date", Name: "Invoice Due Date Check",
			Kind: RuleKindValidation, Action: "flag_overdue", Priority: 2, AppliesTo: "invoice",
			Check: func(in RuleInput) *RuleTrigger {
				due, ok := parseDateField(in.Fields, "due_date")
				if !ok || !due.Before(in.Now) {
					return nil
				}
				daysOverdue := int(in.Now.Sub(due).Hours() / 24)
				severity := "medium"
				if daysOverdue >= 30 {
					severity = "high"
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("invoice is %d days overdue", daysOverdue),
					Severity:   severity,
					Confidence: 1.0,
				}
			},
		},
		{
			ID: "invoice_vendor_whitelist", Name: "Approved Vendor Check",
			Kind: RuleKindCompliance, Action: "require_approval", Priority: 1, AppliesTo: "invoice",
			Check: func(in RuleInput) *RuleTrigger {
				vendor := strings.ToLower(getString(in.Fields, "vendor_name"))
				if vendor == "" {
					return nil
				}
				for _, approved := range in.Config.ApprovedVendors {
					if strings.ToLower(approved) == vendor {
						return nil
					}
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("vendor %q not in approved vendor list", vendor),
					Severity:   "medium",
					Confidence: 0.8,
				}
			},
		},
		{
			ID: "contract_value_approval", Name: "Contract Value Approval Required",
			Kind: RuleKindApproval, Action: "require_executive_approval", Priority: 1, AppliesTo: "contract",
			Check: func(in RuleInput) *RuleTrigger {
				value, ok := getFloat(in.Fields, "contract_value")
				if !ok || value <= 50000 {
					return nil
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("contract value $%.2f requires executive approval (>$50000)", value),
					Severity:   "high",
					Confidence: 1.0,
				}
			},
		},
		{
			ID: "contract_expiration_warning", Name: "Contract Expiration Warning",
			Kind: RuleKindNotification, Action: "send_expiration_warning", Priority: 3, AppliesTo: "contract",
			Check: func(in RuleInput) *RuleTrigger {
				expiration, ok := parseDateField(in.Fields, "expiration_date")
				if !ok {
					return nil
				}
				daysLeft := int(expiration.Sub(in.Now).Hours() / 24)
				if daysLeft < 0 || daysLeft > 30 {
					return nil
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("contract expires in %d days", daysLeft),
					Severity:   "medium",
					Confidence: 1.0,
				}
			},
		},
		{
			ID: "financial_audit_required", Name: "Financial Statement Audit Required",
			Kind: RuleKindCompliance, Action: "require_audit", Priority: 1, AppliesTo: "financial_statement",
			Check: func(in RuleInput) *RuleTrigger {
				assets, ok := getFloat(in.Fields, "total_assets")
				if !ok || assets <= 1000000 {
					return nil
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("total assets $%.2f require audit (>$1000000)", assets),
					Severity:   "high",
					Confidence: 1.0,
				}
			},
		},
		{
			ID: "missing_critical_fields", Name: "Critical Fields Missing",
			Kind: RuleKindDataQuality, Action: "flag_incomplete", Priority: 1,
			Check: func(in RuleInput) *RuleTrigger {
				var missing []string
				for _, field := range criticalFields[in.DocumentType] {
					if v, ok := in.Fields[field]; !ok || v == nil || v == "" {
						missing = append(missing, field)
					}
				}
				if len(missing) == 0 {
					return nil
				}
				return &RuleTrigger{
					Details:    "missing critical fields: " + strings.Join(missing, ", "),
					Severity:   "high",
					Confidence: 1.0,
				}
			},
		},
		{
			ID: "low_confidence_data", Name: "Low Confidence Data",
			Kind: RuleKindDataQuality, Action: "require_manual_review", Priority: 2,
			Check: func(in RuleInput) *RuleTrigger {
				threshold := in.Config.RequireReviewThreshold
				if in.ExtractionConfidence >= threshold {
					return nil
				}
				return &RuleTrigger{
					Details:    fmt.Sprintf("extraction confidence %.2f below threshold %.2f", in.ExtractionConfidence, threshold),
					Severity:   "medium",
					Confidence: 1.0,
				}
			},
		},
	}
}

// RuleEvaluationStage runs the business rule set over the working fields and
// aggregates compliance status, risk level and required actions.
type RuleEvaluationStage struct {
	rules  []BusinessRule
	logger *slog.Logger
}

// NewRuleEvaluation creates the rule stage. A nil rule slice gets the
// built-in set.
func NewRuleEvaluation(rules []BusinessRule, logger *slog.Logger) *RuleEvaluationStage {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEvaluationStage{
		rules:  rules,
		logger: logger.With("stage", contracts.StageRuleEvaluation),
	}
}

// Name implements pipeline.Stage.
func (s *RuleEvaluationStage) Name() contracts.StageName { return contracts.StageRuleEvaluation }

// Execute implements pipeline.Stage.
func (s *RuleEvaluationStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	fields := workingFields(record)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no data available for rule evaluation")
	}

	in := RuleInput{
		Fields:               fields,
		DocumentType:         documentType(record),
		ExtractionConfidence: stageConfidence(record, contracts.StageExtraction),
		Config:               record.Config,
		Now:                  time.Now().UTC(),
	}

	evaluated := 0
	var triggered []any
	var actions []any
	reviewNeeded := false
	hasCompliance := false
	maxPriority := 0 // lower number is higher priority; 0 means none triggered

	for _, rule := range s.rules {
		if rule.AppliesTo != "" && rule.AppliesTo != in.DocumentType {
			continue
		}
		evaluated++

		trigger := rule.Check(in)
		if trigger == nil {
			continue
		}

		triggered = append(triggered, map[string]any{
			"ruleId":     rule.ID,
			"ruleName":   rule.Name,
			"ruleKind":   string(rule.Kind),
			"details":    trigger.Details,
			"severity":   trigger.Severity,
			"confidence": trigger.Confidence,
		})
		actions = append(actions, map[string]any{
			"ruleId":   rule.ID,
			"action":   rule.Action,
			"priority": rule.Priority,
			"details":  trigger.Details,
		})
		if reviewActions[rule.Action] {
			reviewNeeded = true
		}
		if rule.Kind == RuleKindCompliance {
			hasCompliance = true
		}
		if maxPriority == 0 || rule.Priority < maxPriority {
			maxPriority = rule.Priority
		}

		s.logger.Debug("rule triggered",
			"sessionId", record.SessionID,
			"ruleId", rule.ID,
			"severity", trigger.Severity,
		)
	}

	compliance := "compliant"
	risk := "low"
	if len(triggered) > 0 {
		if hasCompliance {
			compliance = "non_compliant"
		} else {
			compliance = "warning"
		}
		switch maxPriority {
		case 1:
			risk = "high"
		case 2:
			risk = "medium"
		}
	}

	recommendations := recommendationsFor(actions)
	confidence := max(0.0, 1.0-0.1*float64(len(triggered)))

	return &pipeline.StageOutcome{
		Confidence:          confidence,
		RequiresHumanReview: reviewNeeded,
		Data: map[string]any{
			"rulesEvaluated":   evaluated,
			"rulesTriggered":   len(triggered),
			"complianceStatus": compliance,
			"riskLevel":        risk,
		},
		Derived: map[string]any{
			"rulesEvaluated":      evaluated,
			"rulesTriggered":      triggered,
			"actionsRequired":     actions,
			"complianceStatus":    compliance,
			"riskLevel":           risk,
			"recommendations":     recommendations,
			"requiresHumanReview": reviewNeeded,
		},
	}, nil
}

func recommendationsFor(actions []any) []any {
	seen := make(map[string]bool)
	var out []string
	for _, a := range actions {
		action, _ := asMap(a)
		text, ok := actionRecommendations[getString(action, "action")]
		if !ok || seen[text] {
			continue
		}
		seen[text] = true
		out = append(out, text)
	}
	sort.Strings(out)
	return toAnySlice(out)
}
