package stages

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

var validEmailRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// fieldCheck is the validation verdict for one extracted field.
type fieldCheck struct {
	corrected  any
	errors     []string
	warnings   []string
	confidence float64
}

// ValidationStage checks every extracted field by inferred type, corrects
// what it can (normalized dates, cleaned numbers, lowercased emails) and runs
// document-type cross-field checks. Field errors fail the stage softly; the
// corrected fields are still recorded for the stages downstream.
type ValidationStage struct {
	logger *slog.Logger
}

// NewValidation creates the validation stage.
func NewValidation(logger *slog.Logger) *ValidationStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationStage{logger: logger.With("stage", contracts.StageValidation)}
}

// Name implements pipeline.Stage.
func (s *ValidationStage) Name() contracts.StageName { return contracts.StageValidation }

// Execute implements pipeline.Stage.
func (s *ValidationStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	if ext := record.ResultFor(contracts.StageExtraction); ext == nil || !ext.Success {
		return nil, fmt.Errorf("cannot validate: extraction did not complete")
	}

	fields := getMap(record.DerivedFor(contracts.StageExtraction), "fields")
	docType := documentType(record)

	corrected := make(map[string]any, len(fields))
	var allErrors, allWarnings []string
	confidenceSum := 0.0
	checked := 0

	for name, value := range fields {
		check := validateField(name, value)
		corrected[name] = check.corrected
		allErrors = append(allErrors, check.errors...)
		allWarnings = append(allWarnings, check.warnings...)
		confidenceSum += check.confidence
		checked++
	}

	crossErrors, crossWarnings := crossFieldChecks(corrected, docType)
	allErrors = append(allErrors, crossErrors...)
	allWarnings = append(allWarnings, crossWarnings...)

	avg := 0.0
	if checked > 0 {
		avg = confidenceSum / float64(checked)
	}
	confidence := avg - 0.2*float64(len(allErrors)) - 0.1*float64(len(allWarnings))
	confidence = min(1.0, max(0.0, confidence))

	outcome := &pipeline.StageOutcome{
		Confidence: confidence,
		Data: map[string]any{
			"validatedFields": checked,
			"errorCount":      len(allErrors),
			"warningCount":    len(allWarnings),
		},
		Derived: map[string]any{
			"fields":     corrected,
			"errors":     toAnySlice(allErrors),
			"warnings":   toAnySlice(allWarnings),
			"confidence": confidence,
			"isValid":    len(allErrors) == 0,
		},
	}

	if len(allErrors) > 0 {
		return outcome, fmt.Errorf("validation found %d errors: %s", len(allErrors), strings.Join(allErrors, "; "))
	}
	return outcome, nil
}

// validateField infers a type from the field name first and the value second,
// then applies the matching validator.
func validateField(name string, value any) fieldCheck {
	check := fieldCheck{corrected: value, confidence: 1.0}
	if value == nil {
		return check
	}

	switch inferFieldType(name, value) {
	case "email":
		validateEmail(&check, value)
	case "phone":
		validatePhone(&check, value)
	case "date":
		validateDate(&check, value)
	case "number":
		validateNumber(&check, value)
	case "array":
		validateArray(&check, value)
	default:
		validateString(&check, value)
	}
	return check
}

func inferFieldType(name string, value any) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "email"):
		return "email"
	case strings.Contains(lower, "phone"), strings.Contains(lower, "tel"):
		return "phone"
	case strings.Contains(lower, "date"), strings.Contains(lower, "time"):
		return "date"
	case strings.Contains(lower, "amount"), strings.Contains(lower, "total"), strings.Contains(lower, "price"):
		return "number"
	}
	if _, ok := value.([]any); ok {
		return "array"
	}
	if _, ok := asFloat(value); ok {
		return "number"
	}
	return "string"
}

func validateEmail(check *fieldCheck, value any) {
	email, ok := value.(string)
	if !ok {
		check.errors = append(check.errors, "email must be a string")
		check.confidence = 0.0
		return
	}
	trimmed := strings.TrimSpace(email)
	if !validEmailRe.MatchString(trimmed) {
		check.errors = append(check.errors, fmt.Sprintf("invalid email format: %s", email))
		check.confidence = 0.2
		return
	}
	check.corrected = strings.ToLower(trimmed)
}

func validatePhone(check *fieldCheck, value any) {
	phone, ok := value.(string)
	if !ok {
		check.errors = append(check.errors, "phone number must be a string")
		check.confidence = 0.0
		return
	}
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '+' {
			return r
		}
		return -1
	}, phone)

	switch {
	case len(cleaned) < 10:
		check.errors = append(check.errors, fmt.Sprintf("phone number too short: %s", phone))
		check.confidence = 0.3
	case len(cleaned) > 15:
		check.warnings = append(check.warnings, fmt.Sprintf("phone number unusually long: %s", phone))
		check.confidence = 0.7
	default:
		check.corrected = cleaned
	}
}

func validateDate(check *fieldCheck, value any) {
	raw, ok := value.(string)
	if !ok {
		check.errors = append(check.errors, "date must be a string")
		check.confidence = 0.0
		return
	}
	parsed, ok := parseDate(strings.TrimSpace(raw))
	if !ok {
		check.errors = append(check.errors, fmt.Sprintf("invalid date format: %s", raw))
		check.confidence = 0.1
		return
	}
	check.corrected = parsed.Format("2006-01-02")
	if parsed.Year() < 1900 || parsed.Year() > time.Now().Year()+10 {
		check.warnings = append(check.warnings, fmt.Sprintf("date seems unusual: %s", raw))
		check.confidence = 0.7
	}
}

func validateNumber(check *fieldCheck, value any) {
	n, ok := asFloat(value)
	if !ok {
		raw, isStr := value.(string)
		if !isStr {
			check.errors = append(check.errors, fmt.Sprintf("value is not numeric: %v", value))
			check.confidence = 0.1
			return
		}
		cleaned := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' || r == '-' {
				return r
			}
			return -1
		}, raw)
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			check.errors = append(check.errors, fmt.Sprintf("no numeric content found: %s", raw))
			check.confidence = 0.1
			return
		}
		n = parsed
	}
	check.corrected = n

	if n < 0 {
		check.warnings = append(check.warnings, "negative value detected")
		check.confidence = 0.8
	} else if n > 1_000_000_000 {
		check.warnings = append(check.warnings, "very large number detected")
		check.confidence = 0.8
	}
}

func validateString(check *fieldCheck, value any) {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprintf("%v", value)
	}
	cleaned := strings.TrimSpace(s)
	check.corrected = cleaned

	if cleaned == "" {
		check.warnings = append(check.warnings, "empty string value")
		check.confidence = 0.5
	} else if len(cleaned) > 1000 {
		check.warnings = append(check.warnings, "very long string value")
		check.confidence = 0.8
	}
}

func validateArray(check *fieldCheck, value any) {
	arr, _ := value.([]any)
	if len(arr) == 0 {
		check.warnings = append(check.warnings, "empty array")
		check.confidence = 0.5
	} else if len(arr) > 100 {
		check.warnings = append(check.warnings, "very large array")
		check.confidence = 0.8
	}
}

// crossFieldChecks applies the document-type relationship rules over the
// corrected fields.
func crossFieldChecks(fields map[string]any, docType string) (errors, warnings []string) {
	switch docType {
	case "invoice":
		subtotal, okS := getFloat(fields, "subtotal")
		tax, okT := getFloat(fields, "tax_amount")
		total, okTot := getFloat(fields, "total_amount")
		if okS && okT && okTot {
			calculated := subtotal + tax
			if calculated-total > 0.01 || total-calculated > 0.01 {
				warnings = append(warnings, fmt.Sprintf("total amount mismatch: %.2f vs calculated %.2f", total, calculated))
			}
		}
		invDate, okInv := parseDateField(fields, "invoice_date")
		dueDate, okDue := parseDateField(fields, "due_date")
		if okInv && okDue && dueDate.Before(invDate) {
			errors = append(errors, "due date cannot be before invoice date")
		}

	case "contract":
		effective, okEff := parseDateField(fields, "effective_date")
		expiration, okExp := parseDateField(fields, "expiration_date")
		if okEff && okExp && !expiration.After(effective) {
			errors = append(errors, "expiration date must be after effective date")
		}

	case "financial_statement":
		assets, okA := getFloat(fields, "total_assets")
		liabilities, okL := getFloat(fields, "total_liabilities")
		equity, okE := getFloat(fields, "total_equity")
		if okA && okL && okE {
			diff := assets - (liabilities + equity)
			if diff > 0.01 || diff < -0.01 {
				warnings = append(warnings, "assets do not equal liabilities plus equity")
			}
		}
	}
	return errors, warnings
}

func parseDateField(fields map[string]any, key string) (time.Time, bool) {
	raw := getString(fields, key)
	if raw == "" {
		return time.Time{}, false
	}
	return parseDate(raw)
}
