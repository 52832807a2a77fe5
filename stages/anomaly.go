package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// Anomaly is one suspicious finding in the working fields.
type Anomaly struct {
	Type           string
	Severity       string
	Description    string
	Confidence     float64
	AffectedFields []string
}

// severityRank orders severities for sorting; lower ranks sort first.
var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

// expectedRanges are the plausible bounds for numeric fields per document
// type. Values outside land a statistical outlier.
var expectedRanges = map[string]map[string][2]float64{
	"invoice": {
		"total_amount": {0, 100000},
		"tax_amount":   {0, 10000},
		"subtotal":     {0, 90000},
	},
	"contract": {
		"contract_value": {0, 10000000},
	},
	"financial_statement": {
		"total_assets":      {0, 1000000000},
		"total_liabilities": {0, 1000000000},
		"revenue":           {0, 1000000000},
	},
}

// AnomalyDetectionStage sweeps the working fields for statistical outliers,
// document-type rule violations and suspicious text patterns. High or
// critical findings pull a human into the loop.
type AnomalyDetectionStage struct {
	logger *slog.Logger
}

// NewAnomalyDetection creates the anomaly stage.
func NewAnomalyDetection(logger *slog.Logger) *AnomalyDetectionStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyDetectionStage{logger: logger.With("stage", contracts.StageAnomalyDetection)}
}

// Name implements pipeline.Stage.
func (s *AnomalyDetectionStage) Name() contracts.StageName { return contracts.StageAnomalyDetection }

// Execute implements pipeline.Stage.
func (s *AnomalyDetectionStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	fields := workingFields(record)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no data available for anomaly detection")
	}
	docType := documentType(record)

	var anomalies []Anomaly
	anomalies = append(anomalies, rangeAnomalies(fields, docType)...)
	switch docType {
	case "invoice":
		anomalies = append(anomalies, invoiceAnomalies(fields)...)
	case "contract":
		anomalies = append(anomalies, contractAnomalies(fields)...)
	case "financial_statement":
		anomalies = append(anomalies, financialAnomalies(fields)...)
	}
	anomalies = append(anomalies, textAnomalies(fields)...)
	anomalies = append(anomalies, dateFormatAnomalies(fields)...)

	anomalies = dedupeAnomalies(anomalies)
	sort.SliceStable(anomalies, func(i, j int) bool {
		return rankOf(anomalies[i].Severity) < rankOf(anomalies[j].Severity)
	})

	highOrCritical := 0
	typeSet := make(map[string]bool)
	out := make([]any, 0, len(anomalies))
	for _, a := range anomalies {
		if a.Severity == "high" || a.Severity == "critical" {
			highOrCritical++
		}
		typeSet[a.Type] = true
		out = append(out, map[string]any{
			"anomalyType":    a.Type,
			"severity":       a.Severity,
			"description":    a.Description,
			"confidence":     a.Confidence,
			"affectedFields": toAnySlice(a.AffectedFields),
		})
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)

	confidence := max(0.1, 1.0-0.1*float64(len(anomalies)))

	if len(anomalies) > 0 {
		s.logger.Info("anomalies detected",
			"sessionId", record.SessionID,
			"count", len(anomalies),
			"highOrCritical", highOrCritical,
		)
	}

	return &pipeline.StageOutcome{
		Confidence:          confidence,
		RequiresHumanReview: highOrCritical > 0,
		Data: map[string]any{
			"anomalyCount":        len(anomalies),
			"highOrCriticalCount": highOrCritical,
			"anomalyTypes":        toAnySlice(types),
		},
		Derived: map[string]any{
			"anomalies":           out,
			"anomalyCount":        len(anomalies),
			"highOrCriticalCount": highOrCritical,
			"anomalyTypes":        toAnySlice(types),
			"requiresHumanReview": highOrCritical > 0,
		},
	}, nil
}

func rankOf(severity string) int {
	if rank, ok := severityRank[severity]; ok {
		return rank
	}
	return 4
}

func rangeAnomalies(fields map[string]any, docType string) []Anomaly {
	var anomalies []Anomaly
	ranges := expectedRanges[docType]

	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bounds := ranges[name]
		value, ok := getFloat(fields, name)
		if !ok {
			continue
		}
		if value < bounds[0] || value > bounds[1] {
			severity := "medium"
			if value < 0 || value > bounds[1]*2 {
				severity = "high"
			}
			anomalies = append(anomalies, Anomaly{
				Type:           "statistical_outlier",
				Severity:       severity,
				Description:    fmt.Sprintf("%s value %g is outside expected range (%g-%g)", name, value, bounds[0], bounds[1]),
				Confidence:     0.8,
				AffectedFields: []string{name},
			})
		}
	}
	return anomalies
}

func invoiceAnomalies(fields map[string]any) []Anomaly {
	var anomalies []Anomaly

	for _, field := range []string{"total_amount", "subtotal", "tax_amount"} {
		if value, ok := getFloat(fields, field); ok && value < 0 {
			anomalies = append(anomalies, Anomaly{
				Type:           "negative_amount",
				Severity:       "high",
				Description:    fmt.Sprintf("negative %s: %g", field, value),
				Confidence:     0.9,
				AffectedFields: []string{field},
			})
		}
	}

	subtotal, okS := getFloat(fields, "subtotal")
	tax, okT := getFloat(fields, "tax_amount")
	if okS && okT && subtotal > 0 {
		rate := tax / subtotal * 100
		if rate > 50 {
			anomalies = append(anomalies, Anomaly{
				Type:           "unusual_tax_rate",
				Severity:       "medium",
				Description:    fmt.Sprintf("unusually high tax rate: %.1f%%", rate),
				Confidence:     0.7,
				AffectedFields: []string{"tax_amount", "subtotal"},
			})
		}
	}

	if total, ok := getFloat(fields, "total_amount"); ok && total > 1000 && math.Mod(total, 100) == 0 {
		anomalies = append(anomalies, Anomaly{
			Type:           "round_number",
			Severity:       "low",
			Description:    fmt.Sprintf("total amount is a round number: %g", total),
			Confidence:     0.5,
			AffectedFields: []string{"total_amount"},
		})
	}
	return anomalies
}

func contractAnomalies(fields map[string]any) []Anomaly {
	var anomalies []Anomaly

	effective, okEff := parseDateField(fields, "effective_date")
	expiration, okExp := parseDateField(fields, "expiration_date")
	if okEff && okExp {
		durationDays := int(expiration.Sub(effective).Hours() / 24)
		if durationDays < 30 {
			anomalies = append(anomalies, Anomaly{
				Type:           "short_contract_duration",
				Severity:       "medium",
				Description:    fmt.Sprintf("very short contract duration: %d days", durationDays),
				Confidence:     0.7,
				AffectedFields: []string{"effective_date", "expiration_date"},
			})
		} else if durationDays > 3650 {
			anomalies = append(anomalies, Anomaly{
				Type:           "long_contract_duration",
				Severity:       "medium",
				Description:    fmt.Sprintf("very long contract duration: %d days (%.1f years)", durationDays, float64(durationDays)/365),
				Confidence:     0.7,
				AffectedFields: []string{"effective_date", "expiration_date"},
			})
		}
	}

	if value, ok := getFloat(fields, "contract_value"); ok && value == 0 {
		anomalies = append(anomalies, Anomaly{
			Type:           "zero_value_contract",
			Severity:       "medium",
			Description:    "contract has zero value",
			Confidence:     0.8,
			AffectedFields: []string{"contract_value"},
		})
	}
	return anomalies
}

func financialAnomalies(fields map[string]any) []Anomaly {
	var anomalies []Anomaly

	assets, okA := getFloat(fields, "total_assets")
	liabilities, okL := getFloat(fields, "total_liabilities")
	equity, okE := getFloat(fields, "total_equity")
	if okA && okL && okE {
		difference := math.Abs(assets - (liabilities + equity))
		tolerance := max(math.Abs(assets)*0.01, 1000)
		if difference > tolerance {
			anomalies = append(anomalies, Anomaly{
				Type:           "accounting_equation_imbalance",
				Severity:       "high",
				Description:    fmt.Sprintf("accounting equation imbalance: assets (%g) != liabilities (%g) + equity (%g)", assets, liabilities, equity),
				Confidence:     0.9,
				AffectedFields: []string{"total_assets", "total_liabilities", "total_equity"},
			})
		}
	}

	if okE && equity < 0 {
		anomalies = append(anomalies, Anomaly{
			Type:           "negative_equity",
			Severity:       "high",
			Description:    fmt.Sprintf("negative equity: %g", equity),
			Confidence:     0.9,
			AffectedFields: []string{"total_equity"},
		})
	}
	return anomalies
}

func textAnomalies(fields map[string]any) []Anomaly {
	var anomalies []Anomaly

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	nonNull := 0
	for _, name := range names {
		if fields[name] != nil {
			nonNull++
		}
		value, ok := fields[name].(string)
		if !ok {
			continue
		}

		// Few distinct characters in a long value usually means OCR noise.
		if len(value) > 10 && distinctChars(value) < int(float64(len(value))*0.3) {
			anomalies = append(anomalies, Anomaly{
				Type:           "repeated_characters",
				Severity:       "low",
				Description:    fmt.Sprintf("field %s has many repeated characters, possible OCR error", name),
				Confidence:     0.6,
				AffectedFields: []string{name},
			})
		}
		if len(value) > 5 && strings.Count(value, "X") > len(value)/2 {
			anomalies = append(anomalies, Anomaly{
				Type:           "placeholder_text",
				Severity:       "medium",
				Description:    fmt.Sprintf("field %s appears to contain placeholder text", name),
				Confidence:     0.7,
				AffectedFields: []string{name},
			})
		}
	}

	if nonNull < 3 {
		anomalies = append(anomalies, Anomaly{
			Type:           "insufficient_data",
			Severity:       "high",
			Description:    fmt.Sprintf("very few fields extracted: only %d non-null fields", nonNull),
			Confidence:     0.8,
			AffectedFields: []string{"all"},
		})
	}
	return anomalies
}

func dateFormatAnomalies(fields map[string]any) []Anomaly {
	var dateFields []string
	formats := make(map[string]bool)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !strings.Contains(strings.ToLower(name), "date") {
			continue
		}
		value, ok := fields[name].(string)
		if !ok || value == "" {
			continue
		}
		dateFields = append(dateFields, name)
		switch {
		case strings.Contains(value, "/"):
			formats["slash"] = true
		case strings.Contains(value, "-"):
			formats["dash"] = true
		case strings.Contains(value, "."):
			formats["dot"] = true
		}
	}

	if len(formats) > 1 {
		return []Anomaly{{
			Type:           "inconsistent_date_formats",
			Severity:       "low",
			Description:    fmt.Sprintf("inconsistent date formats detected across %d date fields", len(dateFields)),
			Confidence:     0.6,
			AffectedFields: dateFields,
		}}
	}
	return nil
}

func distinctChars(s string) int {
	set := make(map[rune]bool)
	for _, r := range s {
		set[r] = true
	}
	return len(set)
}

// dedupeAnomalies drops repeat findings keyed by type plus affected fields.
func dedupeAnomalies(anomalies []Anomaly) []Anomaly {
	seen := make(map[string]bool)
	out := anomalies[:0]
	for _, a := range anomalies {
		sorted := append([]string(nil), a.AffectedFields...)
		sort.Strings(sorted)
		key := a.Type + "|" + strings.Join(sorted, ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}
