package stages

import (
	"time"

	"github.com/glimte/docflow-go/contracts"
)

// Derived values survive a JSON round-trip through the checkpointer, so
// numbers may arrive as float64 and slices as []any. These helpers read them
// tolerantly.

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func getString(ns map[string]any, key string) string {
	if ns == nil {
		return ""
	}
	s, _ := asString(ns[key])
	return s
}

func getFloat(ns map[string]any, key string) (float64, bool) {
	if ns == nil {
		return 0, false
	}
	return asFloat(ns[key])
}

func getMap(ns map[string]any, key string) map[string]any {
	if ns == nil {
		return nil
	}
	m, _ := asMap(ns[key])
	return m
}

func getSlice(ns map[string]any, key string) []any {
	if ns == nil {
		return nil
	}
	s, _ := ns[key].([]any)
	return s
}

// documentType returns the label classification assigned, or "other" before
// classification has run.
func documentType(record *contracts.ProcessingRecord) string {
	label := getString(record.DerivedFor(contracts.StageClassification), "documentType")
	if label == "" {
		return "other"
	}
	return label
}

// workingFields returns the field map downstream stages should reason over:
// reviewer modifications win over validation's corrected fields, which win
// over the raw extracted fields.
func workingFields(record *contracts.ProcessingRecord) map[string]any {
	if fields := getMap(record.DerivedFor(contracts.StageHumanReview), "fields"); len(fields) > 0 {
		return fields
	}
	if fields := getMap(record.DerivedFor(contracts.StageValidation), "fields"); len(fields) > 0 {
		return fields
	}
	return getMap(record.DerivedFor(contracts.StageExtraction), "fields")
}

// stageConfidence returns the recorded confidence of a stage, defaulting to
// 1 when the stage has not run.
func stageConfidence(record *contracts.ProcessingRecord, stage contracts.StageName) float64 {
	if result := record.ResultFor(stage); result != nil {
		return result.Confidence
	}
	return 1.0
}

// parseDate accepts the formats the pipeline produces or commonly sees in
// extracted text.
func parseDate(value string) (time.Time, bool) {
	layouts := []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"1/2/2006",
		"01-02-2006",
		"1-2-2006",
		"01/02/06",
		"2006-01-02T15:04:05Z07:00",
		"Jan 2, 2006",
		"January 2, 2006",
		"2 Jan 2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
