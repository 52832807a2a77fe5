package stages

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// Extractor is the pluggable primary extraction backend. A nil or failing
// backend drops the stage into the deterministic rule-based fallback.
type Extractor interface {
	Extract(ctx context.Context, content, documentType string, metadata map[string]string) (*Extraction, error)
}

// Extraction is the structured data pulled out of a document.
type Extraction struct {
	Fields     map[string]any
	Entities   map[string]any
	Temporal   map[string]any
	Financial  map[string]any
	Confidence float64
	Method     string
}

var (
	labeledLineRe = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 _#./-]{0,40}?)\s*[:=]\s*(\S.*)$`)
	emailRe       = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe       = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	dateRe        = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)
	isoDateRe     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	currencyRe    = regexp.MustCompile(`\$\d+(?:,\d{3})*(?:\.\d{2})?`)
	numberRe      = regexp.MustCompile(`\b\d+(?:,\d{3})*(?:\.\d{2})?\b`)
)

// fieldSynonyms maps label variants found in documents onto the canonical
// field names the rule and validation stages reason over.
var fieldSynonyms = map[string]string{
	"invoice_no":      "invoice_number",
	"invoice_num":     "invoice_number",
	"invoice":         "invoice_number",
	"inv":             "invoice_number",
	"vendor":          "vendor_name",
	"supplier":        "vendor_name",
	"seller":          "vendor_name",
	"customer":        "customer_name",
	"client":          "customer_name",
	"bill_to":         "customer_name",
	"total":           "total_amount",
	"amount_due":      "total_amount",
	"total_due":       "total_amount",
	"balance_due":     "total_amount",
	"grand_total":     "total_amount",
	"tax":             "tax_amount",
	"sub_total":       "subtotal",
	"contract_amount": "contract_value",
	"value":           "contract_value",
	"start_date":      "effective_date",
	"effective":       "effective_date",
	"expiry_date":     "expiration_date",
	"expiration":      "expiration_date",
	"end_date":        "expiration_date",
	"company":         "company_name",
	"assets":          "total_assets",
	"liabilities":     "total_liabilities",
	"equity":          "total_equity",
}

// amountFields are parsed into numbers when the value looks monetary.
var amountFields = map[string]bool{
	"total_amount":      true,
	"tax_amount":        true,
	"subtotal":          true,
	"contract_value":    true,
	"total_assets":      true,
	"total_liabilities": true,
	"total_equity":      true,
	"amount":            true,
	"price":             true,
	"fee":               true,
	"revenue":           true,
}

// ExtractionStage pulls structured fields out of the document text.
type ExtractionStage struct {
	backend Extractor
	logger  *slog.Logger
}

// NewExtraction creates the extraction stage. backend may be nil.
func NewExtraction(backend Extractor, logger *slog.Logger) *ExtractionStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionStage{
		backend: backend,
		logger:  logger.With("stage", contracts.StageExtraction),
	}
}

// Name implements pipeline.Stage.
func (s *ExtractionStage) Name() contracts.StageName { return contracts.StageExtraction }

// Execute implements pipeline.Stage.
func (s *ExtractionStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	if cls := record.ResultFor(contracts.StageClassification); cls == nil || !cls.Success {
		return nil, fmt.Errorf("cannot extract: classification did not complete")
	}
	content := strings.TrimSpace(record.Document.Content)
	if content == "" {
		return nil, fmt.Errorf("no content available for extraction")
	}

	docType := documentType(record)

	var result *Extraction
	if s.backend != nil {
		backendResult, err := s.backend.Extract(ctx, content, docType, record.Document.Metadata)
		if err != nil {
			s.logger.Warn("primary extractor failed, using rule-based fallback",
				"sessionId", record.SessionID,
				"error", err,
			)
		} else {
			result = backendResult
		}
	}
	if result == nil {
		result = fallbackExtract(content)
	}

	nonNull := 0
	for _, v := range result.Fields {
		if v != nil {
			nonNull++
		}
	}

	return &pipeline.StageOutcome{
		Confidence: result.Confidence,
		Data: map[string]any{
			"fieldCount":       len(result.Fields),
			"nonNullFields":    nonNull,
			"extractionMethod": result.Method,
			"documentType":     docType,
		},
		Derived: map[string]any{
			"fields":           result.Fields,
			"entities":         result.Entities,
			"temporal":         result.Temporal,
			"financial":        result.Financial,
			"confidence":       result.Confidence,
			"extractionMethod": result.Method,
		},
	}, nil
}

// fallbackExtract is the deterministic extraction path: labeled "key: value"
// lines become canonical fields, then pattern sweeps collect emails, phones,
// dates and amounts that no label claimed.
func fallbackExtract(content string) *Extraction {
	fields := make(map[string]any)

	for _, line := range strings.Split(content, "\n") {
		m := labeledLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := canonicalFieldName(m[1])
		if key == "" {
			continue
		}
		if _, exists := fields[key]; exists {
			continue
		}
		fields[key] = fieldValue(key, strings.TrimSpace(m[2]))
	}

	patterns := []struct {
		name string
		re   *regexp.Regexp
	}{
		{"email", emailRe},
		{"phone", phoneRe},
		{"date", dateRe},
		{"currency", currencyRe},
		{"number", numberRe},
	}
	for _, p := range patterns {
		matches := p.re.FindAllString(content, 5)
		if len(matches) > 0 {
			fields[p.name+"_matches"] = toAnySlice(matches)
		}
	}

	dates := append(dateRe.FindAllString(content, 10), isoDateRe.FindAllString(content, 10)...)
	amounts := currencyRe.FindAllString(content, 10)

	var organizations []any
	for _, key := range []string{"vendor_name", "customer_name", "company_name"} {
		if name, ok := fields[key].(string); ok && name != "" {
			organizations = append(organizations, name)
		}
	}

	// Labeled fields lift confidence above the bare pattern-sweep floor.
	labeled := 0
	for key := range fields {
		if !strings.HasSuffix(key, "_matches") {
			labeled++
		}
	}
	confidence := min(0.8, 0.3+0.05*float64(labeled))

	return &Extraction{
		Fields: fields,
		Entities: map[string]any{
			"organizations": organizations,
		},
		Temporal: map[string]any{
			"dates": toAnySlice(dates),
		},
		Financial: map[string]any{
			"amounts": toAnySlice(amounts),
		},
		Confidence: confidence,
		Method:     "rule_based_fallback",
	}
}

// canonicalFieldName lowercases a document label, collapses separators and
// maps known synonyms. Returns "" for labels too generic to keep.
func canonicalFieldName(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer("#", "", ".", "", "/", "_", "-", "_", " ", "_").Replace(key)
	key = strings.Trim(key, "_")
	for strings.Contains(key, "__") {
		key = strings.ReplaceAll(key, "__", "_")
	}
	if key == "" || len(key) < 2 {
		return ""
	}
	if canonical, ok := fieldSynonyms[key]; ok {
		return canonical
	}
	return key
}

// fieldValue parses monetary fields into numbers and leaves the rest as
// trimmed strings.
func fieldValue(key, raw string) any {
	if amountFields[key] || strings.HasPrefix(raw, "$") {
		cleaned := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' || r == '-' {
				return r
			}
			return -1
		}, raw)
		if n, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return n
		}
	}
	return raw
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
