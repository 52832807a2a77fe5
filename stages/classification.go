package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// Classifier is the pluggable primary classification backend. A nil or
// failing backend drops the stage into the deterministic keyword fallback.
type Classifier interface {
	Classify(ctx context.Context, content string, metadata map[string]string) (*Classification, error)
}

// Classification is a label with its supporting evidence.
type Classification struct {
	Label         string
	Confidence    float64
	Reasoning     string
	Alternatives  []LabelScore
	KeyIndicators []string
}

// LabelScore ranks an alternative label.
type LabelScore struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// labelProfile holds the keyword evidence for one label of the closed set.
type labelProfile struct {
	keywords []string
	patterns []string
}

// labelProfiles is the closed label set. Keywords count single, patterns
// double; "other" is the empty fallback.
var labelProfiles = map[string]labelProfile{
	"invoice": {
		keywords: []string{"invoice", "bill", "amount due", "payment terms", "tax", "total", "subtotal", "due date", "vendor", "customer", "payment", "billing", "charge", "cost", "price", "fee", "amount", "balance", "receipt", "statement"},
		patterns: []string{"invoice number", "due date", "billing address", "line items", "invoice #", "inv #", "bill #", "amount:", "$", "total:", "subtotal:", "tax:", "due:", "from:", "to:", "vendor:", "customer:", "client:", "company:", "corp", "ltd", "llc", "inc"},
	},
	"contract": {
		keywords: []string{"agreement", "contract", "terms", "conditions", "parties", "signature", "effective date"},
		patterns: []string{"whereas", "party of the first part", "terms and conditions", "governing law"},
	},
	"resume": {
		keywords: []string{"experience", "education", "skills", "employment", "qualifications", "objective"},
		patterns: []string{"work experience", "education section", "contact information", "skills section"},
	},
	"financial_statement": {
		keywords: []string{"balance sheet", "income statement", "cash flow", "assets", "liabilities", "revenue"},
		patterns: []string{"financial year", "accounting period", "audited", "unaudited"},
	},
	"legal_document": {
		keywords: []string{"court", "plaintiff", "defendant", "jurisdiction", "legal", "statute", "law"},
		patterns: []string{"case number", "court filing", "legal citation", "whereas"},
	},
	"medical_record": {
		keywords: []string{"patient", "diagnosis", "treatment", "medical", "doctor", "hospital", "prescription"},
		patterns: []string{"patient name", "date of birth", "medical record number", "diagnosis"},
	},
	"research_paper": {
		keywords: []string{"abstract", "introduction", "methodology", "results", "conclusion", "references", "citation"},
		patterns: []string{"abstract section", "literature review", "bibliography", "peer review"},
	},
	"technical_manual": {
		keywords: []string{"manual", "instructions", "procedure", "technical", "specifications", "installation"},
		patterns: []string{"step-by-step", "technical specifications", "troubleshooting", "user guide"},
	},
	"email": {
		keywords: []string{"from", "to", "subject", "sent", "received", "reply", "forward"},
		patterns: []string{"email header", "sender", "recipient", "timestamp"},
	},
	"report": {
		keywords: []string{"report", "analysis", "summary", "findings", "recommendations", "executive summary"},
		patterns: []string{"executive summary", "key findings", "methodology", "recommendations"},
	},
}

// ClassificationStage assigns one label from the closed set.
type ClassificationStage struct {
	backend Classifier
	logger  *slog.Logger
}

// NewClassification creates the classification stage. backend may be nil.
func NewClassification(backend Classifier, logger *slog.Logger) *ClassificationStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassificationStage{
		backend: backend,
		logger:  logger.With("stage", contracts.StageClassification),
	}
}

// Name implements pipeline.Stage.
func (s *ClassificationStage) Name() contracts.StageName { return contracts.StageClassification }

// Execute implements pipeline.Stage.
func (s *ClassificationStage) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	if ing := record.ResultFor(contracts.StageIngestion); ing == nil || !ing.Success {
		return nil, fmt.Errorf("cannot classify: ingestion did not complete")
	}

	content := record.Document.Content
	bias := detectInvoiceBias(record.Document.FileName, content)

	var result *Classification
	if s.backend != nil {
		backendResult, err := s.backend.Classify(ctx, content, record.Document.Metadata)
		if err != nil {
			s.logger.Warn("primary classifier failed, using keyword fallback",
				"sessionId", record.SessionID,
				"error", err,
			)
		} else {
			result = backendResult
		}
	}
	if result == nil {
		result = keywordClassify(content, bias)
	}

	alternatives := make([]any, 0, len(result.Alternatives))
	for _, alt := range result.Alternatives {
		alternatives = append(alternatives, map[string]any{"label": alt.Label, "confidence": alt.Confidence})
	}

	return &pipeline.StageOutcome{
		Confidence: result.Confidence,
		Data: map[string]any{
			"documentType": result.Label,
			"reasoning":    result.Reasoning,
		},
		Derived: map[string]any{
			"documentType":  result.Label,
			"confidence":    result.Confidence,
			"reasoning":     result.Reasoning,
			"alternatives":  alternatives,
			"keyIndicators": result.KeyIndicators,
		},
	}, nil
}

// detectInvoiceBias checks filename and content for strong invoice signals.
// Invoices dominate real traffic, so ambiguous documents lean that way.
func detectInvoiceBias(fileName, content string) bool {
	nameLower := strings.ToLower(fileName)
	for _, indicator := range []string{"invoice", "bill", "receipt", "statement", "inv"} {
		if strings.Contains(nameLower, indicator) {
			return true
		}
	}

	contentLower := strings.ToLower(content)
	strongIndicators := []string{
		"invoice #", "invoice number", "inv #", "bill #",
		"amount due", "total due", "payment due", "balance due",
		"invoice date", "due date", "billing date",
		"vendor:", "customer:", "bill to:", "invoice to:",
		"subtotal", "tax amount", "total amount", "$", "amount:", "total:", "cost:", "price:", "fee:",
	}
	hits := 0
	for _, indicator := range strongIndicators {
		if strings.Contains(contentLower, indicator) {
			hits++
		}
	}
	return hits >= 2
}

// keywordClassify scores every label by keyword and pattern hits. Keywords
// count 1, patterns 2, and a detected invoice bias adds 5 to the invoice
// score.
func keywordClassify(content string, invoiceBias bool) *Classification {
	contentLower := strings.ToLower(content)

	type labelScore struct {
		score      int
		indicators []string
	}
	scores := make(map[string]labelScore)

	for label, profile := range labelProfiles {
		score := 0
		var indicators []string
		for _, kw := range profile.keywords {
			if strings.Contains(contentLower, strings.ToLower(kw)) {
				score++
				indicators = append(indicators, kw)
			}
		}
		for _, p := range profile.patterns {
			if strings.Contains(contentLower, strings.ToLower(p)) {
				score += 2
				indicators = append(indicators, p)
			}
		}
		if score > 0 {
			scores[label] = labelScore{score: score, indicators: indicators}
		}
	}

	if invoiceBias {
		if s, ok := scores["invoice"]; ok {
			s.score += 5
			scores["invoice"] = s
		}
	}

	if len(scores) == 0 {
		return &Classification{
			Label:      "other",
			Confidence: 0.2,
			Reasoning:  "no clear classification indicators found",
		}
	}

	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if scores[labels[i]].score != scores[labels[j]].score {
			return scores[labels[i]].score > scores[labels[j]].score
		}
		return labels[i] < labels[j]
	})

	best := labels[0]
	bestScore := scores[best].score

	profile := labelProfiles[best]
	maxPossible := len(profile.keywords) + 2*len(profile.patterns)
	confidence := min(0.9, float64(bestScore)/float64(max(maxPossible, 1))*0.8+0.2)
	if invoiceBias && best == "invoice" {
		confidence = min(0.95, confidence+0.2)
	}

	var alternatives []LabelScore
	for _, label := range labels[1:] {
		alternatives = append(alternatives, LabelScore{
			Label:      label,
			Confidence: float64(scores[label].score) / float64(max(bestScore, 1)) * confidence,
		})
	}

	return &Classification{
		Label:         best,
		Confidence:    confidence,
		Reasoning:     fmt.Sprintf("keyword classification based on %d matching indicators", bestScore),
		Alternatives:  alternatives,
		KeyIndicators: scores[best].indicators,
	}
}
