package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/pipeline"
)

// Ingestion validates the incoming document and scores its content quality.
// Content extraction itself (PDF parsing, OCR) happens upstream; this stage
// works on the text it is handed.
type Ingestion struct {
	logger *slog.Logger
}

// NewIngestion creates the ingestion stage.
func NewIngestion(logger *slog.Logger) *Ingestion {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestion{logger: logger.With("stage", contracts.StageIngestion)}
}

// Name implements pipeline.Stage.
func (s *Ingestion) Name() contracts.StageName { return contracts.StageIngestion }

// Execute implements pipeline.Stage.
func (s *Ingestion) Execute(ctx context.Context, record *contracts.ProcessingRecord) (*pipeline.StageOutcome, error) {
	doc := record.Document
	cfg := record.Config

	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return nil, fmt.Errorf("document has no content")
	}
	if cfg.MaxContentBytes > 0 && int64(len(doc.Content)) > cfg.MaxContentBytes {
		return nil, fmt.Errorf("content size %d exceeds limit %d", len(doc.Content), cfg.MaxContentBytes)
	}
	if doc.FileType != "" && len(cfg.SupportedFileTypes) > 0 && !supportedType(doc.FileType, cfg.SupportedFileTypes) {
		return nil, fmt.Errorf("unsupported file type %q", doc.FileType)
	}

	quality := analyzeContent(content)
	confidence := ingestionConfidence(quality, doc.FileType)

	s.logger.Debug("content analyzed",
		"sessionId", record.SessionID,
		"words", quality.wordCount,
		"qualityScore", quality.qualityScore,
	)

	return &pipeline.StageOutcome{
		Confidence: confidence,
		Data: map[string]any{
			"wordCount":    quality.wordCount,
			"qualityScore": quality.qualityScore,
			"fileType":     doc.FileType,
		},
		Derived: map[string]any{
			"wordCount":         quality.wordCount,
			"charCount":         quality.charCount,
			"lineCount":         quality.lineCount,
			"nonEmptyLines":     quality.nonEmptyLines,
			"alphaRatio":        quality.alphaRatio,
			"qualityScore":      quality.qualityScore,
			"meaningfulContent": quality.meaningful,
		},
	}, nil
}

func supportedType(fileType string, supported []string) bool {
	ft := strings.ToLower(strings.TrimPrefix(fileType, "."))
	if ft == "jpeg" {
		ft = "jpg"
	}
	for _, s := range supported {
		if strings.ToLower(s) == ft {
			return true
		}
	}
	return false
}

type contentQuality struct {
	wordCount     int
	charCount     int
	lineCount     int
	nonEmptyLines int
	alphaRatio    float64
	qualityScore  float64
	meaningful    bool
}

func analyzeContent(content string) contentQuality {
	lines := strings.Split(content, "\n")
	words := strings.Fields(content)

	q := contentQuality{
		wordCount:  len(words),
		charCount:  len(content),
		lineCount:  len(lines),
		meaningful: len(words) > 10,
	}
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			q.nonEmptyLines++
		}
	}

	alpha := 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	q.alphaRatio = float64(alpha) / float64(max(len(content), 1))

	if q.wordCount > 10 && q.alphaRatio > 0.5 {
		q.qualityScore = min(1.0, float64(q.wordCount)/100*q.alphaRatio)
	} else {
		q.qualityScore = 0.1
	}
	return q
}

// fileTypeConfidence is the reliability prior per source kind: native text
// formats beat OCR-dependent images.
var fileTypeConfidence = map[string]float64{
	"txt":  0.95,
	"docx": 0.90,
	"pdf":  0.85,
	"jpg":  0.70,
	"jpeg": 0.70,
	"png":  0.75,
}

func ingestionConfidence(q contentQuality, fileType string) float64 {
	base := 0.5 + q.qualityScore*0.3

	typeConf, ok := fileTypeConfidence[strings.ToLower(strings.TrimPrefix(fileType, "."))]
	if !ok {
		typeConf = 0.5
	}
	confidence := (base + typeConf) / 2
	if !q.meaningful {
		confidence *= 0.3
	}
	return min(1.0, confidence)
}
