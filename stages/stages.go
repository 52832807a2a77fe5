package stages

import (
	"log/slog"

	"github.com/glimte/docflow-go/pipeline"
)

// Backends carries the optional pluggable pieces. Zero value means fully
// deterministic processing.
type Backends struct {
	Classifier Classifier
	Extractor  Extractor
	Rules      []BusinessRule
}

// All returns the complete stage set in sequence order, ready for
// Engine.RegisterStages.
func All(backends Backends, logger *slog.Logger) []pipeline.Stage {
	return []pipeline.Stage{
		NewIngestion(logger),
		NewClassification(backends.Classifier, logger),
		NewExtraction(backends.Extractor, logger),
		NewValidation(logger),
		NewRuleEvaluation(backends.Rules, logger),
		NewAnomalyDetection(logger),
		NewHumanReview(logger),
		NewAuditLearning(logger),
	}
}
