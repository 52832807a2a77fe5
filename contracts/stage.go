package contracts

// StageName identifies a processing stage in the pipeline.
type StageName string

const (
	StageIngestion        StageName = "ingestion"
	StageClassification   StageName = "classification"
	StageExtraction       StageName = "extraction"
	StageValidation       StageName = "validation"
	StageRuleEvaluation   StageName = "rule_evaluation"
	StageAnomalyDetection StageName = "anomaly_detection"
	StageHumanReview      StageName = "human_review"
	StageAuditLearning    StageName = "audit_learning"
)

// StageSequence is the canonical stage order. Routing decisions walk this
// table; there is no other source of truth for stage ordering.
var StageSequence = []StageName{
	StageIngestion,
	StageClassification,
	StageExtraction,
	StageValidation,
	StageRuleEvaluation,
	StageAnomalyDetection,
	StageHumanReview,
	StageAuditLearning,
}

var stageIndex = func() map[StageName]int {
	m := make(map[StageName]int, len(StageSequence))
	for i, s := range StageSequence {
		m[s] = i
	}
	return m
}()

// IsValid reports whether s names a known stage.
func (s StageName) IsValid() bool {
	_, ok := stageIndex[s]
	return ok
}

// Index returns the position of s in the stage sequence, or -1 if s is not a
// known stage.
func (s StageName) Index() int {
	i, ok := stageIndex[s]
	if !ok {
		return -1
	}
	return i
}

// NextStage returns the stage that follows s in the sequence. ok is false
// when s is the last stage or unknown.
func NextStage(s StageName) (next StageName, ok bool) {
	i, found := stageIndex[s]
	if !found || i+1 >= len(StageSequence) {
		return "", false
	}
	return StageSequence[i+1], true
}

// SoftFailable reports whether a failure in s allows the pipeline to continue
// with the next stage. Failures in the remaining stages divert straight to
// audit because later stages cannot run without their output.
func (s StageName) SoftFailable() bool {
	switch s {
	case StageValidation, StageRuleEvaluation, StageAnomalyDetection:
		return true
	}
	return false
}
