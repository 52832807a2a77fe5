package contracts

// ProcessingConfig is the immutable configuration snapshot a record carries
// for its whole run. Re-running with different settings means a new record;
// nothing mutates this mid-run.
type ProcessingConfig struct {
	// ConfidenceThreshold is the minimum stage confidence considered solid.
	ConfidenceThreshold float64 `yaml:"confidenceThreshold" json:"confidenceThreshold"`
	// AutoApproveThreshold is the overall confidence above which no review
	// is requested.
	AutoApproveThreshold float64 `yaml:"autoApproveThreshold" json:"autoApproveThreshold"`
	// RequireReviewThreshold is the overall confidence below which a review
	// is always requested.
	RequireReviewThreshold float64 `yaml:"requireReviewThreshold" json:"requireReviewThreshold"`
	// EscalationThreshold is the overall confidence below which a review is
	// created at urgent priority.
	EscalationThreshold float64 `yaml:"escalationThreshold" json:"escalationThreshold"`
	// AnomalyThreshold is the minimum anomaly confidence that raises the
	// review flag.
	AnomalyThreshold float64 `yaml:"anomalyThreshold" json:"anomalyThreshold"`
	// MaxContentBytes bounds ingested content size.
	MaxContentBytes int64 `yaml:"maxContentBytes" json:"maxContentBytes"`
	// SupportedFileTypes lists the file kinds ingestion accepts.
	SupportedFileTypes []string `yaml:"supportedFileTypes" json:"supportedFileTypes"`
	// ApprovedVendors is the vendor whitelist checked by rule evaluation.
	ApprovedVendors []string `yaml:"approvedVendors" json:"approvedVendors"`
}

// DefaultProcessingConfig returns the standard thresholds.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		ConfidenceThreshold:    0.8,
		AutoApproveThreshold:   0.85,
		RequireReviewThreshold: 0.4,
		EscalationThreshold:    0.2,
		AnomalyThreshold:       0.7,
		MaxContentBytes:        50 * 1024 * 1024,
		SupportedFileTypes:     []string{"pdf", "docx", "txt", "png", "jpg"},
		ApprovedVendors:        []string{"acme corp", "global supplies", "tech solutions inc"},
	}
}
