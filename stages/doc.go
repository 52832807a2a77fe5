// Package stages provides the eight concrete pipeline stages.
//
// Each stage reads the namespaces earlier stages wrote on the processing
// record and returns its own outcome; no stage touches another stage's
// output. Classification and extraction accept a pluggable primary backend
// and fall back to deterministic heuristics when the backend errors, so the
// pipeline stays functional without one.
//
// Derived data is stored as plain JSON-compatible values (strings, float64,
// []any, map[string]any) because records round-trip through the checkpointer
// between stages of a resumed run.
package stages
