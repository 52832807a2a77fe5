// Package contracts provides the data model shared by every part of the
// document pipeline.
//
// The central type is ProcessingRecord: the single mutable record a document
// carries through the stage sequence. Everything the stages produce lands on
// the record as namespaced derived data, stage results, and append-only
// history entries. The package also defines the stage name enumeration with
// its ordered transition table, the human review types, and the base
// message/event types used for lifecycle notifications.
//
// All types are designed to be JSON-serializable so records can be
// checkpointed and restored without loss.
package contracts
