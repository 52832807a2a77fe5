// Package pipeline implements the workflow coordination engine that drives a
// document through the processing stage sequence.
//
// The Coordinator is a pure routing function: given the current processing
// record it returns the next action, either running a named stage or
// terminating the run. The Engine owns the run loop around it: it executes
// stages through a wrapper that enforces the history and no-throw contracts,
// checkpoints the record after every stage transition, and suspends runs that
// need a human decision until Resume is called with reviewer feedback.
package pipeline
