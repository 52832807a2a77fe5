// Package reliability provides the retry policies used around checkpoint
// persistence. Policies are thread-safe; a single policy value can back many
// concurrent runs.
package reliability
