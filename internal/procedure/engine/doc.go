// Package engine advances procedure executions through their graphs. Each
// scheduling pass reloads the execution, walks node by node until it reaches
// a suspension point or a terminal status, and commits every step through
// the store's compare-and-swap transition. Human review decisions,
// integration results, cancellation, rollback, and version migration enter
// through the same discipline.
package engine
