// Package resolver satisfies the cross-procedure dependencies declared on
// graph nodes. It inspects the parent execution's cached dependency records,
// reuses prior completed executions, launches child executions for the rest,
// and folds child outcomes back into the parent once they finish.
package resolver
