// Package condition compiles and evaluates edge conditions. Conditions use
// HCL expression syntax and are evaluated against the execution context, the
// output of the node being left, and the outputs of every completed node.
//
//	context.applicant.age >= 18 && output.decision == "approve"
package condition
