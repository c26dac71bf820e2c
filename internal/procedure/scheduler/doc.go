// Package scheduler drives executions through the engine. It keeps a run
// queue of execution ids, guarantees a single in-flight pass per execution,
// arms timers for retry backoff and node deadlines, and re-enqueues every
// unfinished execution after a restart.
package scheduler
