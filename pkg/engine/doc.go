// Package engine runs one operation against many targets with bounded
// concurrency, a per-attempt deadline and a bounded retry policy, and
// aggregates every target's terminal state into an ordered RunReport.
//
// Tasks move through PENDING, RUNNING, RETRYING and one of the terminal
// states SUCCEEDED, FAILED or CANCELLED. Authentication and validation
// failures are never retried; every other failure is retried until the
// attempt budget runs out.
package engine
