// Package monitor derives health assessments from broker queue statistics.
//
// The monitor is strictly read-only with respect to queue state. It keeps
// bounded in-memory histories per queue: a timestamp ring for computing
// 1/5/15 minute processing rates, a capped latency sample buffer, and a
// capped trend series. Collection and assessment failures degrade the
// affected queue to an "unknown" status instead of propagating, so
// monitoring can never take down what it observes.
package monitor
