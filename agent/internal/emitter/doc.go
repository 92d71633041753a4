// Package emitter decomposes test results into ordered outbound events.
//
// For one bundle the order is fixed: har, then run events with zero-based
// runIndex, then pageSummary. Consumers may rely on it. Summary events are
// produced one per group from an aggregate snapshot.
package emitter
