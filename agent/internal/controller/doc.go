// Package controller routes inbound requests through fetch, emit and
// aggregate.
//
// A url request either publishes har, run and pageSummary events and updates
// the aggregate, or publishes exactly one error event and leaves the
// aggregate untouched. A summarize request publishes one summary event per
// group. Unknown kinds are ignored.
package controller
