// Package export writes aggregate state to disk after each summary, either
// as a Prometheus textfile or as JSON.
package export
