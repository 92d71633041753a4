// Package filter marks which fields of an event payload are significant and
// strips the rest before events leave the agent.
package filter
