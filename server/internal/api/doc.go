// Package api implements the HTTP REST API for wptpipe-server.
//
// New(store, alerts) returns an http.Handler that serves:
//
//	GET /api/v1/health          state plus page, group, error and alert counts
//	GET /api/v1/pages           latest summary per page; ?group= filters
//	GET /api/v1/groups          combined statistics per group
//	GET /api/v1/groups/{group}  one group; 404 if unknown or stale
//	GET /api/v1/errors          recent failed tests, newest first
//	GET /api/v1/alerts          firing and recently resolved budget alerts
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. Stale entries are excluded.
package api
