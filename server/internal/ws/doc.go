// Package ws implements the WebSocket hub for wptpipe-server.
//
// Every event the receiver accepts is forwarded to connected clients as it
// arrives. In addition, the current group summaries are sent on connect and
// refreshed on a fixed interval.
//
// Message format sent to clients:
//
//	{"event": "groups", "data": [ /* same schema as GET /api/v1/groups */ ]}
//	{"event": "webpagetest.pageSummary", "data": { /* the event */ }}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
