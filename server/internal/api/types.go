package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "unknown" before any page has reported, "alerting" while any
	// budget alert is firing, and "ok" otherwise.
	State        string `json:"state"`
	PageCount    int    `json:"page_count"`
	GroupCount   int    `json:"group_count"`
	ErrorCount   int    `json:"error_count"`
	FiringAlerts int    `json:"firing_alerts"`
}

// MetricResponse is one metric's statistics within a group.
type MetricResponse struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// GroupResponse is one entry in GET /api/v1/groups or
// GET /api/v1/groups/{group}.
type GroupResponse struct {
	Group        string                    `json:"group"`
	Count        int64                     `json:"count"`
	Location     string                    `json:"location"`
	Connectivity string                    `json:"connectivity"`
	Metrics      map[string]MetricResponse `json:"metrics"`
	LastSeen     string                    `json:"last_seen"` // RFC3339
}

// PageResponse is one entry in GET /api/v1/pages.
type PageResponse struct {
	URL          string         `json:"url"`
	Group        string         `json:"group"`
	TestID       string         `json:"test_id,omitempty"`
	Location     string         `json:"location"`
	Connectivity string         `json:"connectivity"`
	Medians      map[string]any `json:"medians"`
	LastSeen     string         `json:"last_seen"` // RFC3339
}

// ErrorResponse is one entry in GET /api/v1/errors.
type ErrorResponse struct {
	URL     string `json:"url"`
	Message string `json:"message"`
	At      string `json:"at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
