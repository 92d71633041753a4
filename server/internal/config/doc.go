// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort             port for the EventSink receiver (default 50051)
//   - HTTPPort             port for the REST API and WebSocket hub (default 8080)
//   - Auth.Mode            "apikey" or "none"
//   - Auth.KeyEnv          environment variable holding the expected API key
//   - Auth.Header          gRPC metadata key (default "x-api-key")
//   - Retention.TTL        how long a page or group stays after its last update (default 24h)
//   - Retention.MaxErrors  size of the recent-error ring (default 100)
//   - Alerts               budget rules on page-summary medians plus webhooks
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
