// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: config tree parsed from YAML
//   - AgentConfig: webpagetest, urls [], interval, max_concurrency, namespace,
//     log_level, server_endpoint, server_auth, shipper, redis, metrics_port, output
//   - WebPageTestConfig: host, key/key_env, location, connectivity, runs,
//     first_view_only, poll_interval, timeout
//
// Load(path) reads the YAML file, applies defaults (3 runs, 5s poll, 10m test
// timeout, concurrency 4), then validates. Every validation failure wraps
// ErrConfiguration; in particular a missing key with the public WebPageTest
// host is rejected so the agent never starts accepting requests.
//
// Watch(ctx, path, current, onChange) uses fsnotify to reload the file on
// change. Only the URL list, interval and log level are applied live; other
// changes are logged as needing a restart.
package config
