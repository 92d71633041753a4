package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors path for changes and calls onChange with the newly loaded
// Config each time the file is written. It runs until ctx is cancelled.
//
// A reload that fails validation is logged and dropped; the previous config
// stays active. Settings that are only read at startup (the WebPageTest host
// and key, listeners, Redis) are reported as needing a restart when they
// differ from current.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic-save editors replace the file, which shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}

			if fields := restartFields(current, cfg); len(fields) > 0 {
				slog.Warn("config: changes take effect after restart",
					"path", path, "fields", fields)
			}
			slog.Info("config: reloaded", "path", path, "urls", len(cfg.Agent.URLs))
			current = cfg
			onChange(cfg)

			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// restartFields lists the startup-only settings that differ between a and b.
func restartFields(a, b *Config) []string {
	if a == nil {
		return nil
	}
	var out []string
	x, y := a.Agent, b.Agent
	if x.WebPageTest.Host != y.WebPageTest.Host || x.WebPageTest.APIKey() != y.WebPageTest.APIKey() {
		out = append(out, "webpagetest")
	}
	if x.ServerEndpoint != y.ServerEndpoint || x.ServerAuth != y.ServerAuth {
		out = append(out, "server_endpoint")
	}
	if x.Redis != y.Redis {
		out = append(out, "redis")
	}
	if x.MetricsPort != y.MetricsPort {
		out = append(out, "metrics_port")
	}
	if x.MaxConcurrency != y.MaxConcurrency || x.Namespace != y.Namespace {
		out = append(out, "controller")
	}
	return out
}
