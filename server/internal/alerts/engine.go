package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wptpipe/wptpipe/server/internal/config"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert is one performance-budget violation for one page.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	URL        string     `json:"url"`
	Group      string     `json:"group"`
	Severity   string     `json:"severity"`
	Metric     string     `json:"metric"`
	Condition  string     `json:"condition"`
	Threshold  float64    `json:"threshold"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

type rule struct {
	config.AlertRule
	cond condition
}

// Engine evaluates budget rules against page summaries and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:url"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	now      func() time.Time
}

// New creates an Engine from the server alert configuration. It fails when a
// rule condition does not parse. An Engine with no rules is valid.
func New(cfg config.AlertsConfig) (*Engine, error) {
	e := &Engine{
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, r := range cfg.Rules {
		c, err := parseCondition(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("alerts: rule %q: %w", r.Name, err)
		}
		if r.Cooldown <= 0 {
			r.Cooldown = defaultCooldown
		}
		if r.Severity == "" {
			r.Severity = "warning"
		}
		e.rules = append(e.rules, rule{AlertRule: r, cond: c})
	}
	return e, nil
}

// Evaluate tests every rule that applies to group against the page's medians.
// Alerts that fire are stored and webhooks run asynchronously. Firing alerts
// whose condition no longer holds are resolved.
func (e *Engine) Evaluate(url, group string, medians map[string]any) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, r := range e.rules {
		if r.Group != "" && r.Group != group {
			continue
		}
		fires, value, ok := r.cond.eval(medians)
		if !ok {
			continue
		}
		key := r.Name + ":" + url
		if fires {
			e.fire(r, key, url, group, value, now)
		} else {
			e.resolve(r, key, url, now)
		}
	}
}

func (e *Engine) fire(r rule, key, url, group string, value float64, now time.Time) {
	e.mu.Lock()
	if last, seen := e.lastFire[key]; seen && now.Sub(last) <= r.Cooldown {
		e.mu.Unlock()
		return
	}
	a := &Alert{
		ID:        fmt.Sprintf("%s:%s:%d", r.Name, url, now.UnixNano()),
		RuleName:  r.Name,
		URL:       url,
		Group:     group,
		Severity:  r.Severity,
		Metric:    strings.Join(r.cond.path, "."),
		Condition: r.Condition,
		Threshold: r.cond.threshold,
		Value:     value,
		Message: fmt.Sprintf("[%s] %s fired on %s: %s (value %.0f)",
			r.Severity, r.Name, url, r.Condition, value),
		FiredAt: now,
		State:   "firing",
	}
	e.active[key] = a
	e.lastFire[key] = now
	alertCopy := *a
	e.mu.Unlock()

	slog.Warn("alert fired",
		"rule", r.Name,
		"url", url,
		"value", value,
		"severity", r.Severity,
	)
	go e.deliver(&alertCopy)
}

func (e *Engine) resolve(r rule, key, url string, now time.Time) {
	e.mu.Lock()
	a, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	resolved := now
	a.State = "resolved"
	a.ResolvedAt = &resolved
	delete(e.active, key)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	alertCopy := *a
	e.mu.Unlock()

	slog.Info("alert resolved", "rule", r.Name, "url", url)
	go e.deliver(&alertCopy)
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
