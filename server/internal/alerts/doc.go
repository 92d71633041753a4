// Package alerts evaluates performance budgets against page summaries and
// delivers notifications to Teams, Slack, or generic HTTP webhooks.
//
// A rule names a medians path, an operator and a threshold, for example
// "firstView.SpeedIndex > 3000". Alerts are keyed by rule and URL, respect
// a per-rule cooldown, and resolve when a later summary is back in budget.
package alerts
