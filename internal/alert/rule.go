// Package alert evaluates the configured rule set against current device
// state and windowed metrics, and owns the lifecycle of alert instances.
package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kljama/netmon/internal/store"
)

// PredicateKind is the closed set of rule predicates. Free-form expression
// languages and dynamic SQL are not representable here on purpose.
type PredicateKind string

const (
	PredIsDown             PredicateKind = "is_down"
	PredIsDownFor          PredicateKind = "is_down_for"
	PredAvgPacketLoss      PredicateKind = "avg_packet_loss_exceeds"
	PredAvgRTT             PredicateKind = "avg_rtt_exceeds"
	PredStateChangesExceed PredicateKind = "state_changes_exceed"
	// PredOperational marks built-in operational rules (persistent probe
	// failures). They are opened by the workers, not the evaluation loop.
	PredOperational PredicateKind = "operational"
)

// Params carries the predicate parameters. Unused fields stay zero.
type Params struct {
	TauSec    int     `json:"tau_sec,omitempty"`    // is_down_for
	Threshold float64 `json:"threshold,omitempty"`  // loss percent / rtt ms
	WindowSec int     `json:"window_sec,omitempty"` // aggregation window
	Count     int     `json:"count,omitempty"`      // state_changes_exceed
}

// Rule is a parsed, validated alert rule.
type Rule struct {
	ID           string
	Name         string
	Severity     store.Severity
	Kind         PredicateKind
	Params       Params
	Scope        store.ScopeFilter
	Confirmation time.Duration
	Hysteresis   time.Duration
}

// Tau returns the is_down_for threshold.
func (r Rule) Tau() time.Duration { return time.Duration(r.Params.TauSec) * time.Second }

// Window returns the aggregation window.
func (r Rule) Window() time.Duration { return time.Duration(r.Params.WindowSec) * time.Second }

// UsesTSDB reports whether the predicate needs a windowed time-series query.
// Down predicates read down_since from the relational store only.
func (r Rule) UsesTSDB() bool {
	return r.Kind == PredAvgPacketLoss || r.Kind == PredAvgRTT
}

// DownPredicate reports whether the rule is an is_down/is_down_for rule,
// which is what cascade suppression withholds.
func (r Rule) DownPredicate() bool {
	return r.Kind == PredIsDown || r.Kind == PredIsDownFor
}

// FlapExempt rules keep opening during a flap window: state_changes_exceed
// rules are the flapping alerts themselves.
func (r Rule) FlapExempt() bool { return r.Kind == PredStateChangesExceed }

// ParseRule validates one stored rule row. An unknown predicate kind or
// malformed parameters is a configuration error: the caller keeps the old
// rule set active.
func ParseRule(row store.RuleRow) (Rule, error) {
	r := Rule{
		ID:           row.ID,
		Name:         row.Name,
		Severity:     row.Severity,
		Kind:         PredicateKind(row.PredicateKind),
		Confirmation: time.Duration(row.ConfirmationSec) * time.Second,
		Hysteresis:   time.Duration(row.HysteresisSec) * time.Second,
	}

	switch r.Severity {
	case store.SeverityInfo, store.SeverityLow, store.SeverityMedium, store.SeverityHigh, store.SeverityCritical:
	default:
		return Rule{}, fmt.Errorf("rule %q: unknown severity %q", row.Name, row.Severity)
	}

	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &r.Params); err != nil {
			return Rule{}, fmt.Errorf("rule %q: bad params: %w", row.Name, err)
		}
	}
	if len(row.Scope) > 0 {
		if err := json.Unmarshal(row.Scope, &r.Scope); err != nil {
			return Rule{}, fmt.Errorf("rule %q: bad scope: %w", row.Name, err)
		}
	}

	switch r.Kind {
	case PredIsDown, PredOperational:
	case PredIsDownFor:
		if r.Params.TauSec <= 0 {
			return Rule{}, fmt.Errorf("rule %q: is_down_for requires tau_sec > 0", row.Name)
		}
	case PredAvgPacketLoss, PredAvgRTT:
		if r.Params.Threshold <= 0 || r.Params.WindowSec <= 0 {
			return Rule{}, fmt.Errorf("rule %q: %s requires threshold and window_sec", row.Name, r.Kind)
		}
	case PredStateChangesExceed:
		if r.Params.Count < 1 || r.Params.WindowSec <= 0 {
			return Rule{}, fmt.Errorf("rule %q: state_changes_exceed requires count and window_sec", row.Name)
		}
	default:
		return Rule{}, fmt.Errorf("rule %q: unknown predicate kind %q", row.Name, row.PredicateKind)
	}
	return r, nil
}

// ParseRules parses all rows; the first error rejects the whole set so a
// half-valid configuration never becomes active.
func ParseRules(rows []store.RuleRow) ([]Rule, error) {
	out := make([]Rule, 0, len(rows))
	for _, row := range rows {
		r, err := ParseRule(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
