package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/netmon/internal/store"
)

func validRow() store.RuleRow {
	return store.RuleRow{
		ID:              "r1",
		Name:            "device-down",
		Severity:        store.SeverityHigh,
		PredicateKind:   "is_down",
		ConfirmationSec: 30,
		HysteresisSec:   60,
		Enabled:         true,
	}
}

func TestParseRuleIsDown(t *testing.T) {
	r, err := ParseRule(validRow())
	require.NoError(t, err)
	assert.Equal(t, PredIsDown, r.Kind)
	assert.Equal(t, 30*time.Second, r.Confirmation)
	assert.Equal(t, 60*time.Second, r.Hysteresis)
	assert.True(t, r.DownPredicate())
	assert.False(t, r.UsesTSDB())
	assert.False(t, r.FlapExempt())
}

func TestParseRuleIsDownFor(t *testing.T) {
	row := validRow()
	row.PredicateKind = "is_down_for"
	row.Params = []byte(`{"tau_sec": 300}`)
	r, err := ParseRule(row)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, r.Tau())

	row.Params = []byte(`{}`)
	_, err = ParseRule(row)
	assert.Error(t, err, "is_down_for without tau must be rejected")
}

func TestParseRuleWindowedPredicates(t *testing.T) {
	for _, kind := range []string{"avg_packet_loss_exceeds", "avg_rtt_exceeds"} {
		row := validRow()
		row.PredicateKind = kind
		row.Params = []byte(`{"threshold": 5, "window_sec": 600}`)
		r, err := ParseRule(row)
		require.NoError(t, err, kind)
		assert.True(t, r.UsesTSDB(), kind)
		assert.Equal(t, 10*time.Minute, r.Window(), kind)

		row.Params = []byte(`{"threshold": 5}`)
		_, err = ParseRule(row)
		assert.Error(t, err, "%s without window must be rejected", kind)
	}
}

func TestParseRuleStateChanges(t *testing.T) {
	row := validRow()
	row.PredicateKind = "state_changes_exceed"
	row.Params = []byte(`{"count": 4, "window_sec": 300}`)
	r, err := ParseRule(row)
	require.NoError(t, err)
	assert.True(t, r.FlapExempt(), "flap alerts must keep opening during a flap window")
}

func TestParseRuleRejectsUnknownKind(t *testing.T) {
	row := validRow()
	row.PredicateKind = "custom_sql"
	_, err := ParseRule(row)
	assert.Error(t, err, "predicate kinds are a closed set")
}

func TestParseRuleRejectsUnknownSeverity(t *testing.T) {
	row := validRow()
	row.Severity = "catastrophic"
	_, err := ParseRule(row)
	assert.Error(t, err)
}

func TestParseRuleScope(t *testing.T) {
	row := validRow()
	row.Scope = []byte(`{"is_isp_link": true, "region": "north"}`)
	r, err := ParseRule(row)
	require.NoError(t, err)
	require.NotNil(t, r.Scope.ISPLink)
	assert.True(t, *r.Scope.ISPLink)
	assert.Equal(t, "north", r.Scope.Region)
}

func TestParseRulesRejectsWholeSetOnOneError(t *testing.T) {
	bad := validRow()
	bad.ID = "r2"
	bad.Name = "broken"
	bad.PredicateKind = "nonsense"

	rules, err := ParseRules([]store.RuleRow{validRow(), bad})
	assert.Error(t, err)
	assert.Nil(t, rules, "a half-valid configuration must never become active")
}
