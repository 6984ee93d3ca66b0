package suppression

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/error-intel/internal/models"
	"github.com/miradorstack/error-intel/internal/store"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newEvaluator(t *testing.T, s RuleStore) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(s, nil)
	require.NoError(t, err)
	e.SetClock(func() time.Time { return now })
	return e
}

func TestTwoConditionRule(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEvaluator(t, s)
	ctx := context.Background()

	rule, err := e.CreateRule(ctx, models.SuppressionRule{
		Name:     "noisy checkout timeouts",
		IsActive: true,
		Conditions: []models.SuppressionCondition{
			{Field: "source", Operator: OpEquals, Value: "Checkout"},
			{Field: "message", Operator: OpContains, Value: "TIMEOUT"},
		},
	})
	require.NoError(t, err)

	alert := models.Alert{ID: "a1", Source: "checkout", Message: "upstream returned 502"}
	assert.False(t, e.ShouldSuppress(ctx, alert).Suppressed)

	stored, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.TimesTriggered)

	alert.Message = "request timeout after 30s"
	decision := e.ShouldSuppress(ctx, alert)
	assert.True(t, decision.Suppressed)
	assert.Equal(t, rule.ID, decision.RuleID)

	stored, err = s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TimesTriggered)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, stored.LastTriggeredAt.Equal(now))
}

func TestExpiredRuleNeverSuppresses(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEvaluator(t, s)
	ctx := context.Background()

	past := now.Add(-time.Minute)
	_, err := e.CreateRule(ctx, models.SuppressionRule{
		Name:       "maintenance window",
		IsActive:   true,
		ExpiresAt:  &past,
		Conditions: []models.SuppressionCondition{{Field: "source", Operator: OpEquals, Value: "billing"}},
	})
	require.NoError(t, err)

	assert.False(t, e.ShouldSuppress(ctx, models.Alert{Source: "billing"}).Suppressed)
}

func TestFirstMatchingRuleWins(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEvaluator(t, s)
	ctx := context.Background()

	first, err := e.CreateRule(ctx, models.SuppressionRule{
		Name: "first", IsActive: true, CreatedAt: now.Add(-2 * time.Hour),
		Conditions: []models.SuppressionCondition{{Field: "severity", Operator: OpEquals, Value: "low"}},
	})
	require.NoError(t, err)
	second, err := e.CreateRule(ctx, models.SuppressionRule{
		Name: "second", IsActive: true, CreatedAt: now.Add(-time.Hour),
		Conditions: []models.SuppressionCondition{{Field: "severity", Operator: OpNotEquals, Value: "critical"}},
	})
	require.NoError(t, err)

	decision := e.ShouldSuppress(ctx, models.Alert{Severity: models.SeverityLow})
	assert.Equal(t, first.ID, decision.RuleID)

	untouched, err := s.GetRule(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, untouched.TimesTriggered)
}

func TestInactiveRuleIgnored(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEvaluator(t, s)
	ctx := context.Background()
	_, err := e.CreateRule(ctx, models.SuppressionRule{
		Name:       "disabled",
		Conditions: []models.SuppressionCondition{{Field: "title", Operator: OpContains, Value: ""}},
	})
	require.NoError(t, err)
	assert.False(t, e.ShouldSuppress(ctx, models.Alert{Title: "anything"}).Suppressed)
}

func TestOperators(t *testing.T) {
	rx, err := newRegexCache(4)
	require.NoError(t, err)

	cases := []struct {
		op       string
		actual   string
		expected string
		want     bool
	}{
		{OpEquals, "Checkout", "checkout", true},
		{OpNotEquals, "checkout", "billing", true},
		{OpContains, "Connection REFUSED", "refused", true},
		{OpNotContains, "ok", "refused", true},
		{OpStartsWith, "/API/orders", "/api", true},
		{OpEndsWith, "orders.JSON", ".json", true},
		{OpRegex, "Timeout after 30s", `^timeout after \d+s$`, true},
		{OpRegex, "timeout", `^refused`, false},
		{OpGreaterThan, "10", "9", true},
		{OpGreaterThan, "10", "9.5", true},
		{OpLessThan, "10", "9", false},
		{OpGreaterOrEqual, "5", "5.0", true},
		{OpLessOrEqual, "4.99", "5", true},
		// Non-numeric operands compare as lowercase strings.
		{OpGreaterThan, "b", "A", true},
		{OpLessThan, "10", "abc", true},
	}
	for _, tc := range cases {
		got, err := operators[tc.op](tc.actual, tc.expected, rx)
		require.NoError(t, err, tc.op)
		assert.Equal(t, tc.want, got, "%s(%q, %q)", tc.op, tc.actual, tc.expected)
	}

	_, err = operators[OpRegex]("x", "(", rx)
	assert.Error(t, err)
}

func TestFieldAccessors(t *testing.T) {
	alert := models.Alert{
		StatusCode:      503,
		OccurrenceCount: 12,
		OccurrenceRate:  2.5,
		Labels:          map[string]string{"team": "payments"},
	}
	v, ok := fieldValue(alert, "status_code")
	assert.True(t, ok)
	assert.Equal(t, "503", v)
	v, _ = fieldValue(alert, "occurrence_rate")
	assert.Equal(t, "2.5", v)
	v, ok = fieldValue(alert, "label.team")
	assert.True(t, ok)
	assert.Equal(t, "payments", v)
	v, ok = fieldValue(alert, "label.missing")
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok = fieldValue(alert, "hostname")
	assert.False(t, ok)
	_, ok = fieldValue(alert, "label.")
	assert.False(t, ok)
	assert.Len(t, Fields(), 11)
}

func TestValidateRule(t *testing.T) {
	valid := models.SuppressionRule{Name: "ok", Conditions: []models.SuppressionCondition{{Field: "label.env", Operator: OpEquals, Value: "staging"}}}
	require.NoError(t, ValidateRule(valid))

	invalid := []models.SuppressionRule{
		{Name: "", Conditions: valid.Conditions},
		{Name: "empty"},
		{Name: "field", Conditions: []models.SuppressionCondition{{Field: "hostname", Operator: OpEquals}}},
		{Name: "op", Conditions: []models.SuppressionCondition{{Field: "title", Operator: "like"}}},
		{Name: "regex", Conditions: []models.SuppressionCondition{{Field: "title", Operator: OpRegex, Value: "(unclosed"}}},
	}
	for _, r := range invalid {
		err := ValidateRule(r)
		require.Error(t, err, r.Name)
		assert.True(t, errors.Is(err, models.ErrInvalidArgument), r.Name)
	}

	e := newEvaluator(t, store.NewMemoryStore())
	_, err := e.CreateRule(context.Background(), invalid[2])
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

type failingRules struct{ *store.MemoryStore }

func (failingRules) ActiveRules(context.Context, time.Time) ([]models.SuppressionRule, error) {
	return nil, errors.New("connection reset")
}

type panickingRules struct{ *store.MemoryStore }

func (panickingRules) ActiveRules(context.Context, time.Time) ([]models.SuppressionRule, error) {
	panic("corrupt rule row")
}

func TestFailsOpen(t *testing.T) {
	ctx := context.Background()
	alert := models.Alert{Source: "checkout"}

	assert.False(t, newEvaluator(t, failingRules{store.NewMemoryStore()}).ShouldSuppress(ctx, alert).Suppressed)
	assert.False(t, newEvaluator(t, panickingRules{store.NewMemoryStore()}).ShouldSuppress(ctx, alert).Suppressed)
}

type staleRules struct {
	*store.MemoryStore
	rules []models.SuppressionRule
}

func (s staleRules) ActiveRules(context.Context, time.Time) ([]models.SuppressionRule, error) {
	return s.rules, nil
}

func TestBrokenRuleDoesNotBlockOthers(t *testing.T) {
	s := staleRules{MemoryStore: store.NewMemoryStore(), rules: []models.SuppressionRule{
		{ID: "bad-field", IsActive: true, Conditions: []models.SuppressionCondition{{Field: "hostname", Operator: OpEquals, Value: "x"}}},
		{ID: "bad-regex", IsActive: true, Conditions: []models.SuppressionCondition{{Field: "title", Operator: OpRegex, Value: "("}}},
		{ID: "no-conditions", IsActive: true},
		{ID: "good", Name: "good", IsActive: true, Conditions: []models.SuppressionCondition{{Field: "title", Operator: OpStartsWith, Value: "disk"}}},
	}}
	e := newEvaluator(t, s)
	decision := e.ShouldSuppress(context.Background(), models.Alert{Title: "Disk almost full"})
	assert.True(t, decision.Suppressed)
	assert.Equal(t, "good", decision.RuleID)
}
