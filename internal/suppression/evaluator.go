package suppression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/error-intel/internal/metrics"
	"github.com/miradorstack/error-intel/internal/models"
)

const regexCacheSize = 256

// RuleStore is the persistence the evaluator depends on.
type RuleStore interface {
	CreateRule(ctx context.Context, r models.SuppressionRule) error
	ActiveRules(ctx context.Context, now time.Time) ([]models.SuppressionRule, error)
	IncrementRuleTrigger(ctx context.Context, id string, at time.Time) error
}

// Evaluator decides whether alerts should be silenced.
type Evaluator struct {
	store  RuleStore
	regex  *regexCache
	logger *slog.Logger
	now    func() time.Time
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(store RuleStore, logger *slog.Logger) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("suppression evaluator requires a rule store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rx, err := newRegexCache(regexCacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{store: store, regex: rx, logger: logger, now: time.Now}, nil
}

// SetClock overrides the clock used for expiry checks.
func (e *Evaluator) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// ValidateRule rejects rules that could never evaluate meaningfully.
func ValidateRule(r models.SuppressionRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required: %w", models.ErrInvalidArgument)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %q has no conditions: %w", r.Name, models.ErrInvalidArgument)
	}
	for i, c := range r.Conditions {
		if !knownField(c.Field) {
			return fmt.Errorf("condition %d: unknown field %q: %w", i, c.Field, models.ErrInvalidArgument)
		}
		if _, ok := operators[c.Operator]; !ok {
			return fmt.Errorf("condition %d: unknown operator %q: %w", i, c.Operator, models.ErrInvalidArgument)
		}
		if c.Operator == OpRegex {
			if _, err := regexp.Compile("(?i)" + c.Value); err != nil {
				return fmt.Errorf("condition %d: invalid regex: %v: %w", i, err, models.ErrInvalidArgument)
			}
		}
	}
	return nil
}

// CreateRule validates and stores a new rule.
func (e *Evaluator) CreateRule(ctx context.Context, r models.SuppressionRule) (models.SuppressionRule, error) {
	if err := ValidateRule(r); err != nil {
		return models.SuppressionRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now().UTC()
	}
	r.TimesTriggered = 0
	r.LastTriggeredAt = nil
	if err := e.store.CreateRule(ctx, r); err != nil {
		return models.SuppressionRule{}, fmt.Errorf("create rule %q: %w", r.Name, err)
	}
	e.logger.Info("suppression rule created", slog.String("rule_id", r.ID), slog.String("name", r.Name))
	return r, nil
}

// ShouldSuppress evaluates active, unexpired rules in order. The first rule
// whose conditions all match wins and has its trigger counter incremented.
// Any failure leaves the alert unsuppressed.
func (e *Evaluator) ShouldSuppress(ctx context.Context, alert models.Alert) (decision models.SuppressionDecision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("suppression evaluation panicked, allowing alert", slog.String("alert_id", alert.ID), slog.Any("panic", r))
			metrics.ObserveAnalyzerFailure("suppression")
			decision = models.SuppressionDecision{}
		}
		metrics.ObserveSuppression(decision.Suppressed)
	}()

	now := e.now().UTC()
	rules, err := e.store.ActiveRules(ctx, now)
	if err != nil {
		e.logger.Warn("suppression rules unavailable, allowing alert", slog.String("alert_id", alert.ID), slog.Any("error", err))
		return models.SuppressionDecision{}
	}

	for _, rule := range rules {
		if !rule.IsActive || rule.Expired(now) {
			continue
		}
		if !e.matches(rule, alert) {
			continue
		}
		if err := e.store.IncrementRuleTrigger(ctx, rule.ID, now); err != nil {
			e.logger.Warn("rule trigger count not recorded", slog.String("rule_id", rule.ID), slog.Any("error", err))
		}
		e.logger.Debug("alert suppressed", slog.String("alert_id", alert.ID), slog.String("rule_id", rule.ID))
		return models.SuppressionDecision{Suppressed: true, RuleID: rule.ID, RuleName: rule.Name}
	}
	return models.SuppressionDecision{}
}

// matches reports whether every condition of rule holds for alert. A rule
// that fails to evaluate does not match.
func (e *Evaluator) matches(rule models.SuppressionRule, alert models.Alert) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("suppression rule panicked", slog.String("rule_id", rule.ID), slog.Any("panic", r))
			metrics.ObserveAnalyzerFailure("suppression")
			ok = false
		}
	}()
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, c := range rule.Conditions {
		actual, known := fieldValue(alert, c.Field)
		if !known {
			return false
		}
		op, known := operators[c.Operator]
		if !known {
			return false
		}
		matched, err := op(actual, c.Value, e.regex)
		if err != nil {
			e.logger.Warn("suppression condition failed", slog.String("rule_id", rule.ID), slog.String("field", c.Field), slog.Any("error", err))
			return false
		}
		if !matched {
			return false
		}
	}
	return true
}
