package suppression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Operator names accepted in conditions.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpStartsWith     = "starts_with"
	OpEndsWith       = "ends_with"
	OpRegex          = "regex"
	OpGreaterThan    = "greater_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessThan       = "less_than"
	OpLessOrEqual    = "less_or_equal"
)

type operatorFunc func(actual, expected string, rx *regexCache) (bool, error)

var operators = map[string]operatorFunc{
	OpEquals:    func(a, e string, _ *regexCache) (bool, error) { return strings.EqualFold(a, e), nil },
	OpNotEquals: func(a, e string, _ *regexCache) (bool, error) { return !strings.EqualFold(a, e), nil },
	OpContains: func(a, e string, _ *regexCache) (bool, error) {
		return strings.Contains(strings.ToLower(a), strings.ToLower(e)), nil
	},
	OpNotContains: func(a, e string, _ *regexCache) (bool, error) {
		return !strings.Contains(strings.ToLower(a), strings.ToLower(e)), nil
	},
	OpStartsWith: func(a, e string, _ *regexCache) (bool, error) {
		return strings.HasPrefix(strings.ToLower(a), strings.ToLower(e)), nil
	},
	OpEndsWith: func(a, e string, _ *regexCache) (bool, error) {
		return strings.HasSuffix(strings.ToLower(a), strings.ToLower(e)), nil
	},
	OpRegex: func(a, e string, rx *regexCache) (bool, error) {
		re, err := rx.compile(e)
		if err != nil {
			return false, err
		}
		return re.MatchString(a), nil
	},
	OpGreaterThan:    compare(func(c int) bool { return c > 0 }),
	OpGreaterOrEqual: compare(func(c int) bool { return c >= 0 }),
	OpLessThan:       compare(func(c int) bool { return c < 0 }),
	OpLessOrEqual:    compare(func(c int) bool { return c <= 0 }),
}

// compare orders operands numerically when both parse as numbers and falls
// back to case-insensitive string order otherwise.
func compare(accept func(int) bool) operatorFunc {
	return func(a, e string, _ *regexCache) (bool, error) {
		af, aerr := strconv.ParseFloat(strings.TrimSpace(a), 64)
		ef, eerr := strconv.ParseFloat(strings.TrimSpace(e), 64)
		if aerr == nil && eerr == nil {
			switch {
			case af < ef:
				return accept(-1), nil
			case af > ef:
				return accept(1), nil
			default:
				return accept(0), nil
			}
		}
		return accept(strings.Compare(strings.ToLower(a), strings.ToLower(e))), nil
	}
}

// regexCache memoises compiled case-insensitive patterns.
type regexCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

func newRegexCache(size int) (*regexCache, error) {
	c, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("create regex cache: %w", err)
	}
	return &regexCache{cache: c}, nil
}

func (r *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.cache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	r.cache.Add(pattern, re)
	return re, nil
}
