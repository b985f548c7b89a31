package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sentinel/pkg/models"
)

const regexCacheSize = 256

// operatorFunc compares a resolved field value with a condition value.
type operatorFunc func(field interface{}, c models.Condition) (bool, error)

var operators = map[models.Operator]operatorFunc{
	models.OpContains:       opContains,
	models.OpNotContains:    opNotContains,
	models.OpEquals:         opEquals,
	models.OpGreaterThan:    compareWith(func(a, b float64) bool { return a > b }),
	models.OpLessThan:       compareWith(func(a, b float64) bool { return a < b }),
	models.OpGreaterOrEqual: compareWith(func(a, b float64) bool { return a >= b }),
	models.OpLessOrEqual:    compareWith(func(a, b float64) bool { return a <= b }),
	models.OpBetween:        opBetween,
	models.OpMatches:        opMatches,
}

type regexCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

var defaultRegexCache = newRegexCache(regexCacheSize)

func newRegexCache(size int) *regexCache {
	c, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		panic(fmt.Sprintf("regex cache: %v", err))
	}
	return &regexCache{cache: c}
}

func (r *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.cache.Get(pattern); ok {
		return re, nil
	}
	if len(pattern) > 512 {
		return nil, fmt.Errorf("regex pattern too long (%d chars)", len(pattern))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	r.cache.Add(pattern, re)
	return re, nil
}

func opContains(field interface{}, c models.Condition) (bool, error) {
	needles, ok := toStringList(c.Value)
	if !ok {
		return false, fmt.Errorf("contains needs a string or list of strings")
	}
	switch v := field.(type) {
	case []string:
		for _, item := range v {
			for _, n := range needles {
				if equalFold(item, n, c.CaseSensitive) {
					return true, nil
				}
			}
		}
		return false, nil
	default:
		hay := stringify(v)
		if !c.CaseSensitive {
			hay = strings.ToLower(hay)
		}
		for _, n := range needles {
			if !c.CaseSensitive {
				n = strings.ToLower(n)
			}
			if strings.Contains(hay, n) {
				return true, nil
			}
		}
		return false, nil
	}
}

func opNotContains(field interface{}, c models.Condition) (bool, error) {
	ok, err := opContains(field, c)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func opEquals(field interface{}, c models.Condition) (bool, error) {
	switch v := field.(type) {
	case float64:
		want, ok := toFloat64(c.Value)
		if !ok {
			return false, fmt.Errorf("value %v is not numeric", c.Value)
		}
		return v == want, nil
	case bool:
		want, ok := toBool(c.Value)
		if !ok {
			return false, fmt.Errorf("value %v is not a boolean", c.Value)
		}
		return v == want, nil
	case models.Severity:
		want, err := models.ParseSeverity(stringify(c.Value))
		if err != nil {
			return false, err
		}
		return v == want, nil
	case []string:
		want := stringify(c.Value)
		for _, item := range v {
			if equalFold(item, want, c.CaseSensitive) {
				return true, nil
			}
		}
		return false, nil
	default:
		return equalFold(stringify(v), stringify(c.Value), c.CaseSensitive), nil
	}
}

func compareWith(cmp func(a, b float64) bool) operatorFunc {
	return func(field interface{}, c models.Condition) (bool, error) {
		if c.Field == "time_of_day" {
			have, err := parseClock(stringify(field))
			if err != nil {
				return false, err
			}
			want, err := parseClock(stringify(c.Value))
			if err != nil {
				return false, err
			}
			return cmp(float64(have), float64(want)), nil
		}
		have, err := fieldNumber(field)
		if err != nil {
			return false, err
		}
		want, err := ordinalOrNumber(c.Field, c.Value)
		if err != nil {
			return false, err
		}
		return cmp(have, want), nil
	}
}

func opBetween(field interface{}, c models.Condition) (bool, error) {
	bounds, ok := toStringList(c.Value)
	if !ok || len(bounds) != 2 {
		return false, fmt.Errorf("between needs exactly two bounds")
	}

	if c.Field == "time_of_day" {
		have, err := parseClock(stringify(field))
		if err != nil {
			return false, err
		}
		lo, err := parseClock(bounds[0])
		if err != nil {
			return false, err
		}
		hi, err := parseClock(bounds[1])
		if err != nil {
			return false, err
		}
		if lo <= hi {
			return have >= lo && have <= hi, nil
		}
		// Range wraps past midnight.
		return have >= lo || have <= hi, nil
	}

	have, err := fieldNumber(field)
	if err != nil {
		return false, err
	}
	lo, err := ordinalOrNumber(c.Field, bounds[0])
	if err != nil {
		return false, err
	}
	hi, err := ordinalOrNumber(c.Field, bounds[1])
	if err != nil {
		return false, err
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return have >= lo && have <= hi, nil
}

func opMatches(field interface{}, c models.Condition) (bool, error) {
	pattern, ok := c.Value.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}
	if !c.CaseSensitive && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := defaultRegexCache.compile(pattern)
	if err != nil {
		return false, err
	}
	if list, ok := field.([]string); ok {
		for _, item := range list {
			if re.MatchString(item) {
				return true, nil
			}
		}
		return false, nil
	}
	return re.MatchString(stringify(field)), nil
}

func equalFold(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case models.Severity:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// toStringList accepts a scalar or a list as decoded from YAML or JSON.
func toStringList(v interface{}) ([]string, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return []string{val}, true
	case []string:
		return val, len(val) > 0
	case []interface{}:
		if len(val) == 0 {
			return nil, false
		}
		out := make([]string, 0, len(val))
		for _, item := range val {
			switch item.(type) {
			case string, int, int64, float64, bool:
				out = append(out, stringify(item))
			default:
				return nil, false
			}
		}
		return out, true
	case int, int64, float64, bool:
		return []string{stringify(val)}, true
	}
	return nil, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, !math.IsNaN(val)
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	}
	return false, false
}

// fieldNumber converts a resolved field to a comparable number. Severity
// compares by ordinal.
func fieldNumber(field interface{}) (float64, error) {
	switch v := field.(type) {
	case models.Severity:
		if !v.Valid() {
			return 0, fmt.Errorf("unknown severity %q", v)
		}
		return float64(v.Ordinal()), nil
	case bool:
		return 0, fmt.Errorf("boolean field is not comparable")
	}
	f, ok := toFloat64(field)
	if !ok {
		return 0, fmt.Errorf("field value %v is not numeric", field)
	}
	return f, nil
}

// ordinalOrNumber parses a condition value. Against the severity field a
// severity name is accepted in place of a number.
func ordinalOrNumber(field string, v interface{}) (float64, error) {
	if field == "severity" {
		if s, ok := v.(string); ok {
			if sev, err := models.ParseSeverity(s); err == nil {
				return float64(sev.Ordinal()), nil
			}
		}
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
	return f, nil
}

// parseClock returns minutes since midnight for an HH:MM string.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseBlockDuration accepts whole seconds or a Go duration string.
func ParseBlockDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("block duration must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid block duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("block duration must be positive")
	}
	return d, nil
}
