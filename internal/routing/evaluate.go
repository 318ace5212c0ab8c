package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// Evaluate runs a rule set against the request context. A nil or empty set
// always passes.
func Evaluate(rs *typ.RuleSet, ctx *Context) bool {
	if rs.IsEmpty() {
		return true
	}
	or := rs.Logic == typ.LogicOr
	for _, rule := range rs.Rules {
		ok := evalRule(rule, ctx)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func evalRule(r typ.Rule, ctx *Context) bool {
	actual, found := ctx.Resolve(r.Field)

	if r.Op == typ.OpExists {
		want := true
		if b, ok := r.Value.(bool); ok {
			want = b
		}
		return found == want
	}
	if !found {
		return false
	}

	switch r.Op {
	case typ.OpEq:
		return valueEq(actual, r.Value)
	case typ.OpNe:
		return !valueEq(actual, r.Value)
	case typ.OpGt, typ.OpGte, typ.OpLt, typ.OpLte:
		return compare(r.Op, actual, r.Value)
	case typ.OpContains:
		return strings.Contains(toString(actual), toString(r.Value))
	case typ.OpIn:
		if vals, ok := r.Value.([]any); ok {
			for _, v := range vals {
				if valueEq(actual, v) {
					return true
				}
			}
			return false
		}
		return valueEq(actual, r.Value)
	case typ.OpRegex:
		matched, err := regexp.MatchString(toString(r.Value), toString(actual))
		if err != nil {
			logrus.WithError(err).Warnf("routing: invalid regex %q", toString(r.Value))
			return false
		}
		return matched
	case typ.OpGlob:
		g, err := glob.Compile(toString(r.Value))
		if err != nil {
			logrus.WithError(err).Warnf("routing: invalid glob %q", toString(r.Value))
			return false
		}
		return g.Match(toString(actual))
	}
	return false
}

func compare(op typ.RuleOp, actual, expected any) bool {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	if !aok || !bok {
		return false
	}
	switch op {
	case typ.OpGt:
		return a > b
	case typ.OpGte:
		return a >= b
	case typ.OpLt:
		return a < b
	case typ.OpLte:
		return a <= b
	}
	return false
}

func valueEq(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
