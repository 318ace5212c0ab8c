package typ

// RuleOp is a comparison operator usable in routing rules.
type RuleOp string

const (
	OpEq       RuleOp = "eq"
	OpNe       RuleOp = "ne"
	OpGt       RuleOp = "gt"
	OpGte      RuleOp = "gte"
	OpLt       RuleOp = "lt"
	OpLte      RuleOp = "lte"
	OpContains RuleOp = "contains"
	OpIn       RuleOp = "in"
	OpExists   RuleOp = "exists"
	OpRegex    RuleOp = "regex"
	OpGlob     RuleOp = "glob"
)

// RuleLogic combines the rules of a set.
type RuleLogic string

const (
	LogicAnd RuleLogic = "AND"
	LogicOr  RuleLogic = "OR"
)

// Rule is one predicate over the request context. Field is a dotted path
// such as "model", "headers.x-tenant", "body.messages.0.role" or
// "token_usage.input_tokens".
type Rule struct {
	Field string `json:"field" yaml:"field"`
	Op    RuleOp `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// RuleSet is a flat conjunction or disjunction of rules. A nil or empty set
// always passes.
type RuleSet struct {
	Logic RuleLogic `json:"logic,omitempty" yaml:"logic,omitempty"`
	Rules []Rule    `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// IsEmpty reports whether the set has no predicates.
func (rs *RuleSet) IsEmpty() bool {
	return rs == nil || len(rs.Rules) == 0
}
