package routing

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

func testContext() *Context {
	return &Context{
		Model: "gpt-4o",
		Headers: http.Header{
			"X-Tenant": []string{"acme-corp"},
			"X-Limit":  []string{"250"},
		},
		Body:  []byte(`{"stream":true,"n":2,"messages":[{"role":"user"},{"role":"assistant"}]}`),
		Usage: TokenUsage{InputTokens: 1500, TotalTokens: 1500},
	}
}

func TestEvaluateOperators(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name string
		rule typ.Rule
		want bool
	}{
		{"model eq", typ.Rule{Field: "model", Op: typ.OpEq, Value: "gpt-4o"}, true},
		{"model ne", typ.Rule{Field: "model", Op: typ.OpNe, Value: "gpt-4o"}, false},
		{"model contains", typ.Rule{Field: "model", Op: typ.OpContains, Value: "-4"}, true},
		{"model glob", typ.Rule{Field: "model", Op: typ.OpGlob, Value: "gpt-*"}, true},
		{"model glob miss", typ.Rule{Field: "model", Op: typ.OpGlob, Value: "o3*"}, false},
		{"model regex", typ.Rule{Field: "model", Op: typ.OpRegex, Value: "^gpt-4"}, true},
		{"invalid regex", typ.Rule{Field: "model", Op: typ.OpRegex, Value: "("}, false},
		{"model in", typ.Rule{Field: "model", Op: typ.OpIn, Value: []any{"o3", "gpt-4o"}}, true},
		{"model not in", typ.Rule{Field: "model", Op: typ.OpIn, Value: []any{"o3"}}, false},
		{"header name case folds", typ.Rule{Field: "headers.x-tenant", Op: typ.OpContains, Value: "acme"}, true},
		{"header numeric gt", typ.Rule{Field: "headers.x-limit", Op: typ.OpGt, Value: 100}, true},
		{"header numeric lte", typ.Rule{Field: "headers.x-limit", Op: typ.OpLte, Value: 250}, true},
		{"header exists", typ.Rule{Field: "headers.x-tenant", Op: typ.OpExists}, true},
		{"header absent", typ.Rule{Field: "headers.x-unset", Op: typ.OpExists, Value: false}, true},
		{"body bool eq", typ.Rule{Field: "body.stream", Op: typ.OpEq, Value: true}, true},
		{"body numeric gte", typ.Rule{Field: "body.n", Op: typ.OpGte, Value: 2}, true},
		{"body array index", typ.Rule{Field: "body.messages.1.role", Op: typ.OpEq, Value: "assistant"}, true},
		{"body path absent", typ.Rule{Field: "body.tools", Op: typ.OpExists, Value: false}, true},
		{"usage lt", typ.Rule{Field: "token_usage.input_tokens", Op: typ.OpLt, Value: 2000}, true},
		{"usage gt self", typ.Rule{Field: "token_usage.input_tokens", Op: typ.OpGt, Value: 1500}, false},
		{"usage gte", typ.Rule{Field: "token_usage.total_tokens", Op: typ.OpGte, Value: 1500}, true},
		{"unknown field", typ.Rule{Field: "nope.nothing", Op: typ.OpEq, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &typ.RuleSet{Rules: []typ.Rule{tt.rule}}
			assert.Equal(t, tt.want, Evaluate(rs, ctx))
		})
	}
}

func TestEvaluateLogic(t *testing.T) {
	ctx := testContext()
	pass := typ.Rule{Field: "model", Op: typ.OpEq, Value: "gpt-4o"}
	fail := typ.Rule{Field: "model", Op: typ.OpEq, Value: "other"}

	assert.True(t, Evaluate(nil, ctx))
	assert.True(t, Evaluate(&typ.RuleSet{}, ctx))

	assert.True(t, Evaluate(&typ.RuleSet{Rules: []typ.Rule{pass, pass}}, ctx), "default logic is AND")
	assert.False(t, Evaluate(&typ.RuleSet{Logic: typ.LogicAnd, Rules: []typ.Rule{pass, fail}}, ctx))
	assert.True(t, Evaluate(&typ.RuleSet{Logic: typ.LogicOr, Rules: []typ.Rule{fail, pass}}, ctx))
	assert.False(t, Evaluate(&typ.RuleSet{Logic: typ.LogicOr, Rules: []typ.Rule{fail, fail}}, ctx))
}

func TestBuildCandidates(t *testing.T) {
	failing := &typ.RuleSet{Rules: []typ.Rule{{Field: "model", Op: typ.OpEq, Value: "nope"}}}
	providers := map[string]*typ.Provider{
		"p1": {ID: "p1", Name: "openai-main", Protocol: "openai", IsActive: true},
		"p2": {ID: "p2", Name: "anthropic-main", Protocol: "anthropic", IsActive: true},
		"p3": {ID: "p3", Name: "disabled", IsActive: false},
		"p4": {ID: "p4", Name: "gated", IsActive: true, Rules: failing},
	}
	mapping := &typ.ModelMapping{
		RequestedModel: "my-model",
		Strategy:       typ.StrategyPriority,
		Billing:        &typ.BillingConfig{Mode: typ.BillingModeTokenFlat},
		IsActive:       true,
	}
	edges := []typ.ProviderMapping{
		{ID: "m-2", RequestedModel: "my-model", ProviderID: "p1", TargetModelName: "gpt-4o-mini", Priority: 1, IsActive: true, Billing: &typ.BillingConfig{Mode: typ.BillingModeInherit}},
		{ID: "m-1", RequestedModel: "my-model", ProviderID: "p2", TargetModelName: "claude-sonnet-4", Priority: 0, IsActive: true},
		{ID: "m-3", RequestedModel: "my-model", ProviderID: "p3", TargetModelName: "x", Priority: 0, IsActive: true},
		{ID: "m-4", RequestedModel: "my-model", ProviderID: "p1", TargetModelName: "x", Priority: 0, IsActive: false},
		{ID: "m-5", RequestedModel: "my-model", ProviderID: "p1", TargetModelName: "x", Priority: 1, IsActive: true, Rules: failing},
		{ID: "m-0", RequestedModel: "my-model", ProviderID: "p1", Priority: 1, IsActive: true},
		{ID: "m-6", RequestedModel: "my-model", ProviderID: "p4", TargetModelName: "x", Priority: 0, IsActive: true},
	}
	ctx := &Context{Model: "my-model"}

	cands := BuildCandidates(mapping, edges, providers, ctx)
	require.Len(t, cands, 3)

	assert.Equal(t, "m-1", cands[0].MappingID, "lowest priority first")
	assert.Equal(t, "claude-sonnet-4", cands[0].TargetModel)
	assert.Equal(t, "m-0", cands[1].MappingID, "priority ties break on edge id")
	assert.Equal(t, "my-model", cands[1].TargetModel, "empty target falls back to the requested name")
	assert.Equal(t, "m-2", cands[2].MappingID)

	// Two surviving edges share p1 with different targets.
	assert.Equal(t, cands[1].Provider, cands[2].Provider)
	assert.NotEqual(t, cands[1].TargetModel, cands[2].TargetModel)
	assert.NotEqual(t, cands[1].Identity(), cands[2].Identity())

	assert.Equal(t, mapping.Billing, cands[2].ModelBilling)
	assert.Equal(t, typ.BillingModeInherit, cands[2].ProviderBilling.Mode)
}
