package consent

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testEvalContext() *EvalContext {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &EvalContext{
		Contract: &Contract{
			ID:          uuid.MustParse("11111111-1111-1111-1111-111111111111"),
			ContractID:  "CC-TEST",
			PatientID:   uuid.MustParse("22222222-2222-2222-2222-222222222222"),
			RequesterID: uuid.MustParse("33333333-3333-3333-3333-333333333333"),
			DataTypes:   []string{"lab_results"},
			Purpose:     "treatment",
			Duration:    Duration1Month,
			Conditions:  map[string]string{"region": "EU"},
			Status:      StatusPending,
			CreatedAt:   now.Add(-time.Hour),
			ExpiresAt:   now.Add(30 * 24 * time.Hour),
		},
		Action: "approve",
		Parameters: map[string]any{
			"urgent":    true,
			"count":     3,
			"score":     float64(4.5),
			"reviewer":  "dr-who",
			"nothing":   nil,
			"unhandled": []string{"x"},
		},
		Now: now,
	}
}

func TestConditionEvaluator_Evaluate(t *testing.T) {
	tests := []struct {
		condition string
		want      bool
	}{
		{"true", true},
		{"false", false},
		{`action == "approve"`, true},
		{`action === 'approve'`, true},
		{`action != "approve"`, false},
		{`action !== "reject"`, true},
		{"isPending", true},
		{"isApproved", false},
		{"isExpired", false},
		{"!isExpired", true},
		{"not isApproved", true},
		{`isPending && action == "approve"`, true},
		{`isPending and action == "reject"`, false},
		{`isApproved || action == "approve"`, true},
		{`isApproved OR isExpired`, false},
		{"true || false && false", true},
		{"(true || false) && false", false},
		{"parameters.urgent == true", true},
		{"parameters.urgent", true},
		{"parameters.count == 3", true},
		{`parameters.count == "3"`, false},
		{"parameters.score == 4.5", true},
		{`parameters.reviewer == "dr-who"`, true},
		{"parameters.nothing == null", true},
		{`contract.status == "pending"`, true},
		{`contract.purpose == "treatment"`, true},
		{`contract.duration == "1_month"`, true},
		{`contract.contractId == "CC-TEST"`, true},
		{`contract.requesterId == "33333333-3333-3333-3333-333333333333"`, true},
		{`contract.conditions.region == "EU"`, true},
		{`contract.conditions.region != "US"`, true},
		{`now == "2025-06-01T10:00:00Z"`, true},
		{`"a" == "a"`, true},
		{"1 == 1.0", true},
		{"-2 == -2", true},
		{`'it\'s' == "it's"`, true},
	}

	ce := NewConditionEvaluator()
	ctx := testEvalContext()
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := ce.Evaluate(tt.condition, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.condition, got, tt.want)
			}
		})
	}
}

func TestConditionEvaluator_IsExpired(t *testing.T) {
	ctx := testEvalContext()
	ctx.Now = ctx.Contract.ExpiresAt.Add(time.Second)

	got, err := NewConditionEvaluator().Evaluate("isExpired", ctx)
	if err != nil || !got {
		t.Fatalf("expected isExpired after expiry, got %v, %v", got, err)
	}

	ctx.Now = ctx.Contract.ExpiresAt
	got, _ = NewConditionEvaluator().Evaluate("isExpired", ctx)
	if got {
		t.Error("isExpired must be strictly after expiresAt")
	}
}

func TestConditionEvaluator_FailsClosed(t *testing.T) {
	tests := []struct {
		name      string
		condition string
	}{
		{"empty", "   "},
		{"unknown root field", "secret == 1"},
		{"unknown contract field", `contract.ssn == "x"`},
		{"deep parameter path", "parameters.a.b == 1"},
		{"malformed path", "contract..status"},
		{"missing parameter", "parameters.absent == 1"},
		{"missing contract condition", `contract.conditions.tier == "gold"`},
		{"unsupported parameter type", "parameters.unhandled == 1"},
		{"string used as boolean", "contract.status"},
		{"number used as boolean", "parameters.count && true"},
		{"single ampersand", "true & false"},
		{"single pipe", "true | false"},
		{"single equals", `action = "approve"`},
		{"unclosed string", `action == "approve`},
		{"unclosed paren", `(action == "approve"`},
		{"trailing token", `action == "approve" )`},
		{"dangling operator", "action =="},
		{"function call", `exec("rm")`},
		{"bad character", "action == `approve`"},
		{"bad number", "1.2.3 == 1"},
	}

	ce := NewConditionEvaluator()
	ctx := testEvalContext()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ce.Evaluate(tt.condition, ctx)
			if got {
				t.Errorf("Evaluate(%q) = true, want false", tt.condition)
			}
			if !errors.Is(err, ErrRuleEvaluation) {
				t.Errorf("expected ErrRuleEvaluation, got %v", err)
			}
		})
	}
}

func TestParseCondition_Tree(t *testing.T) {
	expr, err := ParseCondition(`isPending && (action == "approve" || !parameters.urgent)`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expr.Kind != ExprAnd {
		t.Fatalf("expected And at root, got %v", expr.Kind)
	}
	if expr.Left.Kind != ExprFieldRef || expr.Left.Field != "isPending" {
		t.Errorf("unexpected left operand: %+v", expr.Left)
	}
	or := expr.Right
	if or.Kind != ExprOr {
		t.Fatalf("expected Or on the right, got %v", or.Kind)
	}
	if or.Left.Kind != ExprCompare || or.Left.Op != OpEqual {
		t.Errorf("expected Compare ==, got %+v", or.Left)
	}
	if or.Right.Kind != ExprNot || or.Right.Child.Field != "parameters.urgent" {
		t.Errorf("expected Not(parameters.urgent), got %+v", or.Right)
	}
}

func TestExpr_String(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"true || false && false", "(true || (false && false))"},
		{`not isExpired and action === 'a'`, `(!isExpired && action == "a")`},
		{"parameters.n != 1.5", "parameters.n != 1.5"},
		{"parameters.x == null", "parameters.x == null"},
	}
	for _, tt := range tests {
		expr, err := ParseCondition(tt.in)
		if err != nil {
			t.Fatalf("ParseCondition(%q): %v", tt.in, err)
		}
		if got := expr.String(); got != tt.want {
			t.Errorf("String(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseCondition_ErrorPosition(t *testing.T) {
	_, err := ParseCondition(`isPending && bogus`)
	if err == nil || !strings.Contains(err.Error(), "position 13") {
		t.Errorf("expected position in error, got %v", err)
	}
}

func TestConditionEvaluator_CachesParsedTree(t *testing.T) {
	ce := NewConditionEvaluator()
	ctx := testEvalContext()
	cond := `action == "approve"`

	for i := 0; i < 3; i++ {
		if ok, err := ce.Evaluate(cond, ctx); err != nil || !ok {
			t.Fatalf("iteration %d: got %v, %v", i, ok, err)
		}
	}
	if !ce.cache.Contains(cond) {
		t.Error("expected parsed condition to be cached")
	}
	if _, err := ce.Evaluate("bogus", ctx); err == nil {
		t.Fatal("expected error")
	}
	if ce.cache.Contains("bogus") {
		t.Error("failed parses must not be cached")
	}
}

func TestConditionEvaluator_CacheIsBounded(t *testing.T) {
	ce := newConditionEvaluatorSize(4)
	ctx := testEvalContext()

	for i := 0; i < 20; i++ {
		cond := fmt.Sprintf(`action == "a%d"`, i)
		if _, err := ce.Evaluate(cond, ctx); err != nil {
			t.Fatalf("Evaluate(%q): %v", cond, err)
		}
	}
	if n := ce.cache.Len(); n != 4 {
		t.Errorf("expected cache capped at 4 entries, got %d", n)
	}
	if !ce.cache.Contains(`action == "a19"`) || ce.cache.Contains(`action == "a0"`) {
		t.Error("expected least recently used conditions to be evicted")
	}
}
