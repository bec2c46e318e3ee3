package consent

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(logs AccessLogStore, n Notifier) *RuleEngine {
	return NewRuleEngine(NewConditionEvaluator(), newTestExecutor(logs, n), zerolog.Nop())
}

func TestOrderRules(t *testing.T) {
	in := []Rule{
		{ID: "c", Priority: 1, IsActive: true},
		{ID: "b", Priority: 5, IsActive: true},
		{ID: "a", Priority: 5, IsActive: true},
		{ID: "z", Priority: 9, IsActive: false},
		{ID: "d", Priority: -3, IsActive: true},
	}
	orig := append([]Rule(nil), in...)

	got := OrderRules(in)
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if want := []string{"a", "b", "c", "d"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("OrderRules ids = %v, want %v", ids, want)
	}
	if !reflect.DeepEqual(in, orig) {
		t.Error("OrderRules must not reorder its input")
	}
}

func TestRuleEngine_HigherPriorityTransitionWins(t *testing.T) {
	e := newTestEngine(NewMemoryAccessLogStore(), nil)
	c := contractWithStatus(StatusPending)
	rules := []Rule{
		{ID: "reject", Name: "reject", Condition: "true", Action: ActionAutoReject, Priority: 1, IsActive: true},
		{ID: "approve", Name: "approve", Condition: "true", Action: ActionAutoApprove, Priority: 5, IsActive: true},
	}

	out := e.Run(context.Background(), ActionRequest{Contract: c, Action: "check"}, rules, fixedNow)

	if out.Transition == nil || out.Transition.To != StatusApproved || out.Transition.RuleID != "approve" {
		t.Fatalf("expected approve transition, got %+v", out.Transition)
	}
	if len(out.ExecutedRules) != 2 {
		t.Fatalf("expected 2 executed rules, got %d", len(out.ExecutedRules))
	}
	if out.ExecutedRules[0].RuleID != "approve" || out.ExecutedRules[0].Outcome != OutcomeProposed {
		t.Errorf("unexpected first entry: %+v", out.ExecutedRules[0])
	}
	if out.ExecutedRules[1].RuleID != "reject" || out.ExecutedRules[1].Outcome != OutcomeNoOp {
		t.Errorf("expected reject recorded as no-op, got %+v", out.ExecutedRules[1])
	}
}

func TestRuleEngine_SideEffectsRunAfterTransition(t *testing.T) {
	logs := NewMemoryAccessLogStore()
	n := &fakeNotifier{}
	e := newTestEngine(logs, n)
	c := contractWithStatus(StatusPending)
	rules := []Rule{
		{ID: "approve", Condition: `action == "approve"`, Action: ActionAutoApprove, Priority: 10, IsActive: true},
		{ID: "reject", Condition: "true", Action: ActionAutoReject, Priority: 5, IsActive: true},
		{ID: "log", Condition: "true", Action: ActionLogAccess, Priority: 1, IsActive: true},
		{ID: "notify", Condition: "isPending", Action: ActionSendNotification, Priority: 0, IsActive: true},
	}

	out := e.Run(context.Background(), ActionRequest{Contract: c, Action: "approve"}, rules, fixedNow)

	outcomes := map[string]RuleOutcome{}
	for _, r := range out.ExecutedRules {
		outcomes[r.RuleID] = r.Outcome
	}
	want := map[string]RuleOutcome{
		"approve": OutcomeProposed,
		"reject":  OutcomeNoOp,
		"log":     OutcomeApplied,
		"notify":  OutcomeApplied,
	}
	if !reflect.DeepEqual(outcomes, want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
	if _, total, _ := logs.ListByContract(context.Background(), c.ID, 10, 0); total != 1 {
		t.Errorf("expected log_access to run, got %d entries", total)
	}
	if len(n.Sent()) != 1 {
		t.Errorf("expected notification to be sent, got %d", len(n.Sent()))
	}
}

func TestRuleEngine_NoOpDoesNotConsumeTransition(t *testing.T) {
	e := newTestEngine(NewMemoryAccessLogStore(), nil)
	rules := []Rule{
		{ID: "expire", Condition: "true", Action: ActionExpireContract, Priority: 10, IsActive: true},
		{ID: "approve", Condition: "true", Action: ActionAutoApprove, Priority: 5, IsActive: true},
	}

	out := e.Run(context.Background(), ActionRequest{Contract: contractWithStatus(StatusPending), Action: "check"}, rules, fixedNow)

	if out.ExecutedRules[0].Outcome != OutcomeNoOp {
		t.Errorf("expire on pending should be a no-op, got %s", out.ExecutedRules[0].Outcome)
	}
	if out.Transition == nil || out.Transition.RuleID != "approve" {
		t.Errorf("expected approve to propose, got %+v", out.Transition)
	}
}

func TestRuleEngine_BadRuleIsIsolated(t *testing.T) {
	e := newTestEngine(NewMemoryAccessLogStore(), nil)
	rules := []Rule{
		{ID: "broken", Condition: "parameters.missing == 1", Action: ActionAutoReject, Priority: 10, IsActive: true},
		{ID: "approve", Condition: "isPending", Action: ActionAutoApprove, Priority: 1, IsActive: true},
	}

	out := e.Run(context.Background(), ActionRequest{Contract: contractWithStatus(StatusPending), Action: "check"}, rules, fixedNow)

	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "broken") {
		t.Errorf("expected one warning naming the broken rule, got %v", out.Warnings)
	}
	if got := len(out.ExecutedRules); got != 1 || out.ExecutedRules[0].RuleID != "approve" {
		t.Errorf("expected only approve executed, got %+v", out.ExecutedRules)
	}
	if out.Transition == nil || out.Transition.To != StatusApproved {
		t.Errorf("expected approve transition, got %+v", out.Transition)
	}
}

func TestRuleEngine_FailedActionWarns(t *testing.T) {
	e := newTestEngine(failingAccessLogStore{}, nil)
	rules := []Rule{{ID: "log", Condition: "true", Action: ActionLogAccess, IsActive: true}}

	out := e.Run(context.Background(), ActionRequest{Contract: contractWithStatus(StatusApproved), Action: "read"}, rules, fixedNow)

	if len(out.ExecutedRules) != 1 || out.ExecutedRules[0].Outcome != OutcomeFailed {
		t.Fatalf("expected failed log rule, got %+v", out.ExecutedRules)
	}
	if len(out.Warnings) != 1 {
		t.Errorf("expected a warning, got %v", out.Warnings)
	}
}

func TestRuleEngine_InactiveAndUnmatchedRulesSkipped(t *testing.T) {
	e := newTestEngine(NewMemoryAccessLogStore(), nil)
	rules := []Rule{
		{ID: "off", Condition: "true", Action: ActionAutoApprove, Priority: 10, IsActive: false},
		{ID: "nomatch", Condition: `action == "reject"`, Action: ActionAutoReject, Priority: 5, IsActive: true},
	}

	out := e.Run(context.Background(), ActionRequest{Contract: contractWithStatus(StatusPending), Action: "approve"}, rules, fixedNow)

	if len(out.ExecutedRules) != 0 || out.Transition != nil || len(out.Warnings) != 0 {
		t.Errorf("expected nothing to run, got %+v", out)
	}
	if out.ExecutedRules == nil {
		t.Error("ExecutedRules should be an empty list, not nil")
	}
}

func TestRuleEngine_Deterministic(t *testing.T) {
	e := newTestEngine(NewMemoryAccessLogStore(), &fakeNotifier{})
	c := contractWithStatus(StatusPending)
	rules := []Rule{
		{ID: "r3", Condition: "true", Action: ActionLogAccess, Priority: 2, IsActive: true},
		{ID: "r1", Condition: "true", Action: ActionSendNotification, Priority: 2, IsActive: true},
		{ID: "r2", Condition: "true", Action: ActionAutoReject, Priority: 2, IsActive: true},
		{ID: "r0", Condition: "true", Action: ActionAutoApprove, Priority: 2, IsActive: true},
	}

	first := e.Run(context.Background(), ActionRequest{Contract: c, Action: "check"}, rules, fixedNow)
	for i := 0; i < 10; i++ {
		again := e.Run(context.Background(), ActionRequest{Contract: c, Action: "check"}, rules, fixedNow)
		if !reflect.DeepEqual(ruleIDs(again), ruleIDs(first)) {
			t.Fatalf("run %d order %v differs from %v", i, ruleIDs(again), ruleIDs(first))
		}
		if !reflect.DeepEqual(again.Transition, first.Transition) {
			t.Fatalf("run %d transition %+v differs from %+v", i, again.Transition, first.Transition)
		}
	}
	if want := []string{"r0", "r1", "r2", "r3"}; !reflect.DeepEqual(ruleIDs(first), want) {
		t.Errorf("order = %v, want %v", ruleIDs(first), want)
	}
	if first.Transition.RuleID != "r0" {
		t.Errorf("expected r0 to win the tie, got %s", first.Transition.RuleID)
	}
}

func ruleIDs(e *Evaluation) []string {
	ids := make([]string, len(e.ExecutedRules))
	for i, r := range e.ExecutedRules {
		ids[i] = r.RuleID
	}
	return ids
}
