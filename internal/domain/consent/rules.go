package consent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Evaluation is the outcome of running a contract's rules once.
type Evaluation struct {
	ExecutedRules []RuleExecution
	// Transition is the first transition proposed under priority order, or
	// nil when no rule proposed one.
	Transition *Transition
	Warnings   []string
}

// RuleEngine orders rules by priority, evaluates their conditions and
// invokes the action executor for each match.
type RuleEngine struct {
	conditions *ConditionEvaluator
	actions    *ActionExecutor
	logger     zerolog.Logger
}

func NewRuleEngine(conditions *ConditionEvaluator, actions *ActionExecutor, logger zerolog.Logger) *RuleEngine {
	return &RuleEngine{conditions: conditions, actions: actions, logger: logger}
}

// OrderRules returns the active rules sorted by priority descending, ties
// broken by id ascending. The input slice is not modified.
func OrderRules(rules []Rule) []Rule {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// Run evaluates rules against the snapshot in req. Only the first proposed
// transition is kept; later status-changing matches are recorded as no-ops
// while non-status actions still run. A failing rule is skipped with a
// warning and never aborts the run.
func (e *RuleEngine) Run(ctx context.Context, req ActionRequest, rules []Rule, now time.Time) *Evaluation {
	out := &Evaluation{ExecutedRules: []RuleExecution{}}
	evalCtx := &EvalContext{
		Contract:   req.Contract,
		Action:     req.Action,
		Parameters: req.Parameters,
		Now:        now,
	}

	for _, rule := range OrderRules(rules) {
		log := e.logger.With().
			Str("contract_id", req.Contract.ID.String()).
			Str("rule_id", rule.ID).
			Str("rule_action", string(rule.Action)).
			Logger()

		matched, err := e.conditions.Evaluate(rule.Condition, evalCtx)
		if err != nil {
			log.Warn().Err(err).Str("condition", rule.Condition).Msg("rule condition failed, treated as not matched")
			out.Warnings = append(out.Warnings, fmt.Sprintf("rule %s: %v", rule.ID, err))
			continue
		}
		if !matched {
			continue
		}

		exec := RuleExecution{RuleID: rule.ID, Name: rule.Name, Action: rule.Action}

		if rule.Action.ChangesStatus() && out.Transition != nil {
			exec.Outcome = OutcomeNoOp
			exec.Detail = fmt.Sprintf("status transition already proposed by rule %s", out.Transition.RuleID)
			out.ExecutedRules = append(out.ExecutedRules, exec)
			continue
		}

		res := e.actions.Execute(ctx, rule, req)
		exec.Outcome = res.Outcome
		exec.Detail = res.Detail
		out.ExecutedRules = append(out.ExecutedRules, exec)

		switch {
		case res.Transition != nil:
			out.Transition = res.Transition
		case res.Outcome == OutcomeFailed:
			log.Warn().Str("detail", res.Detail).Msg("rule action failed")
			out.Warnings = append(out.Warnings, fmt.Sprintf("rule %s: %s", rule.ID, res.Detail))
		}
	}

	return out
}
