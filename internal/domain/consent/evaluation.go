package consent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type valueKind string

const (
	kindNull   valueKind = "null"
	kindBool   valueKind = "boolean"
	kindString valueKind = "string"
	kindNumber valueKind = "number"
)

// Value is a scalar produced by a literal or a context lookup.
type Value struct {
	kind valueKind
	b    bool
	s    string
	n    float64
}

func NullValue() Value               { return Value{kind: kindNull} }
func BoolValue(b bool) Value         { return Value{kind: kindBool, b: b} }
func StringValue(s string) Value     { return Value{kind: kindString, s: s} }
func NumberValue(n float64) Value    { return Value{kind: kindNumber, n: n} }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == kindBool }

// Equal is strict: values of different kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case kindBool:
		return v.b == o.b
	case kindString:
		return v.s == o.s
	case kindNumber:
		return v.n == o.n
	}
	return true
}

func (v Value) literal() string {
	switch v.kind {
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindString:
		return strconv.Quote(v.s)
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	}
	return "null"
}

// valueOf converts a JSON-decoded parameter into a scalar Value.
func valueOf(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(v), nil
	case string:
		return StringValue(v), nil
	case float64:
		return NumberValue(v), nil
	case float32:
		return NumberValue(float64(v)), nil
	case int:
		return NumberValue(float64(v)), nil
	case int32:
		return NumberValue(float64(v)), nil
	case int64:
		return NumberValue(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, err
		}
		return NumberValue(f), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}

// EvalContext is the read-only view a condition is evaluated against.
type EvalContext struct {
	Contract   *Contract
	Action     string
	Parameters map[string]any
	Now        time.Time
}

func (c *EvalContext) IsExpired() bool  { return c.Now.After(c.Contract.ExpiresAt) }
func (c *EvalContext) IsPending() bool  { return c.Contract.Status == StatusPending }
func (c *EvalContext) IsApproved() bool { return c.Contract.Status == StatusApproved }

var rootFields = map[string]bool{
	"action": true, "now": true,
	"isExpired": true, "isPending": true, "isApproved": true,
}

var contractFields = map[string]bool{
	"id": true, "contractId": true, "patientId": true, "requesterId": true,
	"status": true, "purpose": true, "duration": true,
	"expiresAt": true, "createdAt": true,
}

// checkFieldPath rejects references outside the whitelisted context at parse
// time. Keys under parameters and contract.conditions are only known at
// evaluation time.
func checkFieldPath(path string) error {
	if rootFields[path] {
		return nil
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("malformed field reference %q", path)
		}
	}
	switch {
	case parts[0] == "parameters" && len(parts) == 2:
		return nil
	case parts[0] == "contract" && len(parts) == 2 && contractFields[parts[1]]:
		return nil
	case parts[0] == "contract" && len(parts) == 3 && parts[1] == "conditions":
		return nil
	}
	return fmt.Errorf("unknown field %q", path)
}

// Lookup resolves a whitelisted field path.
func (c *EvalContext) Lookup(path string) (Value, error) {
	switch path {
	case "action":
		return StringValue(c.Action), nil
	case "now":
		return StringValue(c.Now.UTC().Format(time.RFC3339)), nil
	case "isExpired":
		return BoolValue(c.IsExpired()), nil
	case "isPending":
		return BoolValue(c.IsPending()), nil
	case "isApproved":
		return BoolValue(c.IsApproved()), nil
	}

	parts := strings.Split(path, ".")
	switch {
	case parts[0] == "parameters" && len(parts) == 2:
		raw, ok := c.Parameters[parts[1]]
		if !ok {
			return Value{}, fmt.Errorf("parameter %q not supplied", parts[1])
		}
		v, err := valueOf(raw)
		if err != nil {
			return Value{}, fmt.Errorf("parameter %q: %v", parts[1], err)
		}
		return v, nil

	case parts[0] == "contract" && len(parts) == 3 && parts[1] == "conditions":
		v, ok := c.Contract.Conditions[parts[2]]
		if !ok {
			return Value{}, fmt.Errorf("contract condition %q not set", parts[2])
		}
		return StringValue(v), nil

	case parts[0] == "contract" && len(parts) == 2:
		ct := c.Contract
		switch parts[1] {
		case "id":
			return StringValue(ct.ID.String()), nil
		case "contractId":
			return StringValue(ct.ContractID), nil
		case "patientId":
			return StringValue(ct.PatientID.String()), nil
		case "requesterId":
			return StringValue(ct.RequesterID.String()), nil
		case "status":
			return StringValue(string(ct.Status)), nil
		case "purpose":
			return StringValue(ct.Purpose), nil
		case "duration":
			return StringValue(string(ct.Duration)), nil
		case "expiresAt":
			return StringValue(ct.ExpiresAt.UTC().Format(time.RFC3339)), nil
		case "createdAt":
			return StringValue(ct.CreatedAt.UTC().Format(time.RFC3339)), nil
		}
	}
	return Value{}, fmt.Errorf("unknown field %q", path)
}

// defaultConditionCacheSize bounds the number of parsed trees kept in memory.
const defaultConditionCacheSize = 1024

// ConditionEvaluator parses and evaluates rule conditions. The most recently
// used parsed trees are cached by source text; the cache is safe for
// concurrent use.
type ConditionEvaluator struct {
	cache *lru.Cache[string, *Expr]
}

func NewConditionEvaluator() *ConditionEvaluator {
	return newConditionEvaluatorSize(defaultConditionCacheSize)
}

func newConditionEvaluatorSize(size int) *ConditionEvaluator {
	cache, err := lru.New[string, *Expr](size)
	if err != nil {
		panic(fmt.Sprintf("condition cache: %v", err))
	}
	return &ConditionEvaluator{cache: cache}
}

func (ce *ConditionEvaluator) parse(condition string) (*Expr, error) {
	if expr, ok := ce.cache.Get(condition); ok {
		return expr, nil
	}
	expr, err := ParseCondition(condition)
	if err != nil {
		return nil, err
	}
	ce.cache.Add(condition, expr)
	return expr, nil
}

// Evaluate reports whether condition holds in ctx. It fails closed: any parse
// or evaluation failure yields false together with an ErrRuleEvaluation error
// that the caller is expected to log, never to propagate.
func (ce *ConditionEvaluator) Evaluate(condition string, ctx *EvalContext) (bool, error) {
	expr, err := ce.parse(condition)
	if err != nil {
		return false, err
	}
	ok, err := expr.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRuleEvaluation, err)
	}
	return ok, nil
}
