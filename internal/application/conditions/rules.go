package conditions

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// EvaluateRule evaluates a condition rule against a JSON object of facts.
// Nested objects are reachable with underscore-joined names, e.g. "financials_revenue".
// An empty rule evaluates to false: there is nothing to prove.
func EvaluateRule(rule string, facts json.RawMessage) (bool, error) {
	expr := strings.TrimSpace(rule)
	if expr == "" {
		return false, nil
	}
	switch strings.ToLower(expr) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	params, err := factParams(facts)
	if err != nil {
		return false, err
	}
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, err
	}
	for _, tok := range compiled.Tokens() {
		if tok.Kind != govaluate.VARIABLE {
			continue
		}
		name, _ := tok.Value.(string)
		if _, ok := params[name]; !ok {
			return false, errMissingFact{name: name}
		}
	}
	result, err := compiled.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.New("rule did not evaluate to boolean")
	}
	return b, nil
}

type errMissingFact struct{ name string }

func (e errMissingFact) Error() string { return "missing fact " + e.name }

// IsMissingFact reports whether err came from a rule naming an absent fact.
func IsMissingFact(err error) bool {
	var m errMissingFact
	return errors.As(err, &m)
}

func factParams(facts json.RawMessage) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if len(facts) == 0 {
		return params, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(facts, &raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		params[k] = v
	}
	flatten("", raw, params)
	return params, nil
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
