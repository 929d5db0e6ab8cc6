// Package validation evaluates records against declarative rule sets.
//
// Rules are compiled once per job into a RuleSet that is shared read-only by
// every row of that job. Validate never fails: violations are returned as data.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"ferry/internal/convert"
	"ferry/internal/model"
)

// CustomFunc implements a named custom rule. It returns false and a message
// when value violates the rule. rec is the full record for cross-field checks.
type CustomFunc func(value string, rec model.Record) (bool, string)

// Violation is one broken rule for one field
type Violation struct {
	Field    string         `json:"field"`
	Rule     model.RuleKind `json:"rule"`
	Severity model.Severity `json:"severity"`
	Message  string         `json:"message"`
}

// RowError attaches the row number to the violation
func (v Violation) RowError(line int) model.RowError {
	return model.RowError{
		Line:     line,
		Field:    v.Field,
		Rule:     v.Rule,
		Severity: v.Severity,
		Message:  v.Message,
	}
}

// Result lists the violations of one record in rule order
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Failed is true when any error-severity rule was violated
func (r Result) Failed() bool {
	for _, v := range r.Violations {
		if v.Severity == model.SeverityError {
			return true
		}
	}
	return false
}

func (r Result) HasWarnings() bool {
	for _, v := range r.Violations {
		if v.Severity == model.SeverityWarning {
			return true
		}
	}
	return false
}

type compiledRule struct {
	rule   model.ValidationRule
	re     *regexp.Regexp
	custom CustomFunc
}

// RuleSet is an immutable compiled rule list
type RuleSet struct {
	rules []compiledRule
}

// Compile checks every rule and resolves patterns and custom functions.
// Malformed rules are configuration errors.
func Compile(rules []model.ValidationRule, customs map[string]CustomFunc) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}

	for i, rule := range rules {
		if strings.TrimSpace(rule.Field) == "" {
			return nil, model.ConfigErrorf("rule %d: field is required", i)
		}
		if rule.Severity == "" {
			rule.Severity = model.SeverityError
		}
		if rule.Severity != model.SeverityError && rule.Severity != model.SeverityWarning {
			return nil, model.ConfigErrorf("rule %d (%s): unknown severity %q", i, rule.Field, rule.Severity)
		}

		cr := compiledRule{rule: rule}
		switch rule.Kind {
		case model.RuleRequired:
		case model.RuleType:
			if !rule.Type.Valid() {
				return nil, model.ConfigErrorf("rule %d (%s): unknown type %q", i, rule.Field, rule.Type)
			}
		case model.RuleRange:
			if rule.Min == nil && rule.Max == nil {
				return nil, model.ConfigErrorf("rule %d (%s): range needs min or max", i, rule.Field)
			}
			if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
				return nil, model.ConfigErrorf("rule %d (%s): min greater than max", i, rule.Field)
			}
		case model.RulePattern:
			re, err := regexp.Compile(rule.Pattern)
			if err != nil || rule.Pattern == "" {
				return nil, model.ConfigErrorf("rule %d (%s): invalid pattern %q", i, rule.Field, rule.Pattern)
			}
			cr.re = re
		case model.RuleCustom:
			fn, ok := customs[rule.Custom]
			if !ok {
				return nil, model.ConfigErrorf("rule %d (%s): unknown custom rule %q", i, rule.Field, rule.Custom)
			}
			cr.custom = fn
		default:
			return nil, model.ConfigErrorf("rule %d (%s): unknown kind %q", i, rule.Field, rule.Kind)
		}

		rs.rules = append(rs.rules, cr)
	}

	return rs, nil
}

// Len returns the number of compiled rules
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Validate evaluates every rule against rec. Only required rules look at empty
// values; the other kinds skip fields that are blank.
func (rs *RuleSet) Validate(rec model.Record) Result {
	var res Result
	if rs == nil {
		return res
	}

	for _, cr := range rs.rules {
		value := convert.CleanCell(rec[cr.rule.Field])
		ok, msg := cr.check(value, rec)
		if ok {
			continue
		}
		if cr.rule.Message != "" {
			msg = cr.rule.Message
		}
		res.Violations = append(res.Violations, Violation{
			Field:    cr.rule.Field,
			Rule:     cr.rule.Kind,
			Severity: cr.rule.Severity,
			Message:  msg,
		})
	}

	return res
}

func (cr compiledRule) check(value string, rec model.Record) (bool, string) {
	rule := cr.rule

	if rule.Kind == model.RuleRequired {
		return value != "", "required field is empty"
	}
	if value == "" {
		return true, ""
	}

	switch rule.Kind {
	case model.RuleType:
		if err := checkType(rule.Type, value); err != nil {
			return false, err.Error()
		}
	case model.RuleRange:
		n, ok := convert.ParseNumber(value)
		if !ok {
			return false, fmt.Sprintf("%q is not numeric", value)
		}
		if rule.Min != nil && n < *rule.Min {
			return false, fmt.Sprintf("%v is below minimum %v", n, *rule.Min)
		}
		if rule.Max != nil && n > *rule.Max {
			return false, fmt.Sprintf("%v is above maximum %v", n, *rule.Max)
		}
	case model.RulePattern:
		if !cr.re.MatchString(value) {
			return false, fmt.Sprintf("%q does not match pattern %s", value, rule.Pattern)
		}
	case model.RuleCustom:
		if ok, msg := cr.custom(value, rec); !ok {
			if msg == "" {
				msg = fmt.Sprintf("failed %s check", rule.Custom)
			}
			return false, msg
		}
	}
	return true, ""
}

func checkType(t model.FieldType, value string) error {
	_, err := convert.Coerce(t, value)
	return err
}

// Validate compiles rules with the default custom functions and evaluates rec.
// A rule set that fails to compile is reported as a violation.
func Validate(rec model.Record, rules []model.ValidationRule) Result {
	rs, err := Compile(rules, DefaultCustoms())
	if err != nil {
		return Result{Violations: []Violation{{
			Severity: model.SeverityError,
			Message:  err.Error(),
		}}}
	}
	return rs.Validate(rec)
}
