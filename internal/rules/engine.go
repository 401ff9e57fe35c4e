// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// DefaultWindowHours is the aggregation window applied when a windowed
// condition does not declare one.
const DefaultWindowHours = 24

// Evaluate runs every rule against the context and returns one Result per
// evaluated rule. Disabled rules and rules whose server/user scope does not
// match the context are skipped entirely.
//
// Evaluate is a pure function of its inputs: it performs no I/O and does not
// mutate the context, which allows it to run inside a database transaction.
func Evaluate(ctx EvalContext, ruleset []Rule) []Result {
	results := make([]Result, 0, len(ruleset))
	for i := range ruleset {
		r := &ruleset[i]
		if !r.Enabled || !inScope(r, ctx) {
			continue
		}
		results = append(results, evaluateRule(ctx, r))
	}
	return results
}

// Matches filters evaluation results down to the matched ones.
func Matches(results []Result) []Result {
	matched := make([]Result, 0, len(results))
	for _, res := range results {
		if res.Matched {
			matched = append(matched, res)
		}
	}
	return matched
}

// inScope reports whether the rule's optional server/user scope covers the
// evaluation context.
func inScope(r *Rule, ctx EvalContext) bool {
	if r.ServerID != "" && (ctx.Server == nil || r.ServerID != ctx.Server.ID) {
		return false
	}
	if r.UserID != nil && (ctx.User == nil || *r.UserID != ctx.User.ID) {
		return false
	}
	return true
}

// evaluateRule evaluates all condition groups of one rule. Groups are
// disjunctive: the rule matches when any group's conditions all hold.
func evaluateRule(ctx EvalContext, r *Rule) Result {
	res := Result{RuleID: r.ID, RuleName: r.Name}

	for gi := range r.Conditions.Groups {
		group := &r.Conditions.Groups[gi]
		if len(group.Conditions) == 0 {
			// Invalid per validation; never matches.
			continue
		}

		groupMatched := true
		for ci := range group.Conditions {
			ok, err := evaluateCondition(ctx, &group.Conditions[ci])
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				groupMatched = false
				break
			}
			if !ok {
				groupMatched = false
				break
			}
		}

		if groupMatched {
			res.Matched = true
			res.MatchedGroups = append(res.MatchedGroups, gi)
		}
	}

	if res.Matched {
		res.Actions = r.Actions
	}
	return res
}

// evaluateCondition resolves the condition's field against the context and
// applies the operator. Unknown fields and operators return an error so the
// caller can report them without failing the batch.
func evaluateCondition(ctx EvalContext, c *Condition) (bool, error) {
	switch c.Field {
	case FieldConcurrentStreams:
		return compareNumber(float64(len(ctx.ActiveSessions)), c.Operator, c.Value)
	case FieldUniqueIPs:
		return compareNumber(float64(countDistinct(ctx, c, func(s *models.Session) string { return s.IPAddress })), c.Operator, c.Value)
	case FieldUniqueDevices:
		return compareNumber(float64(countDistinct(ctx, c, func(s *models.Session) string { return s.DeviceID })), c.Operator, c.Value)
	case FieldUniqueCities:
		return compareNumber(float64(countDistinct(ctx, c, func(s *models.Session) string { return s.City })), c.Operator, c.Value)
	case FieldSessionsStarted:
		return compareNumber(float64(countInWindow(ctx, c)), c.Operator, c.Value)

	case FieldVideoDecision:
		return compareString(ctx.Session.VideoDecision, c.Operator, c.Value)
	case FieldQualityProfile:
		return compareString(ctx.Session.QualityProfile, c.Operator, c.Value)
	case FieldVideoResolution:
		return compareString(ctx.Session.VideoResolution, c.Operator, c.Value)
	case FieldBitrateKbps:
		return compareNumber(float64(ctx.Session.BitrateKbps), c.Operator, c.Value)
	case FieldMediaType:
		return compareString(ctx.Session.MediaType, c.Operator, c.Value)

	case FieldTrustScore:
		if ctx.User == nil {
			return false, nil
		}
		return compareNumber(float64(ctx.User.TrustScore), c.Operator, c.Value)
	case FieldSessionCount:
		if ctx.User == nil {
			return false, nil
		}
		return compareNumber(float64(ctx.User.SessionCount), c.Operator, c.Value)

	case FieldPlatform:
		return compareString(ctx.Session.Platform, c.Operator, c.Value)
	case FieldPlayer:
		return compareString(ctx.Session.Player, c.Operator, c.Value)
	case FieldDeviceID:
		return compareString(ctx.Session.DeviceID, c.Operator, c.Value)

	case FieldIPAddress:
		return compareString(ctx.Session.IPAddress, c.Operator, c.Value)
	case FieldLocal:
		return compareBool(ctx.Session.Local, c.Operator, c.Value)
	case FieldCountry:
		return compareString(ctx.Session.Country, c.Operator, c.Value)
	case FieldCity:
		return compareString(ctx.Session.City, c.Operator, c.Value)
	case FieldASN:
		return compareString(ctx.Session.ASN, c.Operator, c.Value)

	case FieldServerID:
		return compareString(ctx.Session.ServerID, c.Operator, c.Value)
	case FieldServerType:
		if ctx.Server == nil {
			return false, nil
		}
		return compareString(string(ctx.Server.Type), c.Operator, c.Value)

	default:
		return false, fmt.Errorf("unknown condition field: %q", c.Field)
	}
}

// windowStart returns the aggregate window lower bound for a condition.
func windowStart(ctx EvalContext, c *Condition) time.Time {
	hours := c.WindowHours
	if hours <= 0 {
		hours = DefaultWindowHours
	}
	return ctx.Now.Add(-time.Duration(hours) * time.Hour)
}

// inWindow reports whether a recent session falls inside the aggregation
// window and survives the excludeSameDevice filter.
func inWindow(ctx EvalContext, c *Condition, s *models.Session) bool {
	if s.StartedAt.Before(windowStart(ctx, c)) {
		return false
	}
	if c.ExcludeSameDevice && s.DeviceID != "" && s.DeviceID == ctx.Session.DeviceID {
		return false
	}
	return true
}

// countDistinct counts distinct non-empty key values over the windowed recent
// sessions plus the triggering session itself.
func countDistinct(ctx EvalContext, c *Condition, key func(*models.Session) string) int {
	seen := make(map[string]struct{})
	if k := key(ctx.Session); k != "" {
		seen[k] = struct{}{}
	}
	for _, s := range ctx.RecentSessions {
		if s.ID == ctx.Session.ID || !inWindow(ctx, c, s) {
			continue
		}
		if k := key(s); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

// countInWindow counts windowed recent sessions plus the triggering session.
func countInWindow(ctx EvalContext, c *Condition) int {
	n := 1 // triggering session
	for _, s := range ctx.RecentSessions {
		if s.ID == ctx.Session.ID {
			continue
		}
		if inWindow(ctx, c, s) {
			n++
		}
	}
	return n
}

// compareNumber applies a numeric operator. The in/not_in operators test set
// membership over the numeric value.
func compareNumber(actual float64, op Operator, value any) (bool, error) {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		expected, ok := toFloat(value)
		if !ok {
			return false, fmt.Errorf("non-numeric value %v for numeric field", value)
		}
		switch op {
		case OpEq:
			return actual == expected, nil
		case OpNe:
			return actual != expected, nil
		case OpGt:
			return actual > expected, nil
		case OpGte:
			return actual >= expected, nil
		case OpLt:
			return actual < expected, nil
		default:
			return actual <= expected, nil
		}
	case OpIn, OpNotIn:
		members, err := toFloatSlice(value)
		if err != nil {
			return false, err
		}
		found := false
		for _, m := range members {
			if actual == m {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	default:
		return false, fmt.Errorf("operator %q not valid for numeric field", op)
	}
}

// compareString applies a string operator. Comparison is case-insensitive:
// server platforms report fields with inconsistent casing.
func compareString(actual string, op Operator, value any) (bool, error) {
	actual = strings.ToLower(actual)

	switch op {
	case OpEq, OpNe, OpContains, OpNotContains:
		expected, ok := toString(value)
		if !ok {
			return false, fmt.Errorf("non-string value %v for string field", value)
		}
		expected = strings.ToLower(expected)
		switch op {
		case OpEq:
			return actual == expected, nil
		case OpNe:
			return actual != expected, nil
		case OpContains:
			return strings.Contains(actual, expected), nil
		default:
			return !strings.Contains(actual, expected), nil
		}
	case OpIn, OpNotIn:
		members, err := toStringSlice(value)
		if err != nil {
			return false, err
		}
		found := false
		for _, m := range members {
			if actual == strings.ToLower(m) {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	default:
		return false, fmt.Errorf("operator %q not valid for string field", op)
	}
}

// compareBool applies eq/ne to a boolean field.
func compareBool(actual bool, op Operator, value any) (bool, error) {
	expected, ok := toBool(value)
	if !ok {
		return false, fmt.Errorf("non-boolean value %v for boolean field", value)
	}
	switch op {
	case OpEq:
		return actual == expected, nil
	case OpNe:
		return actual != expected, nil
	default:
		return false, fmt.Errorf("operator %q not valid for boolean field", op)
	}
}

// toFloat coerces JSON-decoded scalar values into float64. Numeric strings
// are accepted because rule values arrive from user-authored JSON.
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
	default:
		return 0, false
	}
}

func toFloatSlice(v any) ([]float64, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("value %v is not a list", v)
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("non-numeric list member %v", item)
		}
		out = append(out, f)
	}
	return out, nil
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

func toStringSlice(v any) ([]string, error) {
	switch items := v.(type) {
	case []string:
		return items, nil
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := toString(item)
			if !ok {
				return nil, fmt.Errorf("non-string list member %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value %v is not a list", v)
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}
