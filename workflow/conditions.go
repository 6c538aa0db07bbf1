// ABOUTME: Dialect B condition syntax: the lint-time key-value clause language.
// ABOUTME: Used only by validateConditionSyntax; the executor evaluates Dialect A at runtime (see dialect_a.go).
package workflow

import (
	"strings"
)

// EvaluateCondition evaluates a Dialect B condition expression against an outcome
// and context. This dialect is retained for lint-time diagnostics only — the
// executor's edge selector evaluates Dialect A (dialect_a.go) at runtime.
// Condition grammar: Clause ('&&' Clause)*
// Clause: Key Operator Literal | Key
// Key: 'outcome' | 'preferred_label' | 'context.' Path | bare identifier
// Operator: '=' | '!='
// A clause that is just a key evaluates to the truthiness of its resolved
// value (non-empty string). An empty or whitespace-only condition evaluates
// to true (unconditional edge).
func EvaluateCondition(condition string, outcome *Outcome, ctx *Context) bool {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return true
	}

	clauses := strings.Split(trimmed, "&&")
	for _, clause := range clauses {
		if !evaluateClause(strings.TrimSpace(clause), outcome, ctx) {
			return false
		}
	}
	return true
}

// evaluateClause evaluates a single "key op literal" or bare-key clause.
// The "outcome" key compares case-insensitively, since the resolved status is
// always lowercase while graph authors often write OUTCOME = SUCCESS.
func evaluateClause(clause string, outcome *Outcome, ctx *Context) bool {
	// Try != first (longer operator)
	if idx := strings.Index(clause, "!="); idx >= 0 {
		key := strings.TrimSpace(clause[:idx])
		literal := strings.TrimSpace(clause[idx+2:])
		resolved := resolveKey(key, outcome, ctx)
		if key == "outcome" {
			literal = strings.ToLower(literal)
		}
		return resolved != literal
	}

	// Try =
	if idx := strings.Index(clause, "="); idx >= 0 {
		key := strings.TrimSpace(clause[:idx])
		literal := strings.TrimSpace(clause[idx+1:])
		resolved := resolveKey(key, outcome, ctx)
		if key == "outcome" {
			literal = strings.ToLower(literal)
		}
		return resolved == literal
	}

	// Bare key: truthiness of the resolved value. A multi-token clause is
	// malformed and evaluates to false.
	if clause == "" || strings.ContainsAny(clause, " \t") {
		return false
	}
	return resolveKey(clause, outcome, ctx) != ""
}

// resolveKey resolves a key to its string value from outcome or context.
// "outcome" -> outcome.Status
// "preferred_label" -> outcome.PreferredLabel
// "context.X" -> ctx.GetString("context.X") with fallback to ctx.GetString("X")
// bare key -> ctx.GetString(key)
func resolveKey(key string, outcome *Outcome, ctx *Context) string {
	switch key {
	case "outcome":
		return strings.ToLower(string(outcome.Status))
	case "preferred_label":
		return outcome.PreferredLabel
	default:
		if strings.HasPrefix(key, "context.") {
			// First try the full key including "context." prefix
			val := ctx.GetString(key, "")
			if val != "" {
				return val
			}
			// Fall back to the part after "context."
			suffix := key[len("context."):]
			return ctx.GetString(suffix, "")
		}
		return ctx.GetString(key, "")
	}
}

// ValidateConditionSyntax checks whether a condition string is syntactically valid.
// Returns true if the condition can be parsed, false otherwise.
func ValidateConditionSyntax(condition string) bool {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return true
	}

	clauses := strings.Split(trimmed, "&&")
	for _, clause := range clauses {
		c := strings.TrimSpace(clause)
		if c == "" {
			return false
		}
		// A clause with no operator is a bare key, valid when it is a single token.
		if !strings.Contains(c, "=") {
			if strings.ContainsAny(c, " \t") {
				return false
			}
			continue
		}
		// Check for invalid operators (like >> or <<)
		hasValidOp := false
		if idx := strings.Index(c, "!="); idx >= 0 {
			key := strings.TrimSpace(c[:idx])
			if key != "" {
				hasValidOp = true
			}
		} else if idx := strings.Index(c, "="); idx >= 0 {
			key := strings.TrimSpace(c[:idx])
			if key != "" {
				hasValidOp = true
			}
		}
		if !hasValidOp {
			return false
		}
	}
	return true
}
