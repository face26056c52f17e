// Package template resolves the expression language embedded in workflow
// definitions: modern "{{ path.to.value | filter:arg }}" expressions and the
// legacy "$a.b.c" form. Resolution runs against a Scope whose root names
// (run, parameters, steps, shared, step, stepParameters, fanout, item) are
// reserved. Lookups that fail to resolve are recorded into a Tracker; the
// caller decides whether unresolved references are fatal.
package template

import (
	"regexp"
	"strconv"
	"strings"

	"goa.design/flow/jsonval"
)

type (
	// Scope carries the root values expressions resolve against.
	Scope struct {
		Run            any
		Parameters     any
		Steps          any
		Shared         any
		Step           any
		StepParameters any
		Fanout         any
		Item           any
	}

	// Issue records one unresolved reference.
	Issue struct {
		Path       string
		Expression string
	}

	// Tracker accumulates unresolved references during a resolution pass.
	Tracker struct {
		issues []Issue
	}
)

// Record appends an unresolved reference.
func (t *Tracker) Record(path, expression string) {
	if t == nil {
		return
	}
	t.issues = append(t.issues, Issue{Path: path, Expression: expression})
}

// Issues returns the recorded unresolved references.
func (t *Tracker) Issues() []Issue {
	if t == nil {
		return nil
	}
	return t.issues
}

// HasIssues reports whether any reference failed to resolve.
func (t *Tracker) HasIssues() bool {
	return t != nil && len(t.issues) > 0
}

// Summary renders the issues as "path: expression; ..." for error messages.
func (t *Tracker) Summary() string {
	if !t.HasIssues() {
		return ""
	}
	parts := make([]string, len(t.issues))
	for i, issue := range t.issues {
		parts[i] = issue.Path + ": " + issue.Expression
	}
	return strings.Join(parts, "; ")
}

func (s *Scope) roots() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"run":            jsonval.Normalize(s.Run),
		"parameters":     jsonval.Normalize(s.Parameters),
		"steps":          jsonval.Normalize(s.Steps),
		"shared":         jsonval.Normalize(s.Shared),
		"step":           jsonval.Normalize(s.Step),
		"stepParameters": jsonval.Normalize(s.StepParameters),
		"fanout":         jsonval.Normalize(s.Fanout),
		"item":           jsonval.Normalize(s.Item),
	}
}

var (
	modernPattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)
	legacyPattern = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_\-]+)*`)
)

// Resolve walks v recursively, resolving every string through the template
// engine. Maps and slices are rebuilt; values containing no expressions are
// returned unchanged.
func Resolve(v any, scope *Scope, tr *Tracker) any {
	switch t := v.(type) {
	case string:
		return ResolveString(t, scope, tr)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Resolve(val, scope, tr)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Resolve(val, scope, tr)
		}
		return out
	default:
		return v
	}
}

// ResolveString resolves a single string. A string that is exactly one
// modern expression (or exactly one legacy reference) returns the raw
// resolved value, preserving object and array types. Mixed text renders each
// expression through the stringifier, substituting the empty string for
// unresolved lookups. Modern expressions take precedence; the legacy pattern
// is attempted once only when no "{{ }}" match is present.
func ResolveString(s string, scope *Scope, tr *Tracker) any {
	roots := scope.roots()

	matches := modernPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) > 0 {
		// Whole-string expression preserves the resolved type.
		if len(matches) == 1 && strings.TrimSpace(s[:matches[0][0]]) == "" && strings.TrimSpace(s[matches[0][1]:]) == "" {
			expr := s[matches[0][2]:matches[0][3]]
			val, ok := evalExpression(expr, roots, tr)
			if !ok {
				tr.Record(primaryPath(expr), "{{"+expr+"}}")
				return nil
			}
			return val
		}
		var b strings.Builder
		last := 0
		for _, m := range matches {
			b.WriteString(s[last:m[0]])
			expr := s[m[2]:m[3]]
			val, ok := evalExpression(expr, roots, tr)
			if !ok {
				tr.Record(primaryPath(expr), "{{"+expr+"}}")
			} else {
				b.WriteString(jsonval.Stringify(val))
			}
			last = m[1]
		}
		b.WriteString(s[last:])
		return b.String()
	}

	if loc := legacyPattern.FindStringIndex(s); loc != nil {
		expr := s[loc[0]:loc[1]]
		val, ok := evalLegacy(expr, roots)
		if strings.TrimSpace(s) == expr {
			if !ok {
				tr.Record(strings.TrimPrefix(expr, "$"), expr)
				return nil
			}
			return val
		}
		if !ok {
			tr.Record(strings.TrimPrefix(expr, "$"), expr)
			return s[:loc[0]] + s[loc[1]:]
		}
		return s[:loc[0]] + jsonval.Stringify(val) + s[loc[1]:]
	}

	return s
}

// primaryPath extracts the leading lookup path of an expression for issue
// reporting.
func primaryPath(expr string) string {
	parts := splitOutsideQuotes(expr, '|')
	return strings.TrimSpace(parts[0])
}

// evalExpression resolves "path | filter:args | ...". The boolean reports
// whether the final value resolved; a default filter can convert a failed
// base lookup into a resolved value.
func evalExpression(expr string, roots map[string]any, tr *Tracker) (any, bool) {
	parts := splitOutsideQuotes(expr, '|')
	base := strings.TrimSpace(parts[0])

	val, ok := evalTerm(base, roots)
	for _, raw := range parts[1:] {
		val, ok = applyFilter(strings.TrimSpace(raw), val, ok, roots, base, tr)
	}
	return val, ok
}

// evalTerm resolves a base term: keyword, numeric or string literal, or a
// dotted lookup path.
func evalTerm(term string, roots map[string]any) (any, bool) {
	switch term {
	case "":
		return nil, false
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if lit, ok := parseStringLiteral(term); ok {
		return lit, true
	}
	if n, err := strconv.ParseFloat(term, 64); err == nil {
		return n, true
	}
	return lookupPath(term, roots)
}

// lookupPath walks a dotted path from a scope root through objects and
// arrays (numeric segments index arrays).
func lookupPath(path string, roots map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	root, ok := roots[segments[0]]
	if !ok {
		return nil, false
	}
	return walkSegments(root, segments[1:])
}

func walkSegments(cur any, segments []string) (any, bool) {
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// applyFilter evaluates one pipeline stage. An unsupported filter leaves the
// value unchanged and records the issue, so a definition written against a
// newer engine degrades rather than hard-fails.
func applyFilter(raw string, val any, ok bool, roots map[string]any, base string, tr *Tracker) (any, bool) {
	name := raw
	var argsRaw string
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		name = raw[:idx]
		argsRaw = raw[idx+1:]
	}
	args := parseFilterArgs(argsRaw, roots)

	switch strings.TrimSpace(name) {
	case "default":
		if !ok || jsonval.IsEmpty(val) {
			if len(args) > 0 {
				return args[0], true
			}
			return nil, ok
		}
		return val, true
	case "slice":
		return filterSlice(val, args), ok
	case "replace":
		return filterReplace(val, args), ok
	default:
		tr.Record(base, "unsupported filter "+strconv.Quote(strings.TrimSpace(name)))
		return val, ok
	}
}

func filterSlice(val any, args []any) any {
	start, length := 0, -1
	if len(args) > 0 {
		start = intArg(args[0], 0)
	}
	if len(args) > 1 {
		length = intArg(args[1], -1)
	}
	clampEnd := func(n int) (int, int) {
		s := start
		if s < 0 {
			s = 0
		}
		if s > n {
			s = n
		}
		e := n
		if length >= 0 && s+length < n {
			e = s + length
		}
		return s, e
	}
	switch t := val.(type) {
	case string:
		s, e := clampEnd(len(t))
		return t[s:e]
	case []any:
		s, e := clampEnd(len(t))
		return t[s:e]
	default:
		return val
	}
}

func filterReplace(val any, args []any) any {
	s, ok := val.(string)
	if !ok || len(args) < 2 {
		return val
	}
	find, fok := args[0].(string)
	repl, rok := args[1].(string)
	if !fok || !rok {
		return val
	}
	return strings.ReplaceAll(s, find, repl)
}

func intArg(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// parseFilterArgs splits a comma-separated argument list, resolving each
// argument as a term (literal or lookup). Unresolvable lookups become nil.
func parseFilterArgs(raw string, roots map[string]any) []any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := splitOutsideQuotes(raw, ',')
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		val, _ := evalTerm(strings.TrimSpace(p), roots)
		out = append(out, val)
	}
	return out
}

// parseStringLiteral decodes single- or double-quoted literals with
// backslash escaping.
func parseStringLiteral(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	quote := s[0]
	if (quote != '\'' && quote != '"') || s[len(s)-1] != quote {
		return "", false
	}
	var b strings.Builder
	escaped := false
	for i := 1; i < len(s)-1; i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == quote {
			// Unescaped closing quote before the end: not a clean literal.
			return "", false
		}
		b.WriteByte(c)
	}
	if escaped {
		return "", false
	}
	return b.String(), true
}

// splitOutsideQuotes splits on sep, ignoring separators inside quoted
// runs.
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var quote byte
	start := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// evalLegacy resolves a "$a.b.c" reference. Two compatibility behaviors are
// preserved: a path segment "output" that fails to resolve is retried as
// "result", and a resolved object carrying a "files" array unwraps to that
// array.
func evalLegacy(expr string, roots map[string]any) (any, bool) {
	path := strings.TrimPrefix(expr, "$")
	val, ok := lookupPath(path, roots)
	if !ok && strings.Contains(path, "output") {
		alias := aliasOutputSegment(path)
		if alias != path {
			val, ok = lookupPath(alias, roots)
		}
	}
	if !ok {
		return nil, false
	}
	if obj, isObj := jsonval.AsObject(val); isObj {
		if files, has := obj["files"]; has {
			if arr, isArr := jsonval.AsArray(files); isArr {
				return arr, true
			}
		}
	}
	return val, true
}

// aliasOutputSegment replaces "output" path segments with "result".
func aliasOutputSegment(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if seg == "output" {
			segments[i] = "result"
		}
	}
	return strings.Join(segments, ".")
}
