// Package rules implements the forbidden-pattern scanner as a
// brace-depth-aware, function-body-extracting scan: function and
// catch-clause bodies are isolated as their own text so "empty body",
// "body is just a comment", "body is a no-op return", and "catch
// swallows the error" can be judged structurally, not just by a marker
// word appearing somewhere in the file.
package rules

import (
	"bufio"
	"regexp"
	"strings"
)

// ForbiddenPattern is one marker this scanner looks for. Matching is
// case-insensitive and bounded: a marker must appear as a whole word (or
// code idiom), not as a substring of a larger identifier.
type ForbiddenPattern struct {
	Marker string
	Reason string
}

// DefaultForbiddenPatterns is the built-in marker set: the idioms a
// code-generating agent is most likely to leave behind when it ships
// an unfinished implementation.
func DefaultForbiddenPatterns() []ForbiddenPattern {
	return []ForbiddenPattern{
		{Marker: "todo:", Reason: "unresolved TODO marker"},
		{Marker: "fixme", Reason: "unresolved FIXME marker"},
		{Marker: "xxx", Reason: "unresolved XXX marker"},
		{Marker: "hack:", Reason: "unresolved HACK marker"},
		{Marker: "not implemented", Reason: "explicit not-implemented marker"},
		{Marker: "notimplemented", Reason: "explicit not-implemented marker"},
		{Marker: "stub", Reason: "stub marker"},
		{Marker: "placeholder", Reason: "placeholder marker"},
		{Marker: "dummy", Reason: "dummy identifier"},
		{Marker: "mock", Reason: "mock identifier in non-test code"},
		{Marker: "simulated", Reason: "simulated-behavior marker"},
		{Marker: "fake", Reason: "fake identifier in non-test code"},
		{Marker: `throw new error("not`, Reason: "stub error throw"},
		{Marker: `panic("unimplemented`, Reason: "stub panic"},
	}
}

// typeSilencingPatterns suppress the enclosing file's type checker
// outright, which would otherwise hide whatever the rest of the scanner
// looks for.
func typeSilencingPatterns() []ForbiddenPattern {
	return []ForbiddenPattern{
		{Marker: "@ts-ignore", Reason: "type-checker suppression directive"},
		{Marker: "@ts-nocheck", Reason: "type-checker suppression directive"},
		{Marker: "@ts-expect-error", Reason: "type-checker suppression directive"},
		{Marker: "# type: ignore", Reason: "type-checker suppression directive"},
	}
}

// Violation is one forbidden-marker hit, located by line and, when the
// scanner can determine it, the enclosing function name.
type Violation struct {
	Line        int
	Function    string
	Marker      string
	Reason      string
	ContextLine string
}

// funcOpeners recognizes common function-declaration shapes across the
// Go/JS/TS family this scanner is meant to police. It is intentionally
// loose: a false function-boundary only costs attribution precision,
// never a missed marker hit, since marker scanning is independent of
// boundary tracking.
var funcOpeners = []string{"function ", "func ", "=>", "async function", "const ", "let ", "var "}

var catchSignatureRe = regexp.MustCompile(`(?i)\bcatch\b\s*(\([^)]*\))?\s*\{`)

// trivialReturnForms are the no-op bodies a stub hides behind, compared
// with all whitespace removed so formatting differences don't hide them.
var trivialReturnForms = map[string]bool{
	"return":          true,
	"returnnull":      true,
	"returnundefined": true,
	"returnvoid0":     true,
	"return{}":        true,
	"return[]":        true,
}

var throwStringLiteralRe = regexp.MustCompile(`^throw\s+(["'` + "`" + `])(?:[^"'` + "`" + `\\]|\\.)*["'` + "`" + `]$`)

var logCallOnlyRe = regexp.MustCompile(`(?i)^[\w$.]*\b(log|logger|console|logging)\b[\w$.]*\s*\([^;]*\)\s*;?$`)

// frame tracks one brace-delimited block while Scan walks the file: its
// kind ("func", "catch", or "" for an uninteresting block), the name of
// the function it belongs to (for attributing marker hits), and the text
// accumulated strictly between its own opening and closing brace.
type frame struct {
	kind string
	name string
	body []string
}

func currentFuncName(stack []frame) string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].kind == "func" {
			return stack[i].name
		}
	}
	return ""
}

// Scan walks content line by line, tracking brace depth to extract each
// function and catch-clause body, and reports every forbidden-pattern
// hit, trivial/empty function body, swallowed-error catch clause, and
// type-silencing directive it finds.
func Scan(content string, patterns []ForbiddenPattern) []Violation {
	var violations []Violation
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	directives := typeSilencingPatterns()
	stack := []frame{{}}
	lineNo := 0
	var pendingFuncName string

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		lower := strings.ToLower(line)

		if looksLikeFuncSignature(line) {
			pendingFuncName = extractFuncName(line)
		}
		nextBraceIsCatch := catchSignatureRe.MatchString(line)

		for _, p := range patterns {
			if markerMatches(lower, p.Marker) {
				violations = append(violations, Violation{
					Line:        lineNo,
					Function:    currentFuncName(stack),
					Marker:      p.Marker,
					Reason:      p.Reason,
					ContextLine: strings.TrimSpace(line),
				})
			}
		}
		for _, d := range directives {
			if markerMatches(lower, d.Marker) {
				violations = append(violations, Violation{
					Line:        lineNo,
					Function:    currentFuncName(stack),
					Marker:      d.Marker,
					Reason:      d.Reason,
					ContextLine: strings.TrimSpace(line),
				})
			}
		}

		segmentStart := 0
		for i, ch := range line {
			switch ch {
			case '{':
				top := &stack[len(stack)-1]
				top.body = append(top.body, line[segmentStart:i])
				kind := ""
				name := currentFuncName(stack)
				switch {
				case nextBraceIsCatch:
					kind = "catch"
					nextBraceIsCatch = false
				case pendingFuncName != "":
					kind = "func"
					name = pendingFuncName
				}
				pendingFuncName = ""
				stack = append(stack, frame{kind: kind, name: name})
				segmentStart = i + 1
			case '}':
				if len(stack) > 1 {
					top := &stack[len(stack)-1]
					top.body = append(top.body, line[segmentStart:i])
					closed := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					reportClosedFrame(&violations, closed, lineNo, patterns)
				}
				segmentStart = i + 1
			}
		}
		top := &stack[len(stack)-1]
		top.body = append(top.body, line[segmentStart:])
	}
	return violations
}

func reportClosedFrame(violations *[]Violation, closed frame, lineNo int, patterns []ForbiddenPattern) {
	bodyText := strings.Join(closed.body, "\n")
	switch closed.kind {
	case "func":
		trivial, reason := trivialFunctionBody(bodyText)
		if !trivial {
			return
		}
		if reason == "function body contains only a comment" && bodyAlreadyMarkerFlagged(bodyText, patterns) {
			return
		}
		*violations = append(*violations, Violation{
			Line:        lineNo,
			Function:    closed.name,
			Marker:      "<trivial-body>",
			Reason:      reason,
			ContextLine: strings.TrimSpace(bodyText),
		})
	case "catch":
		trivial, reason := emptyOrLogOnlyCatch(bodyText)
		if !trivial {
			return
		}
		*violations = append(*violations, Violation{
			Line:        lineNo,
			Function:    closed.name,
			Marker:      "<swallowed-error>",
			Reason:      reason,
			ContextLine: strings.TrimSpace(bodyText),
		})
	}
}

func looksLikeFuncSignature(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, opener := range funcOpeners {
		if strings.Contains(trimmed, opener) && strings.Contains(trimmed, "(") {
			return true
		}
	}
	return false
}

func extractFuncName(line string) string {
	trimmed := strings.TrimSpace(line)
	idx := strings.Index(trimmed, "(")
	if idx <= 0 {
		return trimmed
	}
	head := strings.Fields(trimmed[:idx])
	if len(head) == 0 {
		return trimmed[:idx]
	}
	return head[len(head)-1]
}

// markerMatches reports whether marker occurs in lowerLine bounded by
// non-identifier characters on both sides, so "stub" doesn't match
// inside "stubbornness" and "todo:" doesn't match inside "mastodon:".
// Underscore counts as a separator rather than an identifier character,
// so a snake_case prefix like "mock_service" still matches on "mock".
func markerMatches(lowerLine, marker string) bool {
	search := 0
	for {
		idx := strings.Index(lowerLine[search:], marker)
		if idx < 0 {
			return false
		}
		idx += search
		end := idx + len(marker)
		leftOK := idx == 0 || !isIdentByte(lowerLine[idx-1])
		rightOK := end == len(lowerLine) || !isIdentByte(lowerLine[end])
		if leftOK && rightOK {
			return true
		}
		search = idx + 1
	}
}

func isIdentByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func bodyAlreadyMarkerFlagged(body string, patterns []ForbiddenPattern) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if markerMatches(lower, p.Marker) {
			return true
		}
	}
	return false
}

// trivialFunctionBody reports whether a function body amounts to no real
// implementation: empty, a comment with no code, or a lone no-op
// statement.
func trivialFunctionBody(body string) (bool, string) {
	stripped := stripLineComments(body)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		if strings.TrimSpace(body) == "" {
			return true, "function body is empty"
		}
		return true, "function body contains only a comment"
	}

	squeezed := squeeze(strings.ToLower(strings.TrimSuffix(trimmed, ";")))
	if trivialReturnForms[squeezed] {
		return true, "function body consists solely of a no-op return"
	}

	normalized := strings.TrimSuffix(strings.Join(strings.Fields(trimmed), " "), ";")
	if throwStringLiteralRe.MatchString(normalized) {
		return true, "function body consists solely of throwing a string literal"
	}
	return false, ""
}

// emptyOrLogOnlyCatch reports whether a catch clause swallows the error:
// an empty body, or a body whose only statement is a logging call with
// no rethrow.
func emptyOrLogOnlyCatch(body string) (bool, string) {
	stripped := stripLineComments(body)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return true, "catch clause swallows the error silently"
	}
	if strings.Contains(strings.ToLower(trimmed), "throw") {
		return false, ""
	}

	var statements []string
	for _, l := range strings.Split(trimmed, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			statements = append(statements, l)
		}
	}
	if len(statements) == 1 && logCallOnlyRe.MatchString(statements[0]) {
		return true, "catch clause only logs the error with no rethrow"
	}
	return false, ""
}

func stripLineComments(body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, len(lines))
	for i, l := range lines {
		if idx := strings.Index(l, "//"); idx >= 0 {
			l = l[:idx]
		}
		if idx := strings.Index(l, "#"); idx >= 0 {
			l = l[:idx]
		}
		out[i] = l
	}
	return strings.Join(out, "\n")
}

func squeeze(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
