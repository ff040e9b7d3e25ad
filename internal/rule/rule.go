// Package rule implements the keyword expression engine.
//
// A rule is a sequence of whitespace-separated terms that are AND-ed
// together. A term is one of:
//
//	word           text must contain "word" (case-insensitive)
//	a+b            text must contain both "a" and "b"
//	a|b|c          text must contain at least one alternative
//	-word          text must not contain "word"
//	regex:pattern  pattern must match the text (unanchored)
//
// Deeper nesting (mixing "+" and "|" in one term, negated groups,
// parenthesized sub-expressions) is rejected at parse time rather than
// given a guessed precedence.
package rule

import (
	"fmt"
	"regexp"
	"strings"

	"rss_sentinel/internal/model"
)

const regexPrefix = "regex:"

// SyntaxError reports a malformed keyword expression.
type SyntaxError struct {
	Raw    string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error in %q: %s", e.Raw, e.Reason)
}

// RegexError reports a regex term whose pattern does not compile.
type RegexError struct {
	Pattern string
	Err     error
}

func (e *RegexError) Error() string {
	return fmt.Sprintf("invalid regex %q: %v", e.Pattern, e.Err)
}

func (e *RegexError) Unwrap() error { return e.Err }

// Expression is the parsed form of a keyword rule. Parsing is
// deterministic: re-parsing the same raw string yields an equivalent
// tree. An expression with no terms matches nothing.
type Expression struct {
	raw   string
	terms []term
}

type term interface {
	// eval receives the text twice: lowercased for substring terms
	// and verbatim for regex terms.
	eval(lower, raw string) bool
}

type literal string

func (l literal) eval(lower, _ string) bool { return strings.Contains(lower, string(l)) }

type regexTerm struct{ re *regexp.Regexp }

func (r regexTerm) eval(_, raw string) bool { return r.re.MatchString(raw) }

type orGroup []term

func (g orGroup) eval(lower, raw string) bool {
	for _, t := range g {
		if t.eval(lower, raw) {
			return true
		}
	}
	return false
}

type notTerm struct{ child term }

func (n notTerm) eval(lower, raw string) bool { return !n.child.eval(lower, raw) }

// Parse builds an Expression from a raw rule string.
// It fails with *SyntaxError on malformed input and *RegexError on a
// regex term whose pattern does not compile.
func Parse(raw string) (Expression, error) {
	expr := Expression{raw: raw}
	for _, tok := range strings.Fields(raw) {
		if tok == "+" {
			// Connector between AND-ed terms; the AND is implicit.
			continue
		}
		t, err := parseTerm(raw, tok)
		if err != nil {
			return Expression{raw: raw}, err
		}
		expr.terms = append(expr.terms, t)
	}
	return expr, nil
}

func parseTerm(raw, tok string) (term, error) {
	if rest, ok := strings.CutPrefix(tok, "-"); ok {
		if rest == "" {
			return nil, &SyntaxError{Raw: raw, Reason: "dangling '-'"}
		}
		child, err := parseLeaf(raw, rest)
		if err != nil {
			return nil, err
		}
		return notTerm{child: child}, nil
	}

	// The regex: prefix wins over everything: the remainder of the
	// token is the pattern verbatim, so "+", "|" and "-" inside it
	// are never re-tokenized.
	if strings.HasPrefix(tok, regexPrefix) {
		return parseLeaf(raw, tok)
	}

	tok = strings.TrimPrefix(tok, "+")
	if tok == "" {
		return nil, &SyntaxError{Raw: raw, Reason: "dangling '+'"}
	}

	hasOr := strings.Contains(tok, "|")
	hasAnd := strings.Contains(tok, "+")
	if hasOr && hasAnd {
		return nil, &SyntaxError{Raw: raw, Reason: fmt.Sprintf("term %q mixes '+' and '|'", tok)}
	}

	switch {
	case hasOr:
		var group orGroup
		for _, alt := range strings.Split(tok, "|") {
			leaf, err := parseAlternative(raw, tok, alt)
			if err != nil {
				return nil, err
			}
			group = append(group, leaf)
		}
		return group, nil
	case hasAnd:
		// a+b inside one token expands to separate AND-ed leaves.
		var chain andChain
		for _, part := range strings.Split(tok, "+") {
			leaf, err := parseAlternative(raw, tok, part)
			if err != nil {
				return nil, err
			}
			chain = append(chain, leaf)
		}
		return chain, nil
	default:
		return literal(strings.ToLower(tok)), nil
	}
}

type andChain []term

func (c andChain) eval(lower, raw string) bool {
	for _, t := range c {
		if !t.eval(lower, raw) {
			return false
		}
	}
	return true
}

// parseAlternative handles one element of an a|b or a+b term. Only
// plain words are allowed there; nesting negation or regex inside a
// group is unsupported.
func parseAlternative(raw, tok, alt string) (term, error) {
	if alt == "" {
		return nil, &SyntaxError{Raw: raw, Reason: fmt.Sprintf("empty alternative in %q", tok)}
	}
	if strings.HasPrefix(alt, "-") {
		return nil, &SyntaxError{Raw: raw, Reason: fmt.Sprintf("negation inside group %q", tok)}
	}
	if strings.HasPrefix(alt, regexPrefix) {
		return nil, &SyntaxError{Raw: raw, Reason: fmt.Sprintf("regex term inside group %q", tok)}
	}
	return literal(strings.ToLower(alt)), nil
}

// parseLeaf parses a single word or regex term (no group syntax).
func parseLeaf(raw, tok string) (term, error) {
	if pattern, ok := strings.CutPrefix(tok, regexPrefix); ok {
		if pattern == "" {
			return nil, &SyntaxError{Raw: raw, Reason: "empty regex pattern"}
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, &RegexError{Pattern: pattern, Err: err}
		}
		return regexTerm{re: re}, nil
	}
	if strings.ContainsAny(tok, "|+") {
		return nil, &SyntaxError{Raw: raw, Reason: fmt.Sprintf("negation cannot wrap group %q", tok)}
	}
	return literal(strings.ToLower(tok)), nil
}

// Evaluate reports whether the expression matches the given text.
// Evaluation is pure and short-circuiting: AND stops at the first
// false term, OR at the first true alternative. An empty expression
// matches nothing, so a rule that failed to parse can never silently
// match everything.
func (e Expression) Evaluate(text string) bool {
	if len(e.terms) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, t := range e.terms {
		if !t.eval(lower, text) {
			return false
		}
	}
	return true
}

// String returns the raw expression the tree was parsed from.
func (e Expression) String() string { return e.raw }

// MatchText builds the text an item is matched against: the title and
// summary concatenated, or the title alone when titleOnly is set.
func MatchText(item model.Item, titleOnly bool) string {
	if titleOnly || item.Summary == "" {
		return item.Title
	}
	return item.Title + " " + item.Summary
}

// Validate parses the raw expression and discards the result. It is
// used at rule-creation time so malformed rules never reach evaluation.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}
