// Package filter implements view filters: ordered include/exclude path
// patterns that restrict which part of a tree snapshot a workspace sees.
//
// Patterns are rooted at the stream root. A leading "-" turns a pattern into
// an exclude and a leading "+" is accepted for symmetry. Within a pattern,
// "..." matches any run of characters including "/", and "*" matches any run
// of characters except "/". Patterns are evaluated left to right and the last
// matching pattern decides. When the first pattern is an exclude, or there
// are no patterns, every path starts out included.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	wildcardRecursive = "..."
	wildcardSegment   = "*"
)

type rule struct {
	exclude bool
	body    string
	literal string // body up to the first wildcard
	exact   bool   // body has no wildcard
	subtree bool   // body is literal + "..." with no other wildcard
	re      *regexp.Regexp
}

// View is a compiled, immutable list of patterns.
type View struct {
	rules          []rule
	patterns       []string
	defaultInclude bool
}

// All returns a view that selects every path.
func All() *View {
	return &View{defaultInclude: true}
}

// Parse compiles patterns. Blank patterns are ignored.
func Parse(patterns []string) (*View, error) {
	v := &View{}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}

		r := rule{}
		switch p[0] {
		case '-':
			r.exclude = true
			p = p[1:]
		case '+':
			p = p[1:]
		}
		r.body = strings.TrimLeft(p, "/")
		if r.body == "" {
			return nil, fmt.Errorf("filter: empty pattern %q", raw)
		}
		if strings.Contains(r.body, "//") {
			return nil, fmt.Errorf("filter: invalid pattern %q", raw)
		}

		r.literal, r.exact = literalPrefix(r.body)
		r.subtree = !r.exact && r.body == r.literal+wildcardRecursive

		re, err := regexp.Compile(toRegexp(r.body))
		if err != nil {
			return nil, fmt.Errorf("filter: compile %q: %w", raw, err)
		}
		r.re = re

		v.rules = append(v.rules, r)
		v.patterns = append(v.patterns, raw)
	}
	v.defaultInclude = len(v.rules) == 0 || v.rules[0].exclude
	return v, nil
}

// MustParse is Parse for static patterns; it panics on error.
func MustParse(patterns ...string) *View {
	v, err := Parse(patterns)
	if err != nil {
		panic(err)
	}
	return v
}

// Patterns returns the source patterns.
func (v *View) Patterns() []string {
	return append([]string(nil), v.patterns...)
}

func (v *View) String() string {
	if len(v.patterns) == 0 {
		return "/..."
	}
	return strings.Join(v.patterns, " ")
}

// Match reports whether the relative, slash separated path is selected.
func (v *View) Match(path string) bool {
	path = strings.TrimLeft(path, "/")
	included := v.defaultInclude
	for _, r := range v.rules {
		if r.re.MatchString(path) {
			included = !r.exclude
		}
	}
	return included
}

type coverage int

const (
	coverNone coverage = iota
	coverSome
	coverAll
)

// MayMatchUnder reports whether any path below dir could be selected. It is
// conservative: true may be returned for a directory that ends up selecting
// nothing, false is returned only when no path below dir can match.
func (v *View) MayMatchUnder(dir string) bool {
	dir = strings.Trim(dir, "/")
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	state := coverNone
	if v.defaultInclude {
		state = coverAll
	}
	for _, r := range v.rules {
		c := r.coverage(prefix)
		switch {
		case c == coverAll && r.exclude:
			state = coverNone
		case c == coverAll:
			state = coverAll
		case c == coverSome && r.exclude && state == coverAll:
			state = coverSome
		case c == coverSome && !r.exclude && state == coverNone:
			state = coverSome
		}
	}
	return state != coverNone
}

// coverage classifies how much of the subtree under prefix the rule matches.
func (r rule) coverage(prefix string) coverage {
	if r.exact {
		if strings.HasPrefix(r.literal, prefix) {
			return coverSome
		}
		return coverNone
	}
	if r.subtree && strings.HasPrefix(prefix, r.literal) {
		return coverAll
	}
	if strings.HasPrefix(prefix, r.literal) || strings.HasPrefix(r.literal, prefix) {
		return coverSome
	}
	return coverNone
}

func literalPrefix(body string) (string, bool) {
	i := strings.Index(body, wildcardRecursive)
	if j := strings.Index(body, wildcardSegment); j >= 0 && (i < 0 || j < i) {
		i = j
	}
	if i < 0 {
		return body, true
	}
	return body[:i], false
}

func toRegexp(body string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(body); {
		switch {
		case strings.HasPrefix(body[i:], wildcardRecursive):
			b.WriteString(".*")
			i += len(wildcardRecursive)
		case body[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(body[i : i+1]))
			i++
		}
	}
	b.WriteString("$")
	return b.String()
}
