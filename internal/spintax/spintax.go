// Package spintax renders message templates containing {a|b|c}
// alternation groups and the {{nome}} recipient placeholder.
package spintax

import (
	"math/rand"
	"regexp"
	"strings"
)

// DefaultName is substituted when a contact has no name.
const DefaultName = "Cliente"

// groupPattern matches one {opt1|opt2|...} group, or a whole
// {{...}} placeholder so the latter survives the spintax pass intact.
// Nested braces are not supported; group content is split on |
// without recursing.
var groupPattern = regexp.MustCompile(`\{\{[^{}]*\}\}|\{([^{}]*)\}`)

// namePattern matches the {{nome}} recipient placeholder.
var namePattern = regexp.MustCompile(`\{\{\s*nome\s*\}\}`)

// Resolver renders templates with an injectable random source so
// tests can seed it.
type Resolver struct {
	rng *rand.Rand
}

// New creates a resolver backed by the given source. A nil source
// falls back to the shared math/rand source.
func New(src rand.Source) *Resolver {
	if src == nil {
		return &Resolver{}
	}
	return &Resolver{rng: rand.New(src)}
}

// Render produces one concrete message: every spintax group is
// replaced by one uniformly chosen alternative, then all name
// placeholders are substituted with the contact name (or DefaultName
// when empty). Templates without groups pass through verbatim modulo
// the name substitution.
func (r *Resolver) Render(template, name string) string {
	out := groupPattern.ReplaceAllStringFunc(template, func(match string) string {
		// The name placeholder also matches the group pattern once the
		// outer brace is consumed; leave it for the name pass.
		if strings.HasPrefix(match, "{{") {
			return match
		}
		inner := match[1 : len(match)-1]
		options := strings.Split(inner, "|")
		if len(options) == 1 {
			return options[0]
		}
		return options[r.intn(len(options))]
	})

	if name == "" {
		name = DefaultName
	}
	// ReplaceAllString would expand $ references inside the name.
	return namePattern.ReplaceAllStringFunc(out, func(string) string { return name })
}

func (r *Resolver) intn(n int) int {
	if r.rng != nil {
		return r.rng.Intn(n)
	}
	return rand.Intn(n)
}
