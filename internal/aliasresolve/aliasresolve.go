// Package aliasresolve implements the alias resolver (spec §4.3): parsing
// an alias's definition DSL and selecting at most one matching route for a
// request path.
//
// Grounded on the dispatch-chain style in pkg/webserver/server.go
// (ordered prefix checks feeding a single winner), generalized into an
// explicit ranked-route match. Glob matching is delegated to
// github.com/gobwas/glob rather than path.Match, since alias patterns use
// "**" segment-spanning wildcards that path.Match cannot express.
package aliasresolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// MatchType is the kind of pattern matching an alias route performs.
type MatchType int

const (
	Literal MatchType = iota
	Glob
	Regex
)

func (m MatchType) String() string {
	switch m {
	case Literal:
		return "literal"
	case Glob:
		return "glob"
	case Regex:
		return "regex"
	default:
		return "unknown"
	}
}

// rank orders match types for tie-break purposes: literal > glob > regex.
func (m MatchType) rank() int {
	switch m {
	case Literal:
		return 2
	case Glob:
		return 1
	case Regex:
		return 0
	default:
		return -1
	}
}

// Route is one parsed line of an alias definition.
type Route struct {
	AliasName  string
	Pattern    string
	Target     string
	Type       MatchType
	IgnoreCase bool

	glob glob.Glob
	re   *regexp.Regexp
}

var primaryLineRegex = regexp.MustCompile(`^\s*(\S+)\s*->\s*(\S+)\s*(?:\[([^\]]*)\])?\s*$`)

// ParseDefinition parses an alias's multi-line definition text. Only the
// primary (first non-blank) line participates in matching, per spec §4.3.
func ParseDefinition(aliasName, definition string) (Route, error) {
	for _, line := range strings.Split(definition, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return parseLine(aliasName, line)
	}
	return Route{}, fmt.Errorf("aliasresolve: %s: definition has no primary line", aliasName)
}

func parseLine(aliasName, line string) (Route, error) {
	m := primaryLineRegex.FindStringSubmatch(line)
	if m == nil {
		return Route{}, fmt.Errorf("aliasresolve: %s: primary line %q does not match 'pattern -> target [options]'", aliasName, line)
	}

	r := Route{AliasName: aliasName, Pattern: m[1], Target: m[2], Type: Literal}

	if opts := strings.TrimSpace(m[3]); opts != "" {
		for _, opt := range strings.Split(opts, ",") {
			switch strings.TrimSpace(opt) {
			case "literal":
				r.Type = Literal
			case "glob":
				r.Type = Glob
			case "regex":
				r.Type = Regex
			case "ignore-case":
				r.IgnoreCase = true
			case "":
			default:
				return Route{}, fmt.Errorf("aliasresolve: %s: unknown option %q", aliasName, opt)
			}
		}
	}

	switch r.Type {
	case Glob:
		pattern := r.Pattern
		if r.IgnoreCase {
			pattern = strings.ToLower(pattern)
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return Route{}, fmt.Errorf("aliasresolve: %s: invalid glob pattern %q: %w", aliasName, r.Pattern, err)
		}
		r.glob = g
	case Regex:
		reSrc := r.Pattern
		if !strings.HasPrefix(reSrc, "^") {
			reSrc = "^" + reSrc
		}
		if !strings.HasSuffix(reSrc, "$") {
			reSrc = reSrc + "$"
		}
		if r.IgnoreCase {
			reSrc = "(?i)" + reSrc
		}
		re, err := regexp.Compile(reSrc)
		if err != nil {
			return Route{}, fmt.Errorf("aliasresolve: %s: invalid regex pattern %q: %w", aliasName, r.Pattern, err)
		}
		r.re = re
	}
	return r, nil
}

// Matches reports whether normalized path p matches route r.
func (r Route) Matches(p string) bool {
	switch r.Type {
	case Literal:
		if r.IgnoreCase {
			return strings.EqualFold(p, r.Pattern)
		}
		return p == r.Pattern
	case Glob:
		subject := p
		if r.IgnoreCase {
			subject = strings.ToLower(p)
		}
		return r.glob.Match(subject)
	case Regex:
		return r.re.MatchString(p)
	default:
		return false
	}
}

// literalPrefixLen returns the length of r.Pattern's fixed literal prefix,
// used for specificity ranking: the longest run of characters before the
// first glob/regex metacharacter.
func (r Route) literalPrefixLen() int {
	if r.Type == Literal {
		return len(r.Pattern)
	}
	meta := "*?[]^$().+{}|\\"
	for i, c := range r.Pattern {
		if strings.ContainsRune(meta, c) {
			return i
		}
	}
	return len(r.Pattern)
}

// Reserved reports whether name collides with a built-in route path,
// per the alias resolver's "reserved-name guard" (spec §4.3).
func Reserved(name string, builtins map[string]struct{}) bool {
	_, ok := builtins[name]
	return ok
}

// Resolve selects the winning route among all candidate routes for path p,
// applying the spec §4.3 tie-break: longer literal prefix, then
// literal > glob > regex, then alias name ascending.
func Resolve(routes []Route, p string) (Route, bool) {
	var best Route
	found := false
	for _, r := range routes {
		if !r.Matches(p) {
			continue
		}
		if !found {
			best = r
			found = true
			continue
		}
		if better(r, best) {
			best = r
		}
	}
	return best, found
}

func better(a, b Route) bool {
	if al, bl := a.literalPrefixLen(), b.literalPrefixLen(); al != bl {
		return al > bl
	}
	if a.Type.rank() != b.Type.rank() {
		return a.Type.rank() > b.Type.rank()
	}
	return a.AliasName < b.AliasName
}
