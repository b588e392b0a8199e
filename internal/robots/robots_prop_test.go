package robots

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type propRule struct {
	Allow bool
	Path  string
}

// genPath generates rooted paths built from a small segment alphabet so that
// prefix collisions actually happen.
func genPath() gopter.Gen {
	segment := gen.OneConstOf("a", "b", "admin", "press", "static")
	return gen.SliceOfN(3, segment).Map(func(segments []string) string {
		return "/" + strings.Join(segments, "/")
	})
}

func genRules() gopter.Gen {
	rule := gopter.CombineGens(gen.Bool(), genPath()).Map(func(vals []interface{}) propRule {
		return propRule{Allow: vals[0].(bool), Path: vals[1].(string)}
	})
	return gen.SliceOf(rule)
}

func buildFile(t *testing.T, rules []propRule) *File {
	var sb strings.Builder
	sb.WriteString("User-agent: *\n")
	for _, r := range rules {
		if r.Allow {
			sb.WriteString("Allow: " + r.Path + "\n")
		} else {
			sb.WriteString("Disallow: " + r.Path + "\n")
		}
	}
	f, err := Parse(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("failed to parse generated rules: %v", err)
	}
	return f
}

func TestDecisionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("decision is deterministic", prop.ForAll(
		func(rules []propRule, path string) bool {
			f := buildFile(t, rules)
			first := f.Test("AnyBot", path)
			second := f.Test("AnyBot", path)
			return first == second
		},
		genRules(),
		genPath(),
	))

	properties.Property("non-matching rule never changes the decision", prop.ForAll(
		func(rules []propRule, path string, allow bool) bool {
			before := buildFile(t, rules).Test("AnyBot", path)

			// a rule deeper than the query path can never be its prefix
			extended := append(append([]propRule{}, rules...), propRule{Allow: allow, Path: path + "/deeper"})
			after := buildFile(t, extended).Test("AnyBot", path)

			return before.Allowed == after.Allowed && before.MatchedRule == after.MatchedRule
		},
		genRules(),
		genPath(),
		gen.Bool(),
	))

	properties.Property("appending the most specific matching rule makes it win", prop.ForAll(
		func(rules []propRule, path string, allow bool) bool {
			// path itself is the longest possible matching prefix; declared
			// last it also wins any length tie
			extended := append(append([]propRule{}, rules...), propRule{Allow: allow, Path: path})
			v := buildFile(t, extended).Test("AnyBot", path)
			return v.Allowed == allow
		},
		genRules(),
		genPath(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
