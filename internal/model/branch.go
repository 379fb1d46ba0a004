package model

import (
	"fmt"
	"regexp"
	"strings"
)

const defaultBranchKeyword = "<default>"

// BranchFilter is a compiled list of +:/-: branch rules. Later rules win and
// an empty filter accepts every branch.
type BranchFilter struct {
	raw   string
	rules []branchRule
}

type branchRule struct {
	include bool
	pattern string
	re      *regexp.Regexp
}

// ParseBranchFilter compiles spec. defaultBranch replaces the <default>
// keyword.
func ParseBranchFilter(spec, defaultBranch string) (BranchFilter, error) {
	f := BranchFilter{raw: strings.TrimSpace(spec)}
	for _, tok := range strings.Fields(spec) {
		include := true
		pattern := tok
		switch {
		case strings.HasPrefix(tok, "+:"):
			pattern = tok[2:]
		case strings.HasPrefix(tok, "-:"):
			include = false
			pattern = tok[2:]
		case strings.HasPrefix(tok, "+"), strings.HasPrefix(tok, "-"), strings.HasPrefix(tok, ":"):
			return BranchFilter{}, fmt.Errorf("malformed branch rule %q", tok)
		}
		if pattern == "" {
			return BranchFilter{}, fmt.Errorf("malformed branch rule %q: empty pattern", tok)
		}
		if pattern == defaultBranchKeyword && defaultBranch != "" {
			pattern = ShortBranch(defaultBranch)
		}
		re, err := compileBranchPattern(pattern)
		if err != nil {
			return BranchFilter{}, fmt.Errorf("malformed branch rule %q: %w", tok, err)
		}
		f.rules = append(f.rules, branchRule{include: include, pattern: pattern, re: re})
	}
	return f, nil
}

func compileBranchPattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Match reports whether branch passes the filter. Both the full ref and the
// logical name (without refs/heads/) are tried against each rule.
func (f BranchFilter) Match(branch string) bool {
	if len(f.rules) == 0 {
		return true
	}
	short := ShortBranch(branch)
	candidates := []string{short}
	if !strings.HasPrefix(short, "refs/") {
		candidates = append(candidates, "refs/heads/"+short)
	}
	matched := false
	for _, r := range f.rules {
		for _, c := range candidates {
			if r.re.MatchString(c) {
				matched = r.include
				break
			}
		}
	}
	return matched
}

func (f BranchFilter) Empty() bool {
	return len(f.rules) == 0
}

func (f BranchFilter) String() string {
	return f.raw
}

// ShortBranch strips the refs/heads/ prefix.
func ShortBranch(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// Bind re-resolves <default> against the default branch of the VCS root a
// filter ends up attached to. Filters without the keyword are returned as is.
func (f BranchFilter) Bind(defaultBranch string) BranchFilter {
	if !strings.Contains(f.raw, defaultBranchKeyword) {
		return f
	}
	bound, err := ParseBranchFilter(f.raw, defaultBranch)
	if err != nil {
		return f
	}
	return bound
}
