// Package match implements the admission gate's pattern-matching primitives
// as pure functions: glob, domain suffix, and CIDR/IP matching. Grounded on
// the teacher's configvalidator/matcher package's compile-once,
// parse-then-match shape, generalized from label matchers to the admission
// gate's restriction fields.
package match

import (
	"net"
	"regexp"
	"strings"
	"sync"
)

// globCache avoids recompiling the same pattern on every request; patterns
// come from a small, slowly-changing set of API key restriction fields.
var globCache sync.Map

// Glob reports whether value matches pattern, where pattern is a glob with
// `*` wildcards, anchored and case-insensitive — spec §4.A's "glob-to-regex
// (`*` → `.*`), anchored, case-insensitive" contract.
func Glob(pattern, value string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// GlobAny reports whether value matches any of patterns.
func GlobAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Glob(p, value) {
			return true
		}
	}
	return false
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	globCache.Store(pattern, re)
	return re, nil
}

// Domain reports whether host matches any of patterns. A pattern of
// `*.example.com` matches any subdomain of example.com (but not
// example.com itself); any other pattern must match host exactly,
// case-insensitively.
func Domain(patterns []string, host string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

// IP reports whether ip matches any of entries. `*` matches everything;
// `a.b.c.d/n` matches by CIDR network prefix; anything else matches by
// exact string equality.
func IP(entries []string, ip string) bool {
	parsed := net.ParseIP(ip)
	for _, entry := range entries {
		if entry == "*" {
			return true
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				continue
			}
			if parsed != nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}
