package allowlist

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches request URLs whose responses may be cached.
// A rule with Prefix matches URLs on the origin under that path prefix.
// A rule with Host matches URLs whose hostname contains that substring.
// A rule with both must satisfy both.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Host   string `yaml:"host"`
}

// Allows reports whether any rule matches u. Relative URLs are taken to be on origin.
func (r Rules) Allows(origin url.URL, u *url.URL) bool {
	if !u.IsAbs() {
		u = origin.ResolveReference(u)
	}
	return r.find(origin, u) != nil
}

func (r Rules) find(origin url.URL, u *url.URL) *Rule {
	for _, rule := range r {
		if rule.Prefix == "" && rule.Host == "" {
			log.Warn().Msg("Ignoring empty allow-list rule")
			continue
		}
		if rule.Prefix != "" {
			if !strings.EqualFold(u.Scheme, origin.Scheme) || !strings.EqualFold(u.Host, origin.Host) {
				continue
			}
			if !strings.HasPrefix(u.Path, rule.Prefix) {
				continue
			}
		}
		if rule.Host != "" && !strings.Contains(strings.ToLower(u.Hostname()), strings.ToLower(rule.Host)) {
			continue
		}
		log.Trace().Msgf("URL %s allowed by rule %+v", u, rule)
		return &rule
	}
	return nil
}

// PrefixRule returns a rule for the origin's own assets under prefix.
func PrefixRule(prefix string) Rule {
	return Rule{Prefix: prefix}
}

// HostRules returns one rule per hostname substring.
func HostRules(hosts ...string) Rules {
	rules := make(Rules, 0, len(hosts))
	for _, h := range hosts {
		rules = append(rules, Rule{Host: h})
	}
	return rules
}
