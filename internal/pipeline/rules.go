package pipeline

import (
	"errors"
	"strings"

	"ipguard/internal/config"
	"ipguard/internal/ratelimit"
)

const (
	RuleAnonymous     = "anonymous"
	RuleAuthenticated = "authenticated"
	RuleLogin         = "login"
	RuleAPI           = "api"
)

// Rules is the compiled rate limiting policy.
type Rules struct {
	Enabled       bool
	Anonymous     ratelimit.Rule
	Authenticated ratelimit.Rule
	Login         ratelimit.Rule
	API           ratelimit.Rule
	LoginPaths    []string
	APIPrefix     string
}

// BuildRules compiles the rate limit section of cfg.
func BuildRules(cfg config.Config) (Rules, error) {
	rl := cfg.RateLimits
	rules := Rules{
		Enabled:    rl.Enabled,
		LoginPaths: append([]string(nil), cfg.Proxy.LoginPaths...),
		APIPrefix:  strings.TrimSpace(cfg.Proxy.APIPrefix),
	}

	var errs []error
	build := func(name string, rc config.RateRuleConfig) ratelimit.Rule {
		rule, err := ratelimit.NewRule(name, rc.Rate, rc.Methods, rc.LogDenials)
		if err != nil {
			errs = append(errs, err)
		}
		return rule
	}
	rules.Anonymous = build(RuleAnonymous, rl.Anonymous)
	rules.Authenticated = build(RuleAuthenticated, rl.Authenticated)
	rules.Login = build(RuleLogin, rl.Login)
	if strings.TrimSpace(rl.API.Rate) != "" {
		rules.API = build(RuleAPI, rl.API)
	}

	return rules, errors.Join(errs...)
}

// Select picks the rule for a request: login paths first (keyed by IP so credentials
// do not matter), then the API prefix, then the identity class.
func (r Rules) Select(method, path string, id Identity) (ratelimit.Rule, string) {
	if r.isLoginPath(path) && r.Login.AppliesTo(method) {
		return r.Login, "ip:" + id.IP
	}
	if r.API.Name != "" && r.APIPrefix != "" && strings.HasPrefix(path, r.APIPrefix) && r.API.AppliesTo(method) {
		return r.API, id.Key()
	}
	if id.Authenticated() {
		return r.Authenticated, id.Key()
	}
	return r.Anonymous, id.Key()
}

func (r Rules) isLoginPath(path string) bool {
	for _, p := range r.LoginPaths {
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
