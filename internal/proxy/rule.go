package proxy

import (
	"strings"

	"github.com/iTrooz/join-proxy/internal/config"
	"github.com/iTrooz/join-proxy/internal/fingerprint"
)

// Rule interface for matching requests against caching rules
type Rule interface {
	Match(req *fingerprint.Request) bool
}

// ConfigRule implements Rule interface for config-based rules
type ConfigRule struct {
	config.CacheRule
}

// Match checks if a request matches this rule
func (r *ConfigRule) Match(req *fingerprint.Request) bool {
	// Check if URL starts with base URI
	if !strings.HasPrefix(req.URL(), r.BaseURI) {
		return false
	}

	// No methods listed matches every method
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, req.Method) {
			return true
		}
	}
	return false
}

// Rules decides which requests go through joining and caching. Requests it
// rejects are forwarded untouched.
type Rules struct {
	whitelist bool
	rules     []Rule
}

// NewRules builds Rules from configuration
func NewRules(cfg config.RulesConfig) *Rules {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rules = append(rules, &ConfigRule{CacheRule: rule})
	}
	return &Rules{
		whitelist: cfg.Mode == "whitelist",
		rules:     rules,
	}
}

// ShouldJoin determines if a request is joined and cached based on rules
func (r *Rules) ShouldJoin(req *fingerprint.Request) bool {
	matched := false
	for _, rule := range r.rules {
		if rule.Match(req) {
			matched = true
			break
		}
	}

	if r.whitelist {
		return matched
	}
	return !matched
}
