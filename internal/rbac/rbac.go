// Package rbac evaluates role-based access over ordered prefix tables.
// Evaluation is a pure function of the tables and the request; the tables
// are immutable after construction, so hot reload swaps the whole engine.
package rbac

import (
	"strings"

	"github.com/spaceavenue/ngfw/internal/config"
)

// fallbackRole is applied when the declared role has no policy.
const fallbackRole = "guest"

// Decision reason codes.
const (
	ReasonHoneypot    = "honeypot_path"
	ReasonWildcard    = "wildcard_allow"
	ReasonDenyPrefix  = "deny_prefix"
	ReasonAllowPrefix = "allow_prefix"
	ReasonDefaultDeny = "default_deny"
	ReasonUnknownRole = "unknown_role"
)

// Result is the outcome of one policy evaluation.
type Result struct {
	Allowed bool
	// Honeypot marks a trap-path hit. Under the observe polarity the
	// request is allowed through but must be labeled high risk downstream.
	Honeypot bool
	// Role is the effective role the decision was made under (the declared
	// role, or the fallback).
	Role    string
	Reasons []string
}

// Engine holds the resolved policy tables. Construct via New; never mutate.
type Engine struct {
	roles            map[string]config.RolePolicy
	honeypotPrefixes []string
	honeypotDeny     bool
	adminPrefixes    []string
}

// New builds an engine from the validated RBAC config.
func New(cfg config.RBACConfig) *Engine {
	return &Engine{
		roles:            cfg.Roles,
		honeypotPrefixes: cfg.HoneypotPrefixes,
		honeypotDeny:     cfg.HoneypotPolicy == config.HoneypotDeny,
		adminPrefixes:    cfg.AdminPrefixes,
	}
}

// Evaluate applies the policy for (role, path). Order: honeypot prefixes,
// wildcard allow, deny prefixes, allow prefixes, default deny. Prefix lists
// are checked in table order; the first match wins within each list.
func (e *Engine) Evaluate(role, path string) Result {
	res := Result{Role: role}

	if e.IsHoneypot(path) {
		res.Honeypot = true
		res.Reasons = append(res.Reasons, ReasonHoneypot)
		res.Allowed = !e.honeypotDeny
		return res
	}

	policy, ok := e.roles[role]
	if !ok {
		res.Role = fallbackRole
		res.Reasons = append(res.Reasons, ReasonUnknownRole)
		policy, ok = e.roles[fallbackRole]
		if !ok {
			res.Reasons = append(res.Reasons, ReasonDefaultDeny)
			return res
		}
	}

	for _, p := range policy.Allow {
		if p == "*" {
			res.Allowed = true
			res.Reasons = append(res.Reasons, ReasonWildcard)
			return res
		}
	}

	for _, p := range policy.Deny {
		if strings.HasPrefix(path, p) {
			res.Reasons = append(res.Reasons, ReasonDenyPrefix)
			return res
		}
	}

	for _, p := range policy.Allow {
		if strings.HasPrefix(path, p) {
			res.Allowed = true
			res.Reasons = append(res.Reasons, ReasonAllowPrefix)
			return res
		}
	}

	res.Reasons = append(res.Reasons, ReasonDefaultDeny)
	return res
}

// IsHoneypot reports whether the path falls under a trap prefix.
func (e *Engine) IsHoneypot(path string) bool {
	for _, p := range e.honeypotPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsAdminPath reports whether the path falls under an administrative prefix.
// Used by the rule engine's admin-path heuristics.
func (e *Engine) IsAdminPath(path string) bool {
	for _, p := range e.adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
