package policy

import (
	"context"
	"regexp"
	"strings"

	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Getter is the minimal interface the Engine needs from policy storage.
type Getter interface {
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
}

// Engine evaluates whether a set of named policies authorizes an action
// on a resource path. Policies are allow-only; deny is the absence of a
// matching rule.
type Engine struct {
	store Getter
}

// NewEngine creates a policy Engine backed by the given storage.
func NewEngine(store Getter) *Engine {
	return &Engine{store: store}
}

// HasAccess returns true if any rule in any of the named policies grants
// the action on resourcePath. The reserved policy name "admin" grants
// everything. Unknown policy names are skipped, not errors.
func (e *Engine) HasAccess(ctx context.Context, policyNames []string, resourcePath, action string) bool {
	if len(policyNames) == 0 {
		return false
	}
	for _, name := range policyNames {
		if name == models.AdminPolicy {
			return true
		}
	}
	for _, name := range policyNames {
		pol, err := e.store.GetPolicy(ctx, name)
		if err != nil || pol == nil {
			continue
		}
		for _, rule := range pol.Rules {
			if matchesRule(rule, resourcePath, action) {
				return true
			}
		}
	}
	return false
}

// matchesRule evaluates one "<action>:<pathPattern>" rule.
// The pattern is a glob over /-segmented paths: * matches any sequence,
// ? matches any single character.
func matchesRule(rule, resourcePath, action string) bool {
	parts := strings.SplitN(rule, ":", 2)
	if len(parts) != 2 {
		log.Warn().Str("rule", rule).Msg("invalid policy rule format")
		return false
	}
	ruleAction := strings.TrimSpace(parts[0])
	rulePattern := strings.TrimSpace(parts[1])

	if ruleAction != models.ActionAny && !strings.EqualFold(ruleAction, action) {
		return false
	}
	return matchPattern(rulePattern, resourcePath)
}

// matchPattern anchors the glob as a full-string regexp match.
func matchPattern(pattern, resourcePath string) bool {
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\?`, `.`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return false
	}
	return re.MatchString(resourcePath)
}
