package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/auth"
	"github.com/flowgate-io/flowgate/internal/config"
)

// compiledPolicy is a CEL policy bound to a path prefix.
type compiledPolicy struct {
	name       string
	pathPrefix string
	program    cel.Program
}

// Engine combines role-based path grants with CEL policies. A request
// is allowed when at least one of the identity's roles grants the
// path AND every policy matching the path evaluates to true.
type Engine struct {
	roles    map[string][]string
	policies []compiledPolicy
	logger   *zap.Logger
}

// NewEngine compiles the configured policies. Compilation errors are
// reported at startup, not at request time.
func NewEngine(cfg *config.AuthzConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		roles:  cfg.Roles,
		logger: logger,
	}

	if len(cfg.Policies) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("subject", cel.StringType),
			cel.Variable("roles", cel.ListType(cel.StringType)),
			cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("path", cel.StringType),
			cel.Variable("method", cel.StringType),
			cel.Variable("now", cel.TimestampType),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}

		for _, p := range cfg.Policies {
			ast, issues := env.Compile(p.Expression)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("failed to compile policy %q: %w", p.Name, issues.Err())
			}
			program, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("failed to create program for policy %q: %w", p.Name, err)
			}
			e.policies = append(e.policies, compiledPolicy{
				name:       p.Name,
				pathPrefix: p.PathPrefix,
				program:    program,
			})
		}
	}

	return e, nil
}

// Check implements Checker.
func (e *Engine) Check(_ context.Context, identity *auth.Identity, r *http.Request) error {
	if identity == nil {
		return ErrForbidden
	}

	if err := e.checkRoles(identity, r.URL.Path); err != nil {
		return err
	}
	return e.checkPolicies(identity, r)
}

// checkRoles requires at least one role granting the path. An empty
// roles table grants everything.
func (e *Engine) checkRoles(identity *auth.Identity, path string) error {
	if len(e.roles) == 0 {
		return nil
	}

	for _, role := range identity.Roles {
		for _, prefix := range e.roles[role] {
			if prefix == "*" || strings.HasPrefix(path, prefix) {
				return nil
			}
		}
	}

	e.logger.Debug("no role grants path",
		zap.String("subject", identity.Subject),
		zap.String("path", path),
	)
	return fmt.Errorf("%w: no role grants %s", ErrForbidden, path)
}

// checkPolicies evaluates every policy whose prefix matches the path.
// All matching policies must pass. An evaluation error denies.
func (e *Engine) checkPolicies(identity *auth.Identity, r *http.Request) error {
	if len(e.policies) == 0 {
		return nil
	}

	claims := identity.Claims
	if claims == nil {
		claims = map[string]interface{}{}
	}
	roles := identity.Roles
	if roles == nil {
		roles = []string{}
	}

	input := map[string]interface{}{
		"subject": identity.Subject,
		"roles":   roles,
		"claims":  claims,
		"path":    r.URL.Path,
		"method":  r.Method,
		"now":     time.Now(),
	}

	for _, p := range e.policies {
		if p.pathPrefix != "" && p.pathPrefix != "*" && !strings.HasPrefix(r.URL.Path, p.pathPrefix) {
			continue
		}

		result, _, err := p.program.Eval(input)
		if err != nil {
			e.logger.Warn("policy evaluation error",
				zap.String("policy", p.name),
				zap.Error(err),
			)
			return fmt.Errorf("%w: policy %s", ErrForbidden, p.name)
		}

		allowed, ok := result.Value().(bool)
		if !ok || !allowed {
			e.logger.Debug("policy denied request",
				zap.String("policy", p.name),
				zap.String("subject", identity.Subject),
			)
			return fmt.Errorf("%w: policy %s", ErrForbidden, p.name)
		}
	}

	return nil
}
