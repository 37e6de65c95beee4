// Package engine decides which trial fields may be forwarded to external
// tracking services, using OPA Rego policies. Teams use it to keep sensitive
// params or user attributes out of third-party backends.
package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const forwardingQuery = "data.opttrack.forwarding.deny"

// Default policy: nothing is denied. Custom policies define the same package
// and populate deny (or extend denylist) to hold back keys.
const defaultRegoPolicy = `package opttrack.forwarding

# Keys listed here are never exported to external tracking services.
denylist := []

deny contains key if {
	some key in input.keys
	key in denylist
}
`

// ForwardInput describes one set of candidate keys for export.
type ForwardInput struct {
	// Kind is what the keys are: "param", "tag", or "config".
	Kind string
	// Study is the study name, available to policies that scope rules per study.
	Study string
	// Keys are the candidate keys.
	Keys []string
}

// Filter reports which keys must not be forwarded.
type Filter interface {
	// Denied returns the subset of input.Keys that may not be exported.
	Denied(ctx context.Context, input ForwardInput) (map[string]bool, error)
}

// OPAFilter evaluates forwarding policies with the in-process OPA Rego engine.
type OPAFilter struct {
	compiler *ast.Compiler
}

// NewOPAFilter compiles the given Rego source. Empty source uses the default
// policy, which denies nothing.
func NewOPAFilter(regoSrc string) (*OPAFilter, error) {
	if regoSrc == "" {
		regoSrc = defaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"forwarding.rego": regoSrc})
	if err != nil {
		return nil, fmt.Errorf("policy: compile forwarding policy: %w", err)
	}
	return &OPAFilter{compiler: compiler}, nil
}

// Denied evaluates the policy for the given keys.
func (f *OPAFilter) Denied(ctx context.Context, input ForwardInput) (map[string]bool, error) {
	q := rego.New(
		rego.Query(forwardingQuery),
		rego.Compiler(f.compiler),
		rego.Input(map[string]any{
			"kind":  input.Kind,
			"study": input.Study,
			"keys":  input.Keys,
		}),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: eval forwarding policy: %w", err)
	}
	denied := map[string]bool{}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return denied, nil
	}
	keys, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return denied, nil
	}
	for _, k := range keys {
		if s, ok := k.(string); ok {
			denied[s] = true
		}
	}
	return denied, nil
}
