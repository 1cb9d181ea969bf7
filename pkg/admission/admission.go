// Package admission adapts the OPA-backed policy engine to the
// rekey.SuiteAdmission contract, letting an operator restrict which
// catalog suites a given deployment is allowed to enter independent of
// whether the suite_id simply exists in the registry.
package admission

import (
	"context"
	"fmt"

	"github.com/example/securetunnel/internal/platform/policy"
)

// PolicyGate evaluates one rego query per suite admission check. The
// query is expected to return {"allow": bool} (or a bare bool) given
// {"suite_id": "..."} as input.
type PolicyGate struct {
	engine *policy.Engine
}

// NewPolicyGate wraps an already-constructed policy engine.
func NewPolicyGate(engine *policy.Engine) *PolicyGate {
	return &PolicyGate{engine: engine}
}

// Admit evaluates the policy for suiteID and returns an error if the
// decision disallows it.
func (g *PolicyGate) Admit(suiteID string) error {
	if g == nil || g.engine == nil {
		return nil
	}
	decision, err := g.engine.Evaluate(context.Background(), map[string]any{"suite_id": suiteID})
	if err != nil {
		return fmt.Errorf("admission: policy evaluation failed for %q: %w", suiteID, err)
	}
	if !decision.Allow {
		return fmt.Errorf("admission: suite %q denied by policy", suiteID)
	}
	return nil
}

// DefaultModule is the fallback rego policy used when the operator
// does not supply one: every catalog suite is admitted. Deployments
// that want to restrict suite entry (e.g. pin to NIST level 3+)
// replace this with their own module at the same package/rule path.
const DefaultModule = `
package securetunnel.admission

default allow = true
`
