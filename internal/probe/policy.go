package probe

import "strings"

// Policies that permit running the venv activation scripts. Anything else
// (notably Restricted and AllSigned) is inadequate; the reconciler treats the
// result as advisory.
var adequatePolicies = map[string]struct{}{
	"remotesigned": {},
	"bypass":       {},
	"unrestricted": {},
}

func policyAdequate(policy string) bool {
	_, ok := adequatePolicies[strings.ToLower(strings.TrimSpace(policy))]
	return ok
}
