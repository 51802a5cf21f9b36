package app

import "strings"

// OperatorGuard decides whether a caller identity may trigger payouts.
// Payouts are irreversible financial operations, so the guard fails closed:
// any identity not in the configured allow-list is rejected, and an empty
// allow-list rejects everyone.
type OperatorGuard struct {
	allowed map[string]struct{}
}

// NewOperatorGuard builds a guard from a list of operator identities
// (typically email claims from validated JWTs). Entries are matched
// case-insensitively after trimming whitespace.
func NewOperatorGuard(identities []string) *OperatorGuard {
	allowed := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		normalized := strings.ToLower(strings.TrimSpace(identity))
		if normalized == "" {
			continue
		}
		allowed[normalized] = struct{}{}
	}
	return &OperatorGuard{allowed: allowed}
}

// Authorize reports whether the caller identity is an authorized operator.
func (g *OperatorGuard) Authorize(identity string) bool {
	if g == nil {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(identity))
	if normalized == "" {
		return false
	}
	_, ok := g.allowed[normalized]
	return ok
}
