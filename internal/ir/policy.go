package ir

// Policy mode names as they appear in documents and manifests.
const (
	PolicyStrict   = "strict"
	PolicyStandard = "standard"
	PolicyTolerant = "tolerant"
	PolicyIgnore   = "ignore"
)

// Policy is the closed set of reproduction policies.
//
// Only StrictPolicy, StandardPolicy, TolerantPolicy and IgnorePolicy implement
// it. Consumers switch over the concrete types exhaustively, so adding a
// variant is a compile-visible change at every call site.
type Policy interface {
	// Mode returns the document name of the policy.
	Mode() string
	policy() // sealed
}

// StrictPolicy matches only byte-identical artifacts.
type StrictPolicy struct{}

func (StrictPolicy) Mode() string { return PolicyStrict }
func (StrictPolicy) policy()      {}

// StandardPolicy requires declared critical fields to match exactly while
// other content may drift.
type StandardPolicy struct {
	// Critical lists the field paths that must be equal. Never empty.
	Critical []string

	// Ignore lists field paths that are never compared.
	Ignore []string
}

func (StandardPolicy) Mode() string { return PolicyStandard }
func (StandardPolicy) policy()      {}

// TolerantPolicy accepts numeric drift within absolute and/or relative bounds.
// Non-numeric content falls back to standard semantics.
type TolerantPolicy struct {
	// Absolute is the largest accepted |baseline - current|.
	Absolute *float64

	// Relative is the largest accepted |baseline - current| / max(|baseline|, |current|).
	Relative *float64

	// Fields restricts numeric comparison to these field paths.
	// Empty means every numeric baseline field.
	Fields []string

	// Critical lists non-numeric fields that must match exactly.
	// Empty means every non-numeric baseline field.
	Critical []string

	// Ignore lists field paths that are never compared.
	Ignore []string
}

func (TolerantPolicy) Mode() string { return PolicyTolerant }
func (TolerantPolicy) policy()      {}

// IgnorePolicy records the output but never validates it.
type IgnorePolicy struct{}

func (IgnorePolicy) Mode() string { return PolicyIgnore }
func (IgnorePolicy) policy()      {}

// PolicyOrDefault returns the output's policy, or strict when none is set.
func (o OutputSpec) PolicyOrDefault() Policy {
	if o.Policy == nil {
		return StrictPolicy{}
	}
	return o.Policy
}

// NeedsFields reports whether comparisons under p read extracted fields.
func NeedsFields(p Policy) bool {
	switch p.(type) {
	case StandardPolicy, TolerantPolicy:
		return true
	case StrictPolicy, IgnorePolicy, nil:
		return false
	}
	return false
}
