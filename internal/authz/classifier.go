package authz

import "strings"

// Tier is the sensitivity classification of an environment name. It drives
// default permissions and the sync escalation gate.
type Tier string

const (
	TierDevelopment Tier = "development"
	TierStandard    Tier = "standard"
	TierProtected   Tier = "protected"
)

// ClassifyEnvironment maps an environment name to its tier,
// case-insensitively. Unrecognized names are standard.
func ClassifyEnvironment(name string) Tier {
	switch strings.ToLower(name) {
	case "production", "prod", "main", "master":
		return TierProtected
	case "dev", "development", "local":
		return TierDevelopment
	default:
		return TierStandard
	}
}

// ProtectionLevel ranks tiers for cross-environment escalation comparisons.
func (t Tier) ProtectionLevel() int {
	switch t {
	case TierDevelopment:
		return 0
	case TierProtected:
		return 2
	default:
		return 1
	}
}
