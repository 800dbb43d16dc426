package models

import "strings"

// Tier is the access class that decides how generous rate limits are.
type Tier string

const (
	TierGuest         Tier = "guest"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// ParseTier maps a header or config value onto a Tier. Unknown values map to guest.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierAuthenticated:
		return TierAuthenticated
	case TierPremium:
		return TierPremium
	default:
		return TierGuest
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierGuest || t == TierAuthenticated || t == TierPremium
}

// Identity is the already-resolved caller handed to the engine by the auth collaborator.
type Identity struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`
}

// Anonymous returns the identity used for unauthenticated traffic.
func Anonymous() Identity {
	return Identity{Tier: TierGuest}
}

// Authenticated reports whether the identity carries a resolved user.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}
