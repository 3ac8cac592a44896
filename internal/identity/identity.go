// Package identity classifies caller identities shared by the billing
// and entitlement layers, so both agree on who bypasses checks.
package identity

// IsExempt reports whether an identity bypasses billing and entitlement
// limits: internal traffic and unauthenticated system callers.
func IsExempt(userID string) bool {
	return userID == "" || userID == "system" || userID == "anonymous"
}
