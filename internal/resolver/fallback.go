package resolver

import "strings"

// Fallback role names. These mirror the roster's role column values.
const (
	RoleAdmin  = "admin"
	RoleHybrid = "hybrid"
	RoleCoach  = "coach"
	RoleRunner = "runner"
)

// fallbackPatterns is checked in order; hybrid must precede coach so a
// hybrid-coach address resolves to the wider role.
var fallbackPatterns = []struct {
	substr string
	role   string
}{
	{"admin", RoleAdmin},
	{"hybrid", RoleHybrid},
	{"coach", RoleCoach},
}

// InferRole deterministically maps an email address to a role by substring
// match, defaulting to runner. Used only when the authoritative lookup
// times out.
func InferRole(email string) string {
	lower := strings.ToLower(email)
	for _, p := range fallbackPatterns {
		if strings.Contains(lower, p.substr) {
			return p.role
		}
	}
	return RoleRunner
}

// displayNameFromEmail derives a placeholder display name from the local
// part of the address for fallback results.
func displayNameFromEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found || local == "" {
		return email
	}
	return local
}
