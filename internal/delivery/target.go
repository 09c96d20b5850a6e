package delivery

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const fallbackServiceURL = "https://smba.trafficmanager.net/amer/%s/"

var targetPrefixes = []string{"user:", "conversation:", "msteams:", "teams:", "channel:"}

// NormalizeTarget strips routing prefixes such as "msteams:user:" from a
// delivery target and returns the bare identifier.
func NormalizeTarget(raw string) string {
	target := strings.TrimSpace(raw)
	for {
		stripped := false
		lower := strings.ToLower(target)
		for _, prefix := range targetPrefixes {
			if strings.HasPrefix(lower, prefix) {
				target = strings.TrimSpace(target[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			return target
		}
	}
}

// LooksLikeUserID guesses whether id is an opaque user identifier (an AAD
// object id) rather than a conversation id. Conversation ids always carry a
// ':' ("a:1...", "19:...") and thread ids an '@'. This is a heuristic.
func LooksLikeUserID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, "@:")
}

// aadObjectID returns id in the canonical lowercase form Teams uses for AAD
// object ids, or false when id is not a UUID at all.
func aadObjectID(id string) (string, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// SynthesizeServiceURL builds the Americas connector endpoint for a tenant.
// Tenants homed elsewhere may reject it, so it is only a last resort.
func SynthesizeServiceURL(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ""
	}
	return fmt.Sprintf(fallbackServiceURL, tenantID)
}
