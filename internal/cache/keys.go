package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey carries the owner in the key, so a status hit can never
// cross user scope.
func JobStatusKey(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:%s", userID, jobID)
}

// RateLimitKey namespaces a caller-composed rate-limit key (for example
// "jobs:start:<userID>") so distinct features never share a budget.
func RateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}
