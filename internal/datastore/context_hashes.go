// Package datastore implements the client's flag data storage: the in-memory flag cache for
// the active evaluation context, the persistent store facade with its namespace and key scheme,
// and the index that tracks which contexts have cached data.
package datastore

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
)

// HashForContext returns the canonical storage identifier for an evaluation context: a URL-safe
// base64-encoded SHA-256 hash of the context's fully qualified key. Hashing keeps personally
// identifying keys out of storage key names and produces names that are safe for any store
// implementation.
func HashForContext(context ldcontext.Context) string {
	return hashString(context.FullyQualifiedKey())
}

// HashForMobileKey returns the storage identifier for an environment, derived from its mobile
// key the same way context identifiers are derived.
func HashForMobileKey(mobileKey string) string {
	return hashString(mobileKey)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.URLEncoding.EncodeToString(sum[:])
}
