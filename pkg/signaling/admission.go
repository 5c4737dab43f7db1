package signaling

import "crypto/subtle"

// secretMatches compares a presented secret against the configured one
// in constant time. An unconfigured secret never matches anything: the
// corresponding path fails closed, it is never open.
func secretMatches(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
