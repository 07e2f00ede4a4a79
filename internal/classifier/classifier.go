// Package classifier maps upstream (status, body) pairs onto the three
// outcomes the account pool reacts to.
package classifier

import "strings"

// Classification is the total result of classifying an upstream response.
type Classification int

const (
	// Transient means the request can be retried against the same or a
	// different account without any pool state change.
	Transient Classification = iota
	// QuotaExceeded means the account hit its rolling subscription quota
	// and should cool down.
	QuotaExceeded
	// Permanent means the account's credentials are no longer valid and it
	// should be disabled.
	Permanent
)

func (c Classification) String() string {
	switch c {
	case QuotaExceeded:
		return "quota_exceeded"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// quotaPhrases identify the 5-hour rolling subscription quota. A bare 429
// without one of these is ordinary rate limiting, not quota exhaustion.
var quotaPhrases = []string{
	"5-hour",
	"5 hour",
	"rolling window",
	"usage limit for your plan",
	"subscription usage limit",
}

// Classify is a pure function from (status, body) to exactly one
// Classification.
func Classify(status int, body string) Classification {
	if status == 429 && containsQuotaPhrase(body) {
		return QuotaExceeded
	}
	if status == 401 || status == 403 {
		return Permanent
	}
	// 408/500/502/503/504, and everything else not covered above, fall
	// through to the default.
	return Transient
}

func containsQuotaPhrase(body string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, phrase := range quotaPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
