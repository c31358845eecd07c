// Package dispatch implements the per-request attempt loop and the pure
// retry-strategy classifier: given a vendor HTTP response, pick
// an account, translate, send, and on failure decide whether to back off,
// rotate, or surrender the response to the client unchanged.
package dispatch

import (
	"regexp"
	"time"
)

// Action is the verdict Classify hands back to the dispatch loop.
type Action int

const (
	// ActionRotate excludes the account for the remainder of this request
	// and tries another, after an optional back-off sleep.
	ActionRotate Action = iota
	// ActionRetrySame sleeps and retries the same account without
	// excluding it. The current classifier table never produces this —
	// every condition it recognizes either rotates or surrenders — but the
	// verdict exists because the dispatch loop's contract names it.
	ActionRetrySame
	// ActionSurrender passes the vendor's status and body back to the
	// client unchanged; the loop does not retry.
	ActionSurrender
)

// Strategy is the classifier's verdict for one non-success vendor response.
type Strategy struct {
	Action Action
	// Backoff, when true, tells the loop to sleep exponentially
	// (BackoffFor) before its next attempt. Strategies that rotate without
	// Backoff (a per-account quota rejection) skip the sleep — the next
	// account is not implicated by the rejection, so there is no reason to
	// make the client wait for it.
	Backoff bool
}

var (
	perAccountQuotaPattern = regexp.MustCompile(`(?i)quota|usage limit|monthly limit|plan limit|credit.*exhaust`)
)

// Classify maps a non-success vendor response to a strategy: 429s and 5xx
// rotate (with back-off unless the body names a per-account quota), all
// other 4xx surrender. It is never invoked for
// transport-level errors (those always rotate, decided by the caller
// before the response even exists) or for the expired-token family, which
// the dispatch loop detects upstream of this function and handles by
// rotating without consulting it.
func Classify(status int, body []byte, isStreaming bool) Strategy {
	switch {
	case status == 429:
		if perAccountQuotaPattern.Match(body) {
			return Strategy{Action: ActionRotate}
		}
		return Strategy{Action: ActionRotate, Backoff: true}
	case status >= 500 && status <= 504:
		return Strategy{Action: ActionRotate, Backoff: true}
	default:
		// 400, 404, and every other 4xx surrender: these are genuine
		// client-caused errors the caller needs to see verbatim.
		return Strategy{Action: ActionSurrender}
	}
}

const (
	backoffBase = 1 * time.Second
	backoffCap  = 8 * time.Second
)

// BackoffFor returns the exponential back-off duration for a zero-based
// attempt count: 1s, 2s, 4s, 8s, 8s, ...
func BackoffFor(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

var expiredTokenPattern = regexp.MustCompile(`(?i)expiredtoken|expired|security token included in the request is expired`)

// IsExpiredToken reports whether a 401/403 response carries one of the
// vendor's known expired-credential markers. The dispatch loop checks this
// before calling Classify: the expired-token family is handled upstream of
// the classifier rather than through it.
func IsExpiredToken(status int, body []byte) bool {
	if status != 401 && status != 403 {
		return false
	}
	return expiredTokenPattern.Match(body)
}

var banSignalPattern = regexp.MustCompile(`(?i)(organization has been disabled|account has been disabled|too many active sessions|only authorized for use with claude code)`)

// IsBanSignal reports whether a 403 body indicates the account itself has
// been disabled vendor-side, as opposed to a transient permission error —
// these are marked forbidden rather than merely rotated past.
func IsBanSignal(status int, body []byte) bool {
	return status == 403 && banSignalPattern.Match(body)
}
