// Package classify maps downstream HTTP/GraphQL errors into the
// transient/permanent taxonomy the engine retries or gives up on.
package classify

import (
	"regexp"
	"strings"
	"time"
)

var (
	tooLongRe  = regexp.MustCompile(`(?i)context length|too long|max.*tokens`)
	throttleRe = regexp.MustCompile(`(?i)throttl|rate limit|too many requests`)
	networkRe  = regexp.MustCompile(`(?i)reset by peer|dns|eai_again|etimedout|connection refused`)
)

// Classification is the outcome of running an error/status through Classify.
type Classification struct {
	IsTransient bool
	UserMessage string
	RetryAfter  time.Duration
}

// Input bundles the data the classifier rules match against.
type Input struct {
	StatusCode int
	ErrMessage string
	ErrName    string
	// RetryAfterHeader is the raw Retry-After header value, if present.
	RetryAfterHeader string
	// IsTimeout marks a client-side timeout/abort (no HTTP status available).
	IsTimeout bool
	// GraphQLErrors carries top-level GraphQL error messages for the
	// StoreAPI path's 200-with-errors case.
	GraphQLErrors []string
	// NonParsableJSON marks a response that was required to be JSON but
	// could not be parsed.
	NonParsableJSON bool
}

// Classify applies the rules in first-match-wins order.
func Classify(in Input) Classification {
	for _, msg := range in.GraphQLErrors {
		if throttleRe.MatchString(msg) {
			return Classification{IsTransient: true, UserMessage: "rate limited", RetryAfter: parseRetryAfter(in.RetryAfterHeader)}
		}
	}

	switch in.StatusCode {
	case 401, 403:
		return Classification{IsTransient: false, UserMessage: "authentication failed"}
	case 429:
		return Classification{IsTransient: true, UserMessage: "rate limited", RetryAfter: parseRetryAfter(in.RetryAfterHeader)}
	}

	if in.StatusCode == 400 && tooLongRe.MatchString(in.ErrMessage) {
		return Classification{IsTransient: false, UserMessage: "input too long"}
	}

	if in.StatusCode >= 400 && in.StatusCode <= 499 {
		return Classification{IsTransient: false, UserMessage: httpMessage(in.StatusCode)}
	}

	if in.StatusCode >= 500 && in.StatusCode <= 599 {
		return Classification{IsTransient: true, UserMessage: "server error", RetryAfter: parseRetryAfter(in.RetryAfterHeader)}
	}

	if in.IsTimeout || isAbort(in.ErrName) {
		return Classification{IsTransient: true, UserMessage: "request timed out"}
	}

	if networkRe.MatchString(in.ErrMessage) {
		return Classification{IsTransient: true, UserMessage: "network error"}
	}

	if in.NonParsableJSON {
		return Classification{IsTransient: true, UserMessage: "malformed response"}
	}

	// Conservative default: unrecognized shapes are treated as permanent so
	// we don't retry forever against something that will never succeed.
	return Classification{IsTransient: false, UserMessage: "request failed"}
}

func isAbort(errName string) bool {
	lower := strings.ToLower(errName)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "abort") || strings.Contains(lower, "deadlineexceeded")
}

func httpMessage(status int) string {
	switch status {
	case 400:
		return "invalid request"
	case 404:
		return "not found"
	default:
		return "request rejected"
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := parseSeconds(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func parseSeconds(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotNumeric
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 && s != "0" {
		return 0, errNotNumeric
	}
	return n, nil
}

var errNotNumeric = notNumericErr{}

type notNumericErr struct{}

func (notNumericErr) Error() string { return "retry-after header is not a plain integer" }
