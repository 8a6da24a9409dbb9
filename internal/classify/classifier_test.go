package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyAuthFailure(t *testing.T) {
	c := Classify(Input{StatusCode: 401})
	require.False(t, c.IsTransient)
	require.Equal(t, "authentication failed", c.UserMessage)
}

func TestClassifyRateLimited(t *testing.T) {
	c := Classify(Input{StatusCode: 429, RetryAfterHeader: "3"})
	require.True(t, c.IsTransient)
	require.Equal(t, 3*time.Second, c.RetryAfter)
}

func TestClassifyTooLong(t *testing.T) {
	c := Classify(Input{StatusCode: 400, ErrMessage: "maximum context length exceeded"})
	require.False(t, c.IsTransient)
	require.Equal(t, "input too long", c.UserMessage)
}

func TestClassifyGenericClientError(t *testing.T) {
	c := Classify(Input{StatusCode: 422})
	require.False(t, c.IsTransient)
}

func TestClassifyServerError(t *testing.T) {
	c := Classify(Input{StatusCode: 503})
	require.True(t, c.IsTransient)
}

func TestClassifyTimeout(t *testing.T) {
	c := Classify(Input{IsTimeout: true})
	require.True(t, c.IsTransient)
}

func TestClassifyGraphQLThrottleOn200(t *testing.T) {
	c := Classify(Input{StatusCode: 200, GraphQLErrors: []string{"Throttled, too many requests"}})
	require.True(t, c.IsTransient)
	require.Equal(t, "rate limited", c.UserMessage)
}

func TestClassifyNonParsableJSON(t *testing.T) {
	c := Classify(Input{StatusCode: 200, NonParsableJSON: true})
	require.True(t, c.IsTransient)
}
