package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyExceptionTypeBeatsMessage(t *testing.T) {
	c := New()
	ctx := c.ClassifyException("TimeoutError", "something timed out waiting for selector")
	require.Equal(t, KindTimeout, ctx.Kind)
	require.InDelta(t, 0.9, ctx.Confidence, 0.001)
}

func TestClassifyExceptionMessageFallback(t *testing.T) {
	c := New()
	ctx := c.ClassifyException("RuntimeError", "captcha detected on page")
	require.Equal(t, KindCaptchaDetected, ctx.Kind)
	require.InDelta(t, 0.7, ctx.Confidence, 0.001)
}

func TestClassifyExceptionUnknownFallsBackToNetworkError(t *testing.T) {
	c := New()
	ctx := c.ClassifyException("WeirdError", "something unexpected")
	require.Equal(t, KindNetworkError, ctx.Kind)
	require.InDelta(t, 0.3, ctx.Confidence, 0.001)
}

func TestClassifyPageSelectorBeatsTextBeatsStatus(t *testing.T) {
	c := New()
	ctx := c.ClassifyPage([]string{"#no-results"}, "access denied", 403)
	require.Equal(t, KindNoResults, ctx.Kind)
}

func TestClassifyPageStatusMapping(t *testing.T) {
	c := New()
	require.Equal(t, KindPageNotFound, c.ClassifyPage(nil, "", 404).Kind)
	require.Equal(t, KindAccessDenied, c.ClassifyPage(nil, "", 403).Kind)
	require.Equal(t, KindRateLimited, c.ClassifyPage(nil, "", 429).Kind)
	require.Equal(t, KindNetworkError, c.ClassifyPage(nil, "", 503).Kind)
}

func TestClassifyPageNoSignalFallsBackToNetworkError(t *testing.T) {
	c := New()
	ctx := c.ClassifyPage(nil, "completely unremarkable content", 200)
	require.Equal(t, KindNetworkError, ctx.Kind)
	require.InDelta(t, 0.3, ctx.Confidence, 0.001)
}

func TestKindRetryability(t *testing.T) {
	require.False(t, KindNoResults.Retryable())
	require.False(t, KindPageNotFound.Retryable())
	require.False(t, KindLoginFailed.Retryable())
	require.True(t, KindRateLimited.Retryable())
	require.True(t, KindTimeout.Retryable())
}

func TestMatchNoResultsText(t *testing.T) {
	matched := MatchNoResultsText([]string{"No products found", "out of stock"}, "Sorry, No Products Found for this search.")
	require.Equal(t, []string{"No products found"}, matched)
}
