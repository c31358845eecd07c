package identity

import (
	"net/http"
	"strings"
)

// AllowedHeaders is the whitelist of client headers forwarded to the
// streaming vendor.
var AllowedHeaders = map[string]bool{
	"accept":            true,
	"content-type":      true,
	"user-agent":        true,
	"anthropic-version": true,
	"anthropic-beta":    true,
	"x-api-key":         true,
	"authorization":     true,
	"x-app":             true,
}

// StainlessPrefix identifies x-stainless-* headers.
const StainlessPrefix = "x-stainless-"

// StrippedHeaders are explicitly removed even if somehow present.
var StrippedHeaders = []string{
	"x-real-ip", "x-forwarded-for", "x-forwarded-proto", "x-forwarded-host",
	"cf-ray", "cf-connecting-ip", "cf-ipcountry", "cf-visitor",
	"x-vercel-id", "x-vercel-deployment-url",
}

// FilterHeaders builds a clean header set with only allowed headers.
// Stainless headers are handled separately (via fingerprint binding).
func FilterHeaders(original http.Header) http.Header {
	clean := make(http.Header)

	for key, vals := range original {
		lower := strings.ToLower(key)

		// Allow whitelisted headers
		if AllowedHeaders[lower] {
			for _, v := range vals {
				clean.Add(key, v)
			}
			continue
		}

		// Allow x-stainless-* (will be overwritten by fingerprint binding)
		if strings.HasPrefix(lower, StainlessPrefix) {
			for _, v := range vals {
				clean.Add(key, v)
			}
			continue
		}
	}

	return clean
}

// SetVendorHeaders stamps the headers the streaming vendor requires on
// every generateAssistantResponse call: the bearer token (signature suffix
// preserved byte-for-byte), the SDK user-agent pair, the codewhisperer
// opt-out, the agent-mode tag, and the per-request SDK invocation id.
func SetVendorHeaders(h http.Header, accessToken, invocationID string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", KiroUserAgent())
	h.Set("x-amz-user-agent", KiroAmzUserAgent())
	h.Set("x-amzn-codewhisperer-optout", "true")
	h.Set("x-amzn-kiro-agent-mode", "intent-classification")
	h.Set("amz-sdk-invocation-id", invocationID)
	h.Set("amz-sdk-request", "attempt=1; max=3")
}
