package logutil

import (
	"net/url"
	"regexp"
	"strings"
)

// iamKeyFields are field names whose values are treated as IAM API keys
// and fully redacted regardless of content.
var iamKeyFields = map[string]bool{
	"iamapikey":  true,
	"iam_api_key": true,
	"apikey":     true,
}

func redactValue(key, val string) string {
	lower := strings.ToLower(key)
	if iamKeyFields[lower] {
		return "***"
	}
	if strings.Contains(lower, "url") || strings.Contains(lower, "dburl") {
		return StripCredentials(val)
	}
	return val
}

// StripCredentials removes userinfo (username/password) from a URL string,
// leaving the host and path intact. Non-URL input is returned unchanged.
func StripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

var bearerTokenRegex = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._-]+`)

// RedactBearerTokens masks any "Bearer <token>" substrings in a string,
// used when logging raw request/response diagnostics.
func RedactBearerTokens(s string) string {
	return bearerTokenRegex.ReplaceAllString(s, "${1}***")
}
