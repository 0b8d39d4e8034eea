package domain

import (
	"net/url"
	"strings"
)

// redactURL strips userinfo, query, and fragment from a URL string for safe
// logging. Malformed URLs are returned with everything after the first '?'
// or '#' truncated as a best effort.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// TruncateError caps an error string at n runes, appending an ellipsis
// marker when truncated. Used for last_error columns and event messages.
func TruncateError(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...(truncated)"
}
