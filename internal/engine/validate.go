package engine

import (
	"regexp"
	"strings"
)

// urlPattern accepts http, https, ftp and ftps URLs whose host is a domain
// name, localhost or a dotted quad, with optional port and path.
var urlPattern = regexp.MustCompile(`(?i)^(?:http|ftp)s?://` +
	`(?:[^\s/@]+@)?` +
	`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+(?:[A-Z]{2,6}\.?|[A-Z0-9-]{2,}\.?)|` +
	`localhost|` +
	`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
	`(?::\d+)?` +
	`(?:/?|[/?]\S+)$`)

func ValidateURL(rawURL string) error {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return &InvalidURLError{URL: rawURL, Reason: "empty"}
	}
	if !urlPattern.MatchString(u) {
		return &InvalidURLError{URL: rawURL, Reason: "want an http, https, ftp or ftps URL with a host"}
	}
	return nil
}
