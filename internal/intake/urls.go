// Package intake runs background pollers that turn non-chat sources into
// host actions: mail messages become bookmark relay calls.
package intake

import (
	"regexp"
	"strings"
)

// minURLLength filters out shorteners and junk fragments.
const minURLLength = 15

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// urlBlacklist drops meeting links and tracker domains that are never
// worth bookmarking.
var urlBlacklist = []string{
	"teams.microsoft.com",
	"zoom.us",
	"meet.google.com",
	"webex.com",
	"doubleclick.net",
	"list-manage.com",
	"mailchi.mp",
	"sendgrid.net",
	"click.mailer",
	"utm.io",
	"unsubscribe",
}

// ExtractURLs pulls bookmarkable URLs out of free text: plain http(s)
// links at least minURLLength long, minus the blacklist, deduplicated in
// first-seen order.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		u := strings.TrimRight(m, ".,;:!?")
		if len(u) < minURLLength {
			continue
		}
		if blacklisted(u) {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func blacklisted(u string) bool {
	lower := strings.ToLower(u)
	for _, b := range urlBlacklist {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}
