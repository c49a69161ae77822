package proctoring

import (
	"regexp"
	"strings"
)

// SearchFilter drops flag events that are search-engine queries rather than
// visits to a monitored site. The extension tags some of these itself with
// actionType "search"; the URL patterns catch the rest.
type SearchFilter struct {
	patterns []*regexp.Regexp
}

// DefaultSearchFilter covers the query URLs of the common engines.
func DefaultSearchFilter() *SearchFilter {
	return &SearchFilter{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)google\.[a-z.]+/search\b`),
			regexp.MustCompile(`(?i)bing\.com/search\b`),
			regexp.MustCompile(`(?i)duckduckgo\.com/\?`),
			regexp.MustCompile(`(?i)search\.yahoo\.com`),
			regexp.MustCompile(`(?i)[?&]q=`),
		},
	}
}

// Matches reports whether a submission is search-query traffic.
func (f *SearchFilter) Matches(actionType, url string) bool {
	if strings.EqualFold(actionType, "search") {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
