package opticache

import (
	"net/http"
	"regexp"
	"strings"
)

// TrafficClass selects the caching strategy for a request.
type TrafficClass int

const (
	ClassOther TrafficClass = iota
	ClassStatic
	ClassNavigation
)

func (c TrafficClass) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassNavigation:
		return "navigation"
	default:
		return "other"
	}
}

// DefaultStaticPatterns matches stylesheets, scripts, fonts, images and the
// site generator's build output directory.
func DefaultStaticPatterns() []string {
	return []string{
		`\.css$`,
		`\.js$`,
		`\.woff2?$`,
		`\.ttf$`,
		`\.eot$`,
		`\.ico$`,
		`\.png$`,
		`\.jpg$`,
		`\.jpeg$`,
		`\.gif$`,
		`\.svg$`,
		`\.webp$`,
		`/build/`,
	}
}

// Classifier is safe for concurrent use; it holds no mutable state.
type Classifier struct {
	static []*regexp.Regexp
}

func NewClassifier(static []*regexp.Regexp) *Classifier {
	return &Classifier{static: static}
}

// Classify never fails: anything it cannot make sense of is ClassOther.
func (c *Classifier) Classify(r *http.Request) TrafficClass {
	if r == nil || r.URL == nil {
		return ClassOther
	}
	for _, re := range c.static {
		if re.MatchString(r.URL.Path) {
			return ClassStatic
		}
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	return ClassOther
}

func isNavigation(r *http.Request) bool {
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")), "navigate") {
		return true
	}
	if r.Method != http.MethodGet && r.Method != "" {
		return false
	}
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/html") {
			return true
		}
	}
	return false
}
