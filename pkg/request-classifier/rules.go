package classifier

import (
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// Category decides which strategy serves a request.
type Category string

const (
	Static Category = "static"
	API    Category = "api"
	HTML   Category = "html"
	Other  Category = "other"
)

// Rules is an ordered list of rules, the first matching rule wins.
type Rules []Rule

type Rule struct {
	// Name is used for logging only.
	Name     string
	Category Category
	Match    func(*http.Request) bool
}

// Patterns holds the request patterns the default rules are built from.
type Patterns struct {
	StaticPrefixes   []string `yaml:"static_prefixes"`
	StaticExtensions []string `yaml:"static_extensions"`
	StaticHosts      []string `yaml:"static_hosts"`
	APIPrefixes      []string `yaml:"api_prefixes"`
}

func DefaultPatterns() Patterns {
	return Patterns{
		StaticPrefixes:   []string{"/static/"},
		StaticExtensions: []string{".css", ".js", ".json", ".png", ".jpg", ".jpeg", ".gif", ".svg"},
		StaticHosts:      []string{"cdn.jsdelivr.net"},
		APIPrefixes:      []string{"/api/"},
	}
}

// NewRules builds the rules in precedence order: static, api, html.
func NewRules(p Patterns) Rules {
	return Rules{
		{Name: "static-prefix", Category: Static, Match: PathPrefix(p.StaticPrefixes...)},
		{Name: "static-extension", Category: Static, Match: Extension(p.StaticExtensions...)},
		{Name: "static-host", Category: Static, Match: Host(p.StaticHosts...)},
		{Name: "api-prefix", Category: API, Match: PathPrefix(p.APIPrefixes...)},
		{Name: "accept-html", Category: HTML, Match: AcceptsHTML},
	}
}

// Classify returns the category of the first matching rule, or Other.
func (r Rules) Classify(req *http.Request) Category {
	if rule := r.find(req); rule != nil {
		return rule.Category
	}
	return Other
}

func (r Rules) find(req *http.Request) *Rule {
	for i := range r {
		rule := &r[i]
		if rule.Match != nil && rule.Match(req) {
			log.Trace().Str("rule", rule.Name).Str("path", req.URL.Path).Msg("Request matched rule")
			return rule
		}
	}
	return nil
}

func PathPrefix(prefixes ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
				return true
			}
		}
		return false
	}
}

// Extension matches the extension of the last path segment, case-insensitively.
func Extension(exts ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		ext := strings.ToLower(path.Ext(r.URL.Path))
		if ext == "" {
			return false
		}
		for _, e := range exts {
			if strings.ToLower(e) == ext {
				return true
			}
		}
		return false
	}
}

// Host matches absolute-form requests to one of the given hosts.
func Host(hosts ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !r.URL.IsAbs() {
			return false
		}
		for _, h := range hosts {
			if strings.EqualFold(r.URL.Hostname(), h) {
				return true
			}
		}
		return false
	}
}

// AcceptsHTML reports whether the Accept header includes text/html.
// A missing header does not.
func AcceptsHTML(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}
