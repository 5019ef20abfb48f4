package fixed_window_limiter

import (
	"net/http"
	"path"
	"strings"
	"time"
)

// Route selects requests by method and path pattern.
//
// An empty Method matches every method. Pattern is either an exact path, a
// path.Match glob, or a prefix ending in "/**" which matches the prefix and
// everything below it.
type Route struct {
	Method  string
	Pattern string
}

func (rt Route) matches(r *http.Request) bool {
	if rt.Method != "" && !strings.EqualFold(rt.Method, r.Method) {
		return false
	}

	p := r.URL.Path
	switch {
	case rt.Pattern == "" || rt.Pattern == "/**":
		return true
	case strings.HasSuffix(rt.Pattern, "/**"):
		prefix := strings.TrimSuffix(rt.Pattern, "/**")
		return p == prefix || strings.HasPrefix(p, prefix+"/")
	default:
		ok, err := path.Match(rt.Pattern, p)
		return err == nil && ok
	}
}

// Rule binds a limit to the requests matched by its routes.
type Rule struct {
	// Name namespaces the keys of this rule so two rules never share a counter.
	Name      string
	Routes    []Route
	Extractor Extractor

	Window        time.Duration
	Limit         int64
	BlockDuration time.Duration
}

// Matches reports whether the rule applies to r. A rule without routes applies to every request.
func (rl *Rule) Matches(r *http.Request) bool {
	if len(rl.Routes) == 0 {
		return true
	}
	for _, rt := range rl.Routes {
		if rt.matches(r) {
			return true
		}
	}
	return false
}

// Policy builds the policy enforced for the extracted key.
func (rl *Rule) Policy(key string) *RatePolicy {
	return &RatePolicy{
		Key:           rl.Name + ":" + key,
		Window:        rl.Window,
		Limit:         rl.Limit,
		BlockDuration: rl.BlockDuration,
	}
}
