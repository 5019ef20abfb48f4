package fixed_window_limiter

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPHeaderExtractor(t *testing.T) {
	extractor := NewHTTPHeaderExtractor("X-Client-ID", "X-Tenant")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Client-ID", " abc ")
	req.Header.Set("X-Tenant", "acme")

	key, err := extractor.Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "abc-acme", key)

	req.Header.Del("X-Tenant")
	_, err = extractor.Extract(req)

	var notPresent *HeaderNotPresentError
	require.True(t, errors.As(err, &notPresent))
	assert.Equal(t, "X-Tenant", notPresent.Header)
	assert.True(t, errors.Is(err, ErrHeaderNotPresent))
}

func TestRemoteAddrExtractor(t *testing.T) {
	tt := []struct {
		desc    string
		trust   bool
		remote  string
		headers map[string]string
		key     string
	}{
		{desc: "host of remote addr", remote: "192.0.2.1:1234", key: "192.0.2.1"},
		{desc: "remote addr without port", remote: "192.0.2.1", key: "192.0.2.1"},
		{desc: "forwarded ignored when untrusted", remote: "192.0.2.1:1234", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, key: "192.0.2.1"},
		{desc: "first forwarded hop", trust: true, remote: "192.0.2.1:1234", headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, key: "203.0.113.9"},
		{desc: "real ip fallback", trust: true, remote: "192.0.2.1:1234", headers: map[string]string{"X-Real-IP": "198.51.100.7"}, key: "198.51.100.7"},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = ts.remote
			for k, v := range ts.headers {
				req.Header.Set(k, v)
			}

			key, err := NewRemoteAddrExtractor(ts.trust).Extract(req)
			require.NoError(t, err)
			assert.Equal(t, ts.key, key)
		})
	}
}

func TestRule_Matches(t *testing.T) {
	tt := []struct {
		desc   string
		routes []Route
		method string
		path   string
		match  bool
	}{
		{desc: "no routes match everything", method: http.MethodDelete, path: "/x", match: true},
		{desc: "exact path", routes: []Route{{Pattern: "/login"}}, method: http.MethodPost, path: "/login", match: true},
		{desc: "exact path mismatch", routes: []Route{{Pattern: "/login"}}, method: http.MethodPost, path: "/logout"},
		{desc: "method mismatch", routes: []Route{{Method: "GET", Pattern: "/**"}}, method: http.MethodPost, path: "/a"},
		{desc: "method case insensitive", routes: []Route{{Method: "get", Pattern: "/**"}}, method: http.MethodGet, path: "/a", match: true},
		{desc: "double star prefix", routes: []Route{{Pattern: "/api/**"}}, method: http.MethodGet, path: "/api/v1/users", match: true},
		{desc: "double star prefix itself", routes: []Route{{Pattern: "/api/**"}}, method: http.MethodGet, path: "/api", match: true},
		{desc: "double star sibling", routes: []Route{{Pattern: "/api/**"}}, method: http.MethodGet, path: "/apix"},
		{desc: "glob", routes: []Route{{Pattern: "/users/*/orders"}}, method: http.MethodGet, path: "/users/42/orders", match: true},
		{desc: "any route", routes: []Route{{Pattern: "/a"}, {Pattern: "/b"}}, method: http.MethodGet, path: "/b", match: true},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			rule := &Rule{Routes: ts.routes}
			assert.Equal(t, ts.match, rule.Matches(httptest.NewRequest(ts.method, ts.path, nil)))
		})
	}
}

func TestRule_Policy(t *testing.T) {
	rule := &Rule{Name: "login", Window: time.Minute, Limit: 5, BlockDuration: time.Hour}

	assert.Equal(t, &RatePolicy{Key: "login:1.2.3.4", Window: time.Minute, Limit: 5, BlockDuration: time.Hour}, rule.Policy("1.2.3.4"))
}
