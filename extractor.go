package fixed_window_limiter

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	_ Extractor = &httpHeaderExtractor{}
	_ Extractor = &remoteAddrExtractor{}
	_ Extractor = ExtractorFunc(nil)
)

// ErrHeaderNotPresent matches every *HeaderNotPresentError.
var ErrHeaderNotPresent = errors.New("header not present")

// HeaderNotPresentError is returned when a header needed to build the key is missing or blank.
type HeaderNotPresentError struct {
	Header string
}

// Error names the missing header.
func (e *HeaderNotPresentError) Error() string {
	return fmt.Sprintf("header %v must have a value set", e.Header)
}

// Is reports whether target is ErrHeaderNotPresent.
func (e *HeaderNotPresentError) Is(target error) bool {
	return target == ErrHeaderNotPresent
}

// Extractor extracts a key from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(r *http.Request) (string, error)

// Extract calls f(r).
func (f ExtractorFunc) Extract(r *http.Request) (string, error) {
	return f(r)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// if we can't find a value for a header we should return an error
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", &HeaderNotPresentError{Header: key}
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHTTPHeaderExtractor creates an Extractor joining the given header values with "-".
func NewHTTPHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

type remoteAddrExtractor struct {
	trustForwarded bool
}

// NewRemoteAddrExtractor keys requests by client address. Forwarding headers are
// only honoured with trustForwarded, which must only be set behind a proxy that
// overwrites them.
func NewRemoteAddrExtractor(trustForwarded bool) Extractor {
	return &remoteAddrExtractor{trustForwarded: trustForwarded}
}

func (e *remoteAddrExtractor) Extract(r *http.Request) (string, error) {
	if e.trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first, nil
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP, nil
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return "", errors.New("request has no remote address")
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, nil
	}
	return host, nil
}
