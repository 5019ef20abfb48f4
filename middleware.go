package fixed_window_limiter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
)

const (
	rateLimitingRemaining = "Rate-Limiting-Remaining"
	rateLimitingState     = "Rate-Limiting-State"
	rateLimitingExpiresAt = "Rate-Limiting-Expires-At"

	stateAllow = "Allow"
	stateDeny  = "Deny"
)

// DenialHandler writes the response for a request whose record is exceeded.
type DenialHandler func(w http.ResponseWriter, r *http.Request, record *RateRecord)

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	Limiter RateLimiter
	// Rules are evaluated in order; every matching rule consumes from its own counter.
	Rules []Rule
	// DenialHandler defaults to DefaultDenialHandler.
	DenialHandler DenialHandler
	// FailOpen forwards requests when the limiter fails. By default they are rejected.
	FailOpen bool
	Logger   *slog.Logger
	// Now is the clock Retry-After is computed against. Use the limiter's clock. Defaults to time.Now.
	Now func() time.Time
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  RateLimiterConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate limiting before forwarding the
// request to the API
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	cfg := *config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DenialHandler == nil {
		cfg.DenialHandler = NewDenialHandler(cfg.Now)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  cfg,
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tightest *RateRecord

	for i := range h.config.Rules {
		rule := &h.config.Rules[i]
		if !rule.Matches(r) {
			continue
		}

		extractor := rule.Extractor
		if extractor == nil {
			extractor = NewRemoteAddrExtractor(false)
		}

		key, err := extractor.Extract(r)
		if err != nil {
			h.writeResponse(w, http.StatusBadRequest, "failed to extract rate limiting key from request: %v", err)
			return
		}

		record, err := h.config.Limiter.Consume(r.Context(), rule.Policy(key))
		if err != nil {
			if h.failed(w, r, rule, err) {
				return
			}
			continue
		}

		if tightest == nil || record.Remaining < tightest.Remaining {
			tightest = record
		}

		// Too many requests
		if record.Exceeded() {
			setRateHeaders(w, record)
			h.config.DenialHandler(w, r, record)
			return
		}
	}

	if tightest != nil {
		setRateHeaders(w, tightest)
	}

	h.handler.ServeHTTP(w, r)
}

// failed handles a limiter error and reports whether the response was written.
func (h *httpRateLimiterHandler) failed(w http.ResponseWriter, r *http.Request, rule *Rule, err error) bool {
	logger := h.config.Logger.With(
		slog.String("rule", rule.Name),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)

	if errors.Is(err, ErrInvalidPolicy) {
		logger.Error("rate limit rule is misconfigured")
		h.writeResponse(w, http.StatusInternalServerError, "rate limiting is misconfigured")
		return true
	}

	if h.config.FailOpen {
		logger.Warn("rate limiter failed, letting request through")
		return false
	}

	logger.Error("rate limiter failed, rejecting request")
	h.writeResponse(w, http.StatusServiceUnavailable, "rate limiting is temporarily unavailable, try again later")
	return true
}

func setRateHeaders(w http.ResponseWriter, record *RateRecord) {
	state := stateAllow
	remaining := record.Remaining
	if record.Exceeded() {
		state = stateDeny
		remaining = 0
	}

	w.Header().Set(rateLimitingRemaining, strconv.FormatInt(remaining, 10))
	w.Header().Set(rateLimitingState, state)
	w.Header().Set(rateLimitingExpiresAt, record.ExpiresAt.UTC().Format(time.RFC3339))
}

// DefaultDenialHandler answers 429 with a Retry-After header pointing at the record expiry.
func DefaultDenialHandler(w http.ResponseWriter, _ *http.Request, record *RateRecord) {
	deny(w, record, time.Now())
}

// NewDenialHandler is DefaultDenialHandler with Retry-After measured on the given clock.
func NewDenialHandler(now func() time.Time) DenialHandler {
	return func(w http.ResponseWriter, _ *http.Request, record *RateRecord) {
		deny(w, record, now())
	}
}

func deny(w http.ResponseWriter, record *RateRecord, now time.Time) {
	retryAfter := int64(math.Ceil(record.ExpiresAt.Sub(now).Seconds()))
	if retryAfter < 0 {
		retryAfter = 0
	}

	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte("you have sent too many requests to this service, slow down please"))
}

func (h *httpRateLimiterHandler) writeResponse(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		h.config.Logger.Warn("failed to write body to HTTP request", slog.Any("error", err))
	}
}
