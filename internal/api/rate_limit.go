package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// withRateLimit charges one token per single-image request. Batch routes are
// charged per file by their handlers once the upload is parsed.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}
		if s.allow(w, r, 1) {
			next.ServeHTTP(w, r)
		}
	})
}

// allow takes cost tokens for the caller and writes the 429 answer when the
// bucket is empty. Limiter failures let the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := callerID(r, s.rateLimitUserIDHeader) + ":" + routeLabel(r.URL.Path)

	decision, err := s.rateLimiter.AllowN(r.Context(), subject, max(cost, 1))
	if err != nil {
		s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimited.WithLabelValues(routeLabel(r.URL.Path)).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// callerID names the bucket owner: the user id header when present, the
// client address otherwise.
func callerID(r *http.Request, header string) string {
	if user := strings.TrimSpace(r.Header.Get(header)); user != "" {
		return "user:" + user
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return "ip:" + host
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/tools/") || r.URL.Path == "/v1/feedback"
}
