package server

import (
	"context"
	"net/http"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/ratelimit"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo carries normalized rate limit counts from the routing
// decision to the response headers. The middleware seeds an empty holder
// into the context; the handler fills it once the decision is known, before
// writing any part of the response.
type RateLimitInfo struct {
	set               bool
	requestsLimit     int
	requestsRemaining int
	tokensLimit       int
	tokensRemaining   int
}

// SetRateLimits records the tenant budgets and the decision's remaining
// counts for the header writer. No-op when the middleware isn't mounted.
func SetRateLimits(ctx context.Context, tenant *domain.Tenant, d ratelimit.Decision) {
	rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo)
	if !ok {
		return
	}
	rl.set = true
	rl.requestsLimit = tenant.RPMLimit
	rl.requestsRemaining = d.RemainingRequests
	rl.tokensLimit = tenant.TPMLimit
	rl.tokensRemaining = d.RemainingTokens
}

// RateLimitHeaderMiddleware writes normalized x-ratelimit-* headers on
// responses whose handler recorded a routing decision via SetRateLimits.
func RateLimitHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := &RateLimitInfo{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, rl)
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, info: rl}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers
// ahead of the first response byte.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	info         *RateLimitInfo
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	rl := rw.info
	if !rl.set {
		return
	}

	h := rw.Header()

	// Standard format: x-ratelimit-{limit|remaining}-{requests|tokens}.
	// An unset budget (remaining -1) gets no headers; 0 remaining is a
	// valid value and is written.
	if rl.requestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", itoa(rl.requestsLimit))
		if rl.requestsRemaining >= 0 {
			h.Set("x-ratelimit-remaining-requests", itoa(rl.requestsRemaining))
		}
	}
	if rl.tokensLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", itoa(rl.tokensLimit))
		if rl.tokensRemaining >= 0 {
			h.Set("x-ratelimit-remaining-tokens", itoa(rl.tokensRemaining))
		}
	}
}

// itoa converts int to string without importing strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}

	negative := i < 0
	if negative {
		i = -i
	}

	var buf [20]byte
	pos := len(buf)

	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}

	if negative {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
