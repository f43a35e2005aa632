package agent

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/jellydator/ttlcache/v3"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"
)

const limiterTTL = 10 * time.Minute

// authorized requires the configured bearer token. Websocket clients that cannot set headers may pass it as ?token=.
func (a *Agent) authorized(op string, h httprouter.Handle) httprouter.Handle {
	if a.cfg.Auth.Token == "" {
		return h
	}
	want := []byte(a.cfg.Auth.Token)
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		got := bearerToken(r)
		if got == "" {
			a.writeError(w, op, hosterr.New(hosterr.Unauthorized, op, "missing bearer token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			a.writeError(w, op, hosterr.New(hosterr.Unauthorized, op, "invalid bearer token"))
			return
		}
		h(w, r, params)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

// rateLimiter keeps one token bucket per client IP. Idle buckets expire.
type rateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

func newRateLimiter(limit float64, burst int) *rateLimiter {
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go cache.Start()
	return &rateLimiter{limit: rate.Limit(limit), burst: burst, limiters: cache}
}

func (l *rateLimiter) get(ip string) *rate.Limiter {
	item := l.limiters.Get(ip)
	if item == nil {
		item = l.limiters.Set(ip, rate.NewLimiter(l.limit, l.burst), limiterTTL)
	}
	return item.Value()
}

func (l *rateLimiter) stop() { l.limiters.Stop() }

func (a *Agent) rateLimited(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := a.limiter.get(remoteIP(r))
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			a.logger.Warnw("rate limit exceeded", "Path", r.URL.Path, "RemoteAddr", r.RemoteAddr)
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			a.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Operation: "rate_limit",
				Error:     "rate_limited",
				Detail:    http.StatusText(http.StatusTooManyRequests),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
