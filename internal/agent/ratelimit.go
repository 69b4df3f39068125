package agent

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThrottleConfig is a token bucket: Rate tokens per second refill, Burst
// bucket capacity.
type ThrottleConfig struct {
	Rate  float64
	Burst float64
}

// Throttle rate-limits the local API through Redis so several agent
// instances behind one account share a single budget. Reads (state polls)
// and writes (start, cancel, confirm) have separate buckets because UIs
// poll state far more often than they mutate it.
type Throttle struct {
	client redis.Cmdable
	read   ThrottleConfig
	write  ThrottleConfig
	script *redis.Script
}

// NewThrottle builds a Throttle. A nil client yields a nil Throttle, whose
// Middleware is a pass-through.
func NewThrottle(client redis.Cmdable, read, write ThrottleConfig) *Throttle {
	if client == nil {
		return nil
	}
	return &Throttle{client: client, read: read, write: write, script: redis.NewScript(bucketLua)}
}

// Middleware enforces the per-caller budget. Redis failures fail open: a
// broken limiter must not take the search surface down with it.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	if t == nil || (t.read.Rate <= 0 && t.write.Rate <= 0) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, scope := t.write, "write"
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			cfg, scope = t.read, "read"
		}
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := t.take(r, scope, cfg)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(wait)))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take runs the bucket script and returns how long the caller must wait, or
// zero when the request is admitted.
func (t *Throttle) take(r *http.Request, scope string, cfg ThrottleConfig) (time.Duration, error) {
	key := "matchclient:throttle:" + scope + ":" + callerKey(r)
	result, err := t.script.Run(r.Context(), t.client, []string{key},
		time.Now().UnixMilli(), cfg.Rate, cfg.Burst).Result()
	if err != nil {
		return 0, err
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, errors.New("unexpected script reply")
	}
	allowed, err := replyInt(values[0])
	if err != nil {
		return 0, err
	}
	if allowed == 1 {
		return 0, nil
	}
	waitMS, err := replyInt(values[1])
	if err != nil {
		return 0, err
	}
	return time.Duration(waitMS) * time.Millisecond, nil
}

func callerKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func replyInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unexpected reply type")
	}
}

// bucketLua refills a token bucket keyed per caller and scope, admitting one
// token per call. Reply is {allowed, wait_ms}.
const bucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'stamp')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then
  tokens = capacity
end
if stamp == nil then
  stamp = now_ms
end

local elapsed = now_ms - stamp
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate / 1000)
  stamp = now_ms
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HMSET', key, 'tokens', tokens, 'stamp', stamp)
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000))

return {allowed, wait_ms}
`
