package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket for log messages that could otherwise
// flood, such as per-packet decode failures.
type RateLimiter struct {
	lim *rate.Limiter

	mu         sync.Mutex
	suppressed int

	now func() time.Time
}

// NewRateLimiter allows perMinute messages on average with bursts of up
// to burst messages.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		now: time.Now,
	}
}

// Allow takes a token if one is available. The second result is the
// number of messages suppressed since the last allowed one.
func (r *RateLimiter) Allow() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lim.AllowN(r.now(), 1) {
		r.suppressed++
		return false, 0
	}
	n := r.suppressed
	r.suppressed = 0
	return true, n
}

func (r *RateLimiter) log(level slog.Level, msg string, args []any) {
	ok, n := r.Allow()
	if !ok {
		return
	}
	if n > 0 {
		args = append(args, "suppressed", n)
	}
	slog.Log(context.Background(), level, msg, args...)
}

// Warn logs at warning level when the limiter allows it.
func (r *RateLimiter) Warn(msg string, args ...any) { r.log(slog.LevelWarn, msg, args) }

// Error logs at error level when the limiter allows it.
func (r *RateLimiter) Error(msg string, args ...any) { r.log(slog.LevelError, msg, args) }

// Debug logs at debug level when the limiter allows it.
func (r *RateLimiter) Debug(msg string, args ...any) { r.log(slog.LevelDebug, msg, args) }
