package logger

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited forwards at most one warning per message per interval to the
// wrapped logger. Used for messages that repeat on every request while a
// condition lasts, like a full cache quota or an unreachable origin. Distinct
// messages are limited independently.
type RateLimited struct {
	log      Logger
	interval time.Duration

	mu    sync.Mutex
	byMsg map[string]*rate.Sometimes
}

func NewRateLimited(l Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: l, interval: interval, byMsg: map[string]*rate.Sometimes{}}
}

func (r *RateLimited) Warn(msg string, fields ...Field) {
	r.limiter(msg).Do(func() {
		r.log.Warn(msg, fields...)
	})
}

func (r *RateLimited) limiter(msg string) *rate.Sometimes {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byMsg[msg]
	if !ok {
		s = &rate.Sometimes{Interval: r.interval}
		r.byMsg[msg] = s
	}
	return s
}
