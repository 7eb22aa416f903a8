package chat

import (
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
)

type rateEvent struct {
	at  time.Time
	typ string
}

// RateLimiter is a per-connection sliding-window limiter. Message posts
// (messages:new) draw from a tighter sub-budget than control traffic, so a
// client flooding the room cannot also exhaust its ability to join, leave,
// or page history.
type RateLimiter struct {
	mu       sync.Mutex
	events   []rateEvent
	limit    int
	msgLimit int
	window   time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are
// invalid. The message budget is half the overall limit, never below one.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	msgLimit := limit / 2
	if msgLimit < 1 {
		msgLimit = 1
	}
	return &RateLimiter{
		events:   make([]rateEvent, 0, limit+8),
		limit:    limit,
		msgLimit: msgLimit,
		window:   window,
	}
}

// Allow reports whether an event of the given wire type at time "now" should
// be permitted.
func (r *RateLimiter) Allow(typ string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	msgs := 0
	for _, e := range r.events {
		if e.at.After(cut) {
			dst = append(dst, e)
			if e.typ == v1.TypeMessagesNew {
				msgs++
			}
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	if typ == v1.TypeMessagesNew && msgs >= r.msgLimit {
		return false
	}
	r.events = append(r.events, rateEvent{at: now, typ: typ})
	return true
}
