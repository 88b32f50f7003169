package processor

import "time"

// RateLimiter decides which processed frames are handed to the streamer.
//
// With a frequency N > 0 every Nth frame is sent; otherwise a frame is sent
// when at least Timer has passed since the last one. Prime makes the next
// frame eligible in both modes, so the first frame of a measurement is
// always sent.
type RateLimiter struct {
	Frequency uint32
	Timer     time.Duration

	count uint32
	last  time.Time
	now   func() time.Time
}

// NewRateLimiter returns a primed limiter.
func NewRateLimiter(frequency uint32, timer time.Duration) *RateLimiter {
	r := &RateLimiter{Frequency: frequency, Timer: timer, now: time.Now}
	r.Prime()
	return r
}

// Prime makes the next call to Send return true.
func (r *RateLimiter) Prime() {
	r.count = r.Frequency
	r.last = time.Time{}
}

// Send reports whether the current frame should be streamed.
func (r *RateLimiter) Send() bool {
	if r.Frequency > 0 {
		if r.count == r.Frequency {
			r.count = 1
			return true
		}
		r.count++
		return false
	}
	now := r.now()
	if r.last.IsZero() || now.Sub(r.last) >= r.Timer {
		r.last = now
		return true
	}
	return false
}
