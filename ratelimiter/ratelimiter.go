// Package ratelimiter implements the dual byte/ops token-bucket limiter
// virtio devices consult before pulling the next descriptor chain off a
// queue. Bucket accounting is delegated to github.com/juju/ratelimit; the
// timerfd wiring that lets a parked queue resume on the next refill is
// this package's own addition.
package ratelimiter

import (
	"time"

	"github.com/juju/ratelimit"
	"golang.org/x/sys/unix"

	"novmm/errs"
)

// BucketConfig describes one token bucket: a total capacity, an optional
// burst allowance, and the refill interval over which `RefillTokens` tokens
// are added back. OneTimeBurst is added to Capacity when the bucket is
// built, so the bucket starts with and refills up to Capacity+OneTimeBurst
// tokens; the burst is not limited to a single use. A zero Capacity means
// the bucket is disabled and always reports tokens available.
type BucketConfig struct {
	Capacity     int64
	OneTimeBurst int64
	RefillTokens int64
	RefillPeriod time.Duration
}

func (c BucketConfig) enabled() bool { return c.Capacity > 0 }

// RateLimiter holds two independent token buckets (bytes, ops) plus the
// timerfd a caller can hand to the event loop to be woken when tokens are
// next expected to be available.
type RateLimiter struct {
	bytes *ratelimit.Bucket
	ops   *ratelimit.Bucket

	bytesEnabled bool
	opsEnabled   bool

	timerFD int
	armed   bool
}

// New constructs a limiter from its byte and ops bucket configs. Either
// config may be the zero value to disable that dimension entirely.
func New(bytesCfg, opsCfg BucketConfig) (*RateLimiter, error) {
	rl := &RateLimiter{timerFD: -1}
	if bytesCfg.enabled() {
		rl.bytes = newBucket(bytesCfg)
		rl.bytesEnabled = true
	}
	if opsCfg.enabled() {
		rl.ops = newBucket(opsCfg)
		rl.opsEnabled = true
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, &errs.BackendError{Backend: "ratelimiter", Op: "timerfd_create", Err: err}
	}
	rl.timerFD = fd
	return rl, nil
}

func newBucket(cfg BucketConfig) *ratelimit.Bucket {
	capacity := cfg.Capacity + cfg.OneTimeBurst
	if cfg.RefillTokens <= 0 || cfg.RefillPeriod <= 0 {
		// No steady-state refill: a pure one-time-burst bucket. ratelimit
		// requires a positive fill interval, so use one far longer than
		// any realistic run instead of a real refill rate.
		return ratelimit.NewBucketWithQuantum(24*365*time.Hour, capacity, 1)
	}
	return ratelimit.NewBucketWithQuantum(cfg.RefillPeriod, capacity, cfg.RefillTokens)
}

// TimerFD returns the descriptor the event loop polls for readability to
// learn that parked consumers should be retried.
func (r *RateLimiter) TimerFD() int { return r.timerFD }

// Consume attempts to take n bytes and one op from the enabled buckets. It
// succeeds only if every enabled bucket holds enough tokens; on partial
// unavailability no tokens are taken from either bucket and the caller
// should park the queue and wait for the timerfd.
func (r *RateLimiter) Consume(nBytes int64) bool {
	if r.bytesEnabled && r.bytes.Available() < nBytes {
		r.arm()
		return false
	}
	if r.opsEnabled && r.ops.Available() < 1 {
		r.arm()
		return false
	}
	if r.bytesEnabled {
		r.bytes.Take(nBytes)
	}
	if r.opsEnabled {
		r.ops.Take(1)
	}
	return true
}

// arm schedules a one-shot timerfd fire a short interval out, so a parked
// consumer is retried rather than stalling forever if tokens trickle in
// between event-loop iterations. Calling arm while the timer is already
// armed does nothing: the pending fire keeps its original time.
func (r *RateLimiter) arm() {
	if r.armed {
		return
	}
	r.armed = true
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec((10 * time.Millisecond).Nanoseconds()),
	}
	_ = unix.TimerfdSettime(r.timerFD, 0, &spec, nil)
}

// OnTimerFired is called by the event loop when the timerfd becomes
// readable; it drains the expiration counter and clears the armed flag so
// a future short-on-tokens Consume can re-arm.
func (r *RateLimiter) OnTimerFired() {
	var buf [8]byte
	_, _ = unix.Read(r.timerFD, buf[:])
	r.armed = false
}

// Close releases the timerfd.
func (r *RateLimiter) Close() error {
	if r.timerFD < 0 {
		return nil
	}
	fd := r.timerFD
	r.timerFD = -1
	return unix.Close(fd)
}
