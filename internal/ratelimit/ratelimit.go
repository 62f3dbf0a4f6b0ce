package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Block reasons recorded with an address block.
const (
	ReasonConnAbuse = "connection_abuse"
	ReasonMsgFlood  = "message_flood"
)

// Policy holds the per-address limits. Zero values fall back to the
// defaults below via Normalize.
type Policy struct {
	MaxConnAttempts    int
	ConnAttemptWindow  time.Duration
	MaxConcurrentConns int
	MaxMessages        int
	MessageWindow      time.Duration
	ConnBlockDuration  time.Duration
	MsgBlockDuration   time.Duration
	CleanupInterval    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxConnAttempts:    15,
		ConnAttemptWindow:  5 * time.Minute,
		MaxConcurrentConns: 3,
		MaxMessages:        50,
		MessageWindow:      60 * time.Second,
		ConnBlockDuration:  10 * time.Minute,
		MsgBlockDuration:   2 * time.Minute,
		CleanupInterval:    2 * time.Minute,
	}
}

func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxConnAttempts <= 0 {
		p.MaxConnAttempts = def.MaxConnAttempts
	}
	if p.ConnAttemptWindow <= 0 {
		p.ConnAttemptWindow = def.ConnAttemptWindow
	}
	if p.MaxConcurrentConns <= 0 {
		p.MaxConcurrentConns = def.MaxConcurrentConns
	}
	if p.MaxMessages <= 0 {
		p.MaxMessages = def.MaxMessages
	}
	if p.MessageWindow <= 0 {
		p.MessageWindow = def.MessageWindow
	}
	if p.ConnBlockDuration <= 0 {
		p.ConnBlockDuration = def.ConnBlockDuration
	}
	if p.MsgBlockDuration <= 0 {
		p.MsgBlockDuration = def.MsgBlockDuration
	}
	if p.CleanupInterval <= 0 {
		p.CleanupInterval = def.CleanupInterval
	}
	return p
}

// Decision is the outcome of a window check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// ConcurrentDecision is the outcome of a concurrent-connection check.
type ConcurrentDecision struct {
	Allowed bool
	Current int
	Max     int
}

// record tracks one originating address. Created lazily, evicted by the
// cleanup loop once stale for longer than twice the largest window.
type record struct {
	msgCount        int
	msgWindowStart  time.Time
	connCount       int
	connWindowStart time.Time
	concurrent      int

	blockedAt   time.Time
	blockFor    time.Duration
	blockReason string

	lastSeen time.Time
}

func (r *record) blocked(now time.Time) bool {
	if r.blockFor == 0 {
		return false
	}
	if now.Sub(r.blockedAt) > r.blockFor {
		// Expired blocks clear themselves, no explicit unblock needed.
		r.blockFor = 0
		r.blockReason = ""
		return false
	}
	return true
}

// Limiter issues allow/deny decisions per originating network address:
// sliding windows for connection attempts and message rate, a concurrent
// connection cap, and temporary blocks. A window resets wholesale once its
// duration has elapsed.
type Limiter struct {
	policy Policy

	mu      sync.Mutex
	records map[string]*record

	// Optional Redis mirror so blocks apply across relay instances.
	shared *SharedBlocklist

	now func() time.Time
}

func NewLimiter(policy Policy) *Limiter {
	return &Limiter{
		policy:  policy.Normalize(),
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// WithSharedBlocklist attaches a Redis-backed blocklist mirror.
func (l *Limiter) WithSharedBlocklist(b *SharedBlocklist) *Limiter {
	l.shared = b
	return l
}

func (l *Limiter) record(addr string, now time.Time) *record {
	r, ok := l.records[addr]
	if !ok {
		r = &record{}
		l.records[addr] = r
	}
	r.lastSeen = now
	return r
}

// checkWindow applies the sliding-window rule: reset the counter to 1 once
// the window has elapsed, otherwise increment and compare against max.
func checkWindow(count *int, start *time.Time, now time.Time, max int, window time.Duration) (bool, int) {
	if now.Sub(*start) >= window {
		*count = 1
		*start = now
	} else {
		*count++
	}
	remaining := max - *count
	if remaining < 0 {
		remaining = 0
	}
	return *count <= max, remaining
}

// CheckConnectionAttempt counts one admission attempt. Exceeding the window
// blocks the address for the (longer) connection-abuse duration.
func (l *Limiter) CheckConnectionAttempt(addr string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.record(addr, now)
	if r.blocked(now) {
		return Decision{RetryAfter: r.blockFor - now.Sub(r.blockedAt)}
	}

	allowed, remaining := checkWindow(&r.connCount, &r.connWindowStart, now,
		l.policy.MaxConnAttempts, l.policy.ConnAttemptWindow)
	if !allowed {
		l.blockLocked(r, addr, ReasonConnAbuse, l.policy.ConnBlockDuration, now)
		return Decision{RetryAfter: l.policy.ConnBlockDuration}
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// CheckConcurrentConnections reserves a connection slot for addr. The caller
// must pair a successful check with ReleaseConnection when the socket closes.
func (l *Limiter) CheckConcurrentConnections(addr string) ConcurrentDecision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.record(addr, now)
	if r.concurrent >= l.policy.MaxConcurrentConns {
		return ConcurrentDecision{Current: r.concurrent, Max: l.policy.MaxConcurrentConns}
	}
	r.concurrent++
	return ConcurrentDecision{Allowed: true, Current: r.concurrent, Max: l.policy.MaxConcurrentConns}
}

// ReleaseConnection frees a slot taken by CheckConcurrentConnections.
func (l *Limiter) ReleaseConnection(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.records[addr]; ok && r.concurrent > 0 {
		r.concurrent--
	}
}

// CheckMessageRate counts one inbound message. Exceeding the window blocks
// the address for the (shorter) flood duration.
func (l *Limiter) CheckMessageRate(addr string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.record(addr, now)
	if r.blocked(now) {
		return Decision{RetryAfter: r.blockFor - now.Sub(r.blockedAt)}
	}

	allowed, remaining := checkWindow(&r.msgCount, &r.msgWindowStart, now,
		l.policy.MaxMessages, l.policy.MessageWindow)
	if !allowed {
		l.blockLocked(r, addr, ReasonMsgFlood, l.policy.MsgBlockDuration, now)
		return Decision{RetryAfter: l.policy.MsgBlockDuration}
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// IsBlocked reports whether addr is currently blocked, locally or via the
// shared blocklist.
func (l *Limiter) IsBlocked(addr string) bool {
	now := l.now()
	l.mu.Lock()
	r, ok := l.records[addr]
	blocked := ok && r.blocked(now)
	l.mu.Unlock()

	if blocked {
		return true
	}
	if l.shared != nil {
		shared, _ := l.shared.IsBlocked(context.Background(), addr)
		return shared
	}
	return false
}

// Block places a temporary block on addr. The block expires on its own.
func (l *Limiter) Block(addr, reason string, duration time.Duration) {
	now := l.now()
	l.mu.Lock()
	r := l.record(addr, now)
	l.blockLocked(r, addr, reason, duration, now)
	l.mu.Unlock()
}

func (l *Limiter) blockLocked(r *record, addr, reason string, duration time.Duration, now time.Time) {
	r.blockedAt = now
	r.blockFor = duration
	r.blockReason = reason
	zap.L().Warn("ratelimit.block",
		zap.String("addr", addr),
		zap.String("reason", reason),
		zap.Duration("duration", duration),
	)
	if l.shared != nil {
		if err := l.shared.Block(context.Background(), addr, reason, duration); err != nil {
			zap.L().Warn("ratelimit.shared_block", zap.Error(err))
		}
	}
}

// RecordCount reports the number of tracked addresses.
func (l *Limiter) RecordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Run starts the periodic cleanup loop. It returns immediately; the loop
// stops when ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	tk := time.NewTicker(l.policy.CleanupInterval)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				l.cleanup()
			}
		}
	}()
}

// cleanup drops expired blocks and evicts records untouched for longer than
// twice the largest window, bounding memory to active addresses.
func (l *Limiter) cleanup() {
	now := l.now()
	staleAfter := 2 * l.policy.ConnAttemptWindow
	if w := 2 * l.policy.MessageWindow; w > staleAfter {
		staleAfter = w
	}

	l.mu.Lock()
	evicted := 0
	for addr, r := range l.records {
		r.blocked(now) // clears an expired block as a side effect
		if r.concurrent == 0 && r.blockFor == 0 && now.Sub(r.lastSeen) > staleAfter {
			delete(l.records, addr)
			evicted++
		}
	}
	remaining := len(l.records)
	l.mu.Unlock()

	if evicted > 0 {
		zap.L().Debug("ratelimit.cleanup",
			zap.Int("evicted", evicted),
			zap.Int("remaining", remaining),
		)
	}
}
