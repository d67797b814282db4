// Package idgen provides the Clock & IdGen component (C1): monotonic time
// and lexicographically-sortable unique identifiers for dispatches and pool
// slots.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Clock abstracts wall-clock time so tests can control it. The zero value
// uses time.Now.
type Clock struct {
	mu  sync.Mutex
	now func() time.Time
}

// NewClock returns a Clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewFixedClock returns a Clock that always reports t, for deterministic
// tests of TTL and ordering logic.
func NewFixedClock(t time.Time) *Clock {
	return &Clock{now: func() time.Time { return t }}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// Advance sets the clock to its current reading plus d and holds it there.
// On a clock built by NewClock this replaces the live time source, so the
// clock stops following time.Now.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.now()
	c.now = func() time.Time { return cur.Add(d) }
}

var crockford32 = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// New generates a time-prefixed, lexicographically-sortable opaque
// identifier: a lower-case base32 encoding of the millisecond timestamp
// followed directly (no separator) by 80 random bits, also base32-encoded,
// with "prefix_" in front when prefix is non-empty. Two IDs generated in the
// same millisecond still sort by their random suffix, which is acceptable
// since dispatchId only needs to be globally unique and roughly
// time-ordered, not strictly monotonic (spec §3.1).
func New(clock *Clock, prefix string) (string, error) {
	ms := clock.Now().UnixMilli()
	if ms < 0 {
		ms = 0
	}
	var tsBuf [8]byte
	for i := 7; i >= 0; i-- {
		tsBuf[i] = byte(ms & 0xff)
		ms >>= 8
	}
	var randBuf [10]byte
	if _, err := rand.Read(randBuf[:]); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	ts := strings.ToLower(crockford32.EncodeToString(tsBuf[:]))
	rnd := strings.ToLower(crockford32.EncodeToString(randBuf[:]))
	if prefix == "" {
		return fmt.Sprintf("%s%s", ts, rnd), nil
	}
	return fmt.Sprintf("%s_%s%s", prefix, ts, rnd), nil
}

// MustNew is New but panics on entropy-source failure; only safe for
// call sites that cannot meaningfully recover from a broken CSPRNG.
func MustNew(clock *Clock, prefix string) string {
	id, err := New(clock, prefix)
	if err != nil {
		panic(err)
	}
	return id
}
