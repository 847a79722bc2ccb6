package server

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// TokenPair is the value stored against a one-time authorization code.
type TokenPair struct {
	AccessToken string
	IDToken     string
}

type codeEntry struct {
	tokens    TokenPair
	expiresAt time.Time
	timer     *time.Timer
}

// CodeCache maps one-time authorization codes to token pairs. Entries are
// removed on first read or after the TTL, whichever comes first; a second
// Take with the same code always misses. Deletion is idempotent so the expiry
// timer and explicit consumption cannot race into a double-free or a
// resurrected entry.
//
// The cache is a single-process, in-memory store with no persistence. It is
// not suitable for multi-instance deployment.
type CodeCache struct {
	mu      sync.Mutex
	entries map[string]codeEntry
	ttl     time.Duration
}

// NewCodeCache constructs a cache whose entries expire after ttl.
func NewCodeCache(ttl time.Duration) *CodeCache {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeCache{
		entries: make(map[string]codeEntry),
		ttl:     ttl,
	}
}

// Put inserts the token pair under code and schedules its deletion after the
// TTL. Re-inserting an existing code replaces the entry and its timer.
func (c *CodeCache) Put(code string, tokens TokenPair) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[code]; ok {
		prev.timer.Stop()
	}
	c.entries[code] = codeEntry{
		tokens:    tokens,
		expiresAt: time.Now().Add(c.ttl),
		timer:     time.AfterFunc(c.ttl, func() { c.evict(code) }),
	}
}

// Take retrieves and removes the entry for code in one step. The entry is
// gone whether or not this call hits, and a lazy expiry check covers the
// window between the deadline passing and the timer firing.
func (c *CodeCache) Take(code string) (TokenPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[code]
	if !ok {
		return TokenPair{}, false
	}
	entry.timer.Stop()
	delete(c.entries, code)

	if time.Now().After(entry.expiresAt) {
		return TokenPair{}, false
	}
	return entry.tokens, true
}

// Len reports the number of live entries.
func (c *CodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CodeCache) evict(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
}

// NewAuthCode generates an opaque high-entropy authorization code: 32 random
// bytes, base64url encoded.
func NewAuthCode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// no safe fallback for a one-time credential
		panic("server: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
