// Package session manages the pool of reusable fetch contexts. Creating
// a context (a configured HTTP client or a headless browser) is
// expensive, so the pool shares them between requests whose fetch
// profiles hash to the same signature.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after Shutdown has started.
var ErrPoolClosed = errors.New("session pool closed")

// CreateError wraps a context-creation failure so callers can tell it
// apart from transient fetch errors. The pool never substitutes a
// degraded context.
type CreateError struct {
	Signature Signature
	Err       error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create session %.12s: %v", string(e.Signature), e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// Handle is the opaque stateful resource a session wraps. The fetcher
// package provides HTTP and browser implementations.
type Handle interface {
	Close() error
}

// Factory creates a handle for a profile. Implementations must not
// block indefinitely; the acquire context bounds them.
type Factory func(ctx context.Context, profile Profile) (Handle, error)

// Session pairs a handle with its signature and usage bookkeeping. The
// pool owns the lifetime; callers borrow via Acquire/Release.
type Session struct {
	signature Signature
	profile   Profile
	handle    Handle
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

// Handle returns the wrapped resource.
func (s *Session) Handle() Handle { return s.handle }

// Signature returns the reuse key the session was created under.
func (s *Session) Signature() Signature { return s.signature }

// Profile returns the fetch profile the session was created with.
func (s *Session) Profile() Profile { return s.profile }

// Pool shares sessions keyed by profile signature, bounded by capacity.
type Pool struct {
	factory  Factory
	capacity int
	logger   *slog.Logger

	mu       sync.Mutex
	sessions []*Session
	inUse    int
	closed   bool
	slotFree chan struct{}
	drained  chan struct{}
}

// NewPool builds a pool with the given capacity and handle factory.
func NewPool(capacity int, factory Factory, logger *slog.Logger) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be >= 1 (got %d)", capacity)
	}
	if factory == nil {
		return nil, errors.New("pool requires a session factory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory:  factory,
		capacity: capacity,
		logger:   logger,
		slotFree: make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
	}, nil
}

// Acquire returns an idle session matching the profile's signature,
// creating one when none exists and the pool is below capacity. At
// capacity it reclaims the oldest idle session of a different signature,
// and otherwise blocks until a release or eviction frees room.
func (p *Pool) Acquire(ctx context.Context, profile Profile) (*Session, error) {
	sig := profile.Signature()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s := p.idleMatchLocked(sig); s != nil {
			s.inUse = true
			p.inUse++
			p.mu.Unlock()
			return s, nil
		}

		if len(p.sessions) >= p.capacity {
			// No matching idle session; make room by retiring the
			// longest-idle mismatched one.
			if victim := p.oldestIdleLocked(); victim != nil {
				p.removeLocked(victim)
				p.mu.Unlock()
				p.closeHandle(victim)
				continue
			}
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.slotFree:
			}
			continue
		}

		// Reserve a slot while creating so concurrent acquires cannot
		// overshoot capacity.
		placeholder := &Session{signature: sig, profile: profile, inUse: true, createdAt: time.Now()}
		p.sessions = append(p.sessions, placeholder)
		p.inUse++
		p.mu.Unlock()

		handle, err := p.factory(ctx, profile)

		p.mu.Lock()
		if err != nil {
			p.removeLocked(placeholder)
			p.inUse--
			p.notifyLocked()
			p.mu.Unlock()
			return nil, &CreateError{Signature: sig, Err: err}
		}
		if p.closed {
			p.removeLocked(placeholder)
			p.inUse--
			if p.inUse == 0 {
				select {
				case p.drained <- struct{}{}:
				default:
				}
			}
			p.mu.Unlock()
			_ = handle.Close()
			return nil, ErrPoolClosed
		}
		placeholder.handle = handle
		placeholder.lastUsed = time.Now()
		p.mu.Unlock()
		p.logger.Debug("session created", "signature", string(sig)[:12], "pool_size", p.Size())
		return placeholder, nil
	}
}

// Release returns a session to the pool for reuse. After Shutdown the
// handle is closed instead.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if !s.inUse {
		p.mu.Unlock()
		return
	}
	s.inUse = false
	s.lastUsed = time.Now()
	p.inUse--
	closed := p.closed
	if closed {
		p.removeLocked(s)
		if p.inUse == 0 {
			select {
			case p.drained <- struct{}{}:
			default:
			}
		}
	}
	p.notifyLocked()
	p.mu.Unlock()

	if closed {
		p.closeHandle(s)
	}
}

// EvictExpired destroys sessions idle longer than ttl and reports how
// many were removed.
func (p *Pool) EvictExpired(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	p.mu.Lock()
	var victims []*Session
	for _, s := range p.sessions {
		if !s.inUse && s.handle != nil && s.lastUsed.Before(cutoff) {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		p.removeLocked(s)
	}
	if len(victims) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.closeHandle(s)
	}
	return len(victims)
}

// Janitor sweeps expired sessions every interval until the context ends.
// Runs independently of request processing.
func (p *Pool) Janitor(ctx context.Context, interval, ttl time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.EvictExpired(ttl); n > 0 {
				p.logger.Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

// Shutdown closes every idle session and waits for in-flight ones to be
// released, bounded by the context.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Session
	for _, s := range p.sessions {
		if !s.inUse {
			idle = append(idle, s)
		}
	}
	for _, s := range idle {
		p.removeLocked(s)
	}
	remaining := p.inUse
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case <-p.drained:
		}
		p.mu.Lock()
		remaining = p.inUse
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Size returns the number of sessions currently owned by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// InUse returns the number of sessions currently borrowed.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *Pool) idleMatchLocked(sig Signature) *Session {
	for _, s := range p.sessions {
		if !s.inUse && s.handle != nil && s.signature == sig {
			return s
		}
	}
	return nil
}

func (p *Pool) oldestIdleLocked() *Session {
	var oldest *Session
	for _, s := range p.sessions {
		if s.inUse || s.handle == nil {
			continue
		}
		if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
			oldest = s
		}
	}
	return oldest
}

func (p *Pool) removeLocked(target *Session) {
	for i, s := range p.sessions {
		if s == target {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

func (p *Pool) notifyLocked() {
	select {
	case p.slotFree <- struct{}{}:
	default:
	}
}

func (p *Pool) closeHandle(s *Session) {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		p.logger.Warn("session close failed", "signature", string(s.signature)[:12], "error", err)
	}
}
